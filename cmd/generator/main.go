// Command generator produces synthetic traffic observations for the traffic
// platform, either as a historical backfill or as a real-time stream, and can
// smoke-test the platform API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
