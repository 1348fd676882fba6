package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/kjstillabower/traffic-mock-service/internal/driver"
)

func newProbeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Call the platform's prediction, routing, signal and trend endpoints once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := a.signalContext()
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
			defer cancel()

			client, err := a.platformClient()
			if err != nil {
				return err
			}
			if err := client.Login(ctx); err != nil {
				return fmt.Errorf("login: %w", err)
			}
			results := driver.Probe(ctx, client, a.now(), a.logger)
			failed := 0
			out := cmd.OutOrStdout()
			for _, r := range results {
				status := "OK"
				if !r.OK() {
					status = "FAIL"
					failed++
				}
				fmt.Fprintf(out, "%-4s %-10s %s %s -> %d (%s)\n", status, r.Name, r.Method, r.Path, r.StatusCode, r.Duration.Round(time.Millisecond))
				if r.Err != nil {
					fmt.Fprintf(out, "     error: %v\n", r.Err)
				} else if len(r.Body) > 0 {
					fmt.Fprintf(out, "     %s\n", r.Body)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d endpoints failed", failed, len(results))
			}
			return nil
		},
	}
}
