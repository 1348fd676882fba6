package driver

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kjstillabower/traffic-mock-service/internal/ingest"
)

type fakeAPI struct {
	queries map[string]url.Values
	posted  map[string]interface{}
	status  map[string]int
	errs    map[string]error
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{
		queries: map[string]url.Values{},
		posted:  map[string]interface{}{},
		status:  map[string]int{},
		errs:    map[string]error{},
	}
}

func (f *fakeAPI) respond(path string) (*ingest.Response, error) {
	if err := f.errs[path]; err != nil {
		return nil, err
	}
	code := http.StatusOK
	if c, ok := f.status[path]; ok {
		code = c
	}
	return &ingest.Response{StatusCode: code, Body: []byte(`{}`)}, nil
}

func (f *fakeAPI) Get(_ context.Context, path string, query url.Values) (*ingest.Response, error) {
	f.queries[path] = query
	return f.respond(path)
}

func (f *fakeAPI) PostJSON(_ context.Context, path string, v interface{}) (*ingest.Response, error) {
	f.posted[path] = v
	return f.respond(path)
}

func TestProbe_CallsEveryEndpoint(t *testing.T) {
	api := newFakeAPI()
	now := time.Date(2024, 1, 15, 9, 30, 15, 0, time.UTC)

	results := Probe(context.Background(), api, now, nil)

	require.Len(t, results, 4)
	for _, r := range results {
		assert.True(t, r.OK(), r.Path)
	}
	assert.Equal(t, "2024-01-15T09:30:15", api.queries["/traffic/predict"].Get("timestamp"))
	assert.Equal(t, "16.5062", api.queries["/traffic/predict"].Get("lat"))
	assert.Equal(t, "PNBS Bus Stand", api.queries["/traffic/route"].Get("destination"))
	assert.Equal(t, "true", api.queries["/traffic/route"].Get("eco"))
	assert.Equal(t, "daily", api.queries["/traffic/trends"].Get("period"))
	assert.Equal(t, signalOptimizeRequest{IntersectionID: "INT-TEST-001", North: 45, South: 35, East: 25, West: 30},
		api.posted["/traffic/signal/optimize"])
}

func TestProbe_ReportsFailuresAndContinues(t *testing.T) {
	api := newFakeAPI()
	api.errs["/traffic/route"] = errors.New("connection refused")
	api.status["/traffic/signal/optimize"] = http.StatusForbidden

	results := Probe(context.Background(), api, time.Now(), nil)

	require.Len(t, results, 4)
	assert.True(t, results[0].OK())
	assert.False(t, results[1].OK())
	assert.Equal(t, 0, results[1].StatusCode)
	assert.False(t, results[2].OK())
	assert.Equal(t, http.StatusForbidden, results[2].StatusCode)
	assert.True(t, results[3].OK())
}
