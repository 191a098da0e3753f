package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePrometheusBody = `# HELP process_uptime_seconds uptime
# TYPE process_uptime_seconds gauge
process_uptime_seconds 123.4
`

func TestScrapeToleratesPartialFailures(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(samplePrometheusBody))
	}))
	defer ok.Close()

	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	a := NewAggregator()
	results := a.Scrape(context.Background(), []string{ok.URL, down.URL, "http://127.0.0.1:1"})

	require.Len(t, results, 3)
	assert.NoError(t, results[0].Err)
	assert.Len(t, results[0].Families, 1)

	assert.Error(t, results[1].Err)
	assert.Error(t, results[2].Err)
}

func TestScrapeParsesMetricFamilies(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(samplePrometheusBody))
	}))
	defer srv.Close()

	a := NewAggregator()
	results := a.Scrape(context.Background(), []string{srv.URL})
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	_, ok := results[0].Families["process_uptime_seconds"]
	assert.True(t, ok)
}
