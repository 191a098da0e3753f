package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"golang.org/x/sync/errgroup"
)

const scrapeTimeout = 10 * time.Second

// ScrapeResult is one chain's prometheus URL scrape outcome, per spec.md
// §4.8/§7 S7: partial failures are tolerated and reported per source rather
// than failing the whole admin request.
type ScrapeResult struct {
	URL      string
	Families map[string]*dto.MetricFamily
	Err      error
}

// Aggregator fans out parallel scrapes of a chain's configured Prometheus
// endpoints, one golang.org/x/sync/errgroup goroutine per URL with no cap on
// their number; each scrape is bounded by the client's scrapeTimeout.
type Aggregator struct {
	client *http.Client
}

// NewAggregator builds an Aggregator using a dedicated HTTP client.
func NewAggregator() *Aggregator {
	return &Aggregator{client: &http.Client{Timeout: scrapeTimeout}}
}

// Scrape fetches and parses the Prometheus text exposition format from each
// url concurrently, returning one ScrapeResult per url regardless of
// individual failures.
func (a *Aggregator) Scrape(ctx context.Context, urls []string) []ScrapeResult {
	results := make([]ScrapeResult, len(urls))

	g, gctx := errgroup.WithContext(ctx)
	for i, url := range urls {
		i, url := i, url
		g.Go(func() error {
			results[i] = a.scrapeOne(gctx, url)
			return nil
		})
	}
	// Errors are captured per-result, not propagated: a single slow or
	// unreachable target must not cancel sibling scrapes.
	_ = g.Wait()

	return results
}

func (a *Aggregator) scrapeOne(ctx context.Context, url string) ScrapeResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ScrapeResult{URL: url, Err: fmt.Errorf("building scrape request: %w", err)}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return ScrapeResult{URL: url, Err: fmt.Errorf("scrape failed: %w", err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ScrapeResult{URL: url, Err: fmt.Errorf("scrape status %d", resp.StatusCode)}
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return ScrapeResult{URL: url, Err: fmt.Errorf("parsing scrape body: %w", err)}
	}

	return ScrapeResult{URL: url, Families: families}
}
