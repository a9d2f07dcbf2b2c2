package metrics

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Simple Prometheus-style metrics for the API and crawl engine.
// This is intentionally minimal and in-memory only.

var (
	mu             sync.RWMutex
	requestsTotal  = make(map[reqKey]int64)
	latencyMsSum   = make(map[latKey]int64)
	latencyMsCount = make(map[latKey]int64)

	fetchTotal        = make(map[string]int64)
	jobsFinishedTotal = make(map[string]int64)

	listingsScrapedTotal  int64
	priceHistoryRowsTotal int64

	enrichTotal = make(map[enrichKey]int64)
)

type reqKey struct {
	Method string
	Path   string
	Status int
}

type latKey struct {
	Method string
	Path   string
}

type enrichKey struct {
	Provider string
	Model    string
	Success  string
}

// RecordRequest increments request counter and records latency.
func RecordRequest(method, path string, status int, latencyMs int64) {
	mu.Lock()
	defer mu.Unlock()

	rk := reqKey{Method: method, Path: path, Status: status}
	requestsTotal[rk]++

	lk := latKey{Method: method, Path: path}
	latencyMsSum[lk] += latencyMs
	latencyMsCount[lk]++
}

// RecordFetch counts fetch attempts by outcome (ok, robots_blocked,
// http_error, timeout, retries_exhausted).
func RecordFetch(outcome string) {
	mu.Lock()
	defer mu.Unlock()
	fetchTotal[outcome]++
}

// RecordJobFinished counts crawl jobs reaching a terminal status.
func RecordJobFinished(status string) {
	mu.Lock()
	defer mu.Unlock()
	jobsFinishedTotal[status]++
}

// RecordListingScraped counts listings persisted by the engine.
func RecordListingScraped() {
	mu.Lock()
	defer mu.Unlock()
	listingsScrapedTotal++
}

// RecordPriceHistory counts price-history rows appended on rescrape.
func RecordPriceHistory() {
	mu.Lock()
	defer mu.Unlock()
	priceHistoryRowsTotal++
}

// RecordEnrich increments AI-enrichment counters.
func RecordEnrich(provider, model string, success bool) {
	mu.Lock()
	defer mu.Unlock()

	s := "false"
	if success {
		s = "true"
	}
	enrichTotal[enrichKey{Provider: provider, Model: model, Success: s}]++
}

// Export returns Prometheus-style metrics text.
func Export() string {
	mu.RLock()
	defer mu.RUnlock()

	var b strings.Builder

	b.WriteString("# HELP morada_http_requests_total Total HTTP requests\n")
	b.WriteString("# TYPE morada_http_requests_total counter\n")

	// Sort keys for stable output
	var reqKeys []reqKey
	for k := range requestsTotal {
		reqKeys = append(reqKeys, k)
	}
	sort.Slice(reqKeys, func(i, j int) bool {
		if reqKeys[i].Method != reqKeys[j].Method {
			return reqKeys[i].Method < reqKeys[j].Method
		}
		if reqKeys[i].Path != reqKeys[j].Path {
			return reqKeys[i].Path < reqKeys[j].Path
		}
		return reqKeys[i].Status < reqKeys[j].Status
	})

	for _, k := range reqKeys {
		v := requestsTotal[k]
		fmt.Fprintf(&b, "morada_http_requests_total{method=\"%s\",path=\"%s\",status=\"%d\"} %d\n",
			k.Method, k.Path, k.Status, v)
	}

	b.WriteString("# HELP morada_http_request_duration_ms_sum Total request duration in milliseconds\n")
	b.WriteString("# TYPE morada_http_request_duration_ms_sum counter\n")
	b.WriteString("# HELP morada_http_request_duration_ms_count Request count for latency metric\n")
	b.WriteString("# TYPE morada_http_request_duration_ms_count counter\n")

	var latKeys []latKey
	for k := range latencyMsSum {
		latKeys = append(latKeys, k)
	}
	sort.Slice(latKeys, func(i, j int) bool {
		if latKeys[i].Method != latKeys[j].Method {
			return latKeys[i].Method < latKeys[j].Method
		}
		return latKeys[i].Path < latKeys[j].Path
	})

	for _, k := range latKeys {
		fmt.Fprintf(&b, "morada_http_request_duration_ms_sum{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsSum[k])
		fmt.Fprintf(&b, "morada_http_request_duration_ms_count{method=\"%s\",path=\"%s\"} %d\n",
			k.Method, k.Path, latencyMsCount[k])
	}

	b.WriteString("# HELP morada_fetch_total Fetch attempts by outcome\n")
	b.WriteString("# TYPE morada_fetch_total counter\n")
	for _, outcome := range sortedKeys(fetchTotal) {
		fmt.Fprintf(&b, "morada_fetch_total{outcome=\"%s\"} %d\n", outcome, fetchTotal[outcome])
	}

	b.WriteString("# HELP morada_jobs_finished_total Crawl jobs reaching a terminal status\n")
	b.WriteString("# TYPE morada_jobs_finished_total counter\n")
	for _, status := range sortedKeys(jobsFinishedTotal) {
		fmt.Fprintf(&b, "morada_jobs_finished_total{status=\"%s\"} %d\n", status, jobsFinishedTotal[status])
	}

	b.WriteString("# HELP morada_listings_scraped_total Listings persisted by the crawl engine\n")
	b.WriteString("# TYPE morada_listings_scraped_total counter\n")
	fmt.Fprintf(&b, "morada_listings_scraped_total %d\n", listingsScrapedTotal)

	b.WriteString("# HELP morada_price_history_rows_total Price-history rows appended on rescrape\n")
	b.WriteString("# TYPE morada_price_history_rows_total counter\n")
	fmt.Fprintf(&b, "morada_price_history_rows_total %d\n", priceHistoryRowsTotal)

	b.WriteString("# HELP morada_enrich_requests_total Total AI enrichment requests\n")
	b.WriteString("# TYPE morada_enrich_requests_total counter\n")

	var enrichKeys []enrichKey
	for k := range enrichTotal {
		enrichKeys = append(enrichKeys, k)
	}
	sort.Slice(enrichKeys, func(i, j int) bool {
		if enrichKeys[i].Provider != enrichKeys[j].Provider {
			return enrichKeys[i].Provider < enrichKeys[j].Provider
		}
		if enrichKeys[i].Model != enrichKeys[j].Model {
			return enrichKeys[i].Model < enrichKeys[j].Model
		}
		return enrichKeys[i].Success < enrichKeys[j].Success
	})
	for _, k := range enrichKeys {
		fmt.Fprintf(&b, "morada_enrich_requests_total{provider=\"%s\",model=\"%s\",success=\"%s\"} %d\n",
			k.Provider, k.Model, k.Success, enrichTotal[k])
	}

	return b.String()
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
