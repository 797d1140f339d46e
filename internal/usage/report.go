package usage

import (
	"fmt"
	"io"
	"math"
	"sort"
	"text/tabwriter"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"aigate/internal/domain"
)

// ProviderUsage aggregates records for one provider
type ProviderUsage struct {
	Provider domain.Provider `json:"provider"`
	Requests int64           `json:"requests"`
	Cost     float64         `json:"cost"`
	Tokens   int64           `json:"tokens"`
}

// Report summarizes usage over a window
type Report struct {
	Days           int             `json:"days"`
	Requests       int64           `json:"requests"`
	Cost           float64         `json:"cost"`
	Tokens         int64           `json:"tokens"`
	AvgDurationMs  float64         `json:"avg_duration_ms"`
	ByProvider     []ProviderUsage `json:"by_provider"`
	CachedRequests int64           `json:"cached_requests"`
	CacheHitRate   float64         `json:"cache_hit_rate"`
	SavedCost      float64         `json:"saved_cost"`
}

// BuildReport aggregates records. Cached requests count toward savings.
func BuildReport(records []*domain.UsageRecord, days int) *Report {
	r := &Report{Days: days}
	byProvider := make(map[domain.Provider]*ProviderUsage)
	var totalDuration int64

	for _, rec := range records {
		r.Requests++
		r.Cost += rec.Cost
		r.Tokens += rec.TotalTokens
		totalDuration += rec.DurationMs
		if rec.Cached {
			r.CachedRequests++
			r.SavedCost += rec.Cost
		}

		pu, ok := byProvider[rec.Provider]
		if !ok {
			pu = &ProviderUsage{Provider: rec.Provider}
			byProvider[rec.Provider] = pu
		}
		pu.Requests++
		pu.Cost += rec.Cost
		pu.Tokens += rec.TotalTokens
	}

	if r.Requests > 0 {
		r.AvgDurationMs = float64(totalDuration) / float64(r.Requests)
		r.CacheHitRate = math.Round(float64(r.CachedRequests)/float64(r.Requests)*100*100) / 100
	}

	for _, pu := range byProvider {
		r.ByProvider = append(r.ByProvider, *pu)
	}
	sort.Slice(r.ByProvider, func(i, j int) bool {
		return r.ByProvider[i].Provider < r.ByProvider[j].Provider
	})
	return r
}

// Render writes the overview, per-provider and cache sections as aligned tables
func (r *Report) Render(w io.Writer) error {
	if r.Requests == 0 {
		_, err := fmt.Fprintln(w, "No AI requests found in the specified period.")
		return err
	}

	p := message.NewPrinter(language.English)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	p.Fprintf(tw, "AI Usage Overview (last %d days)\n\n", r.Days)
	p.Fprintf(tw, "Metric\tValue\n")
	p.Fprintf(tw, "Total Requests\t%d\n", r.Requests)
	p.Fprintf(tw, "Total Cost\t$%.4f\n", r.Cost)
	p.Fprintf(tw, "Total Tokens\t%d\n", r.Tokens)
	p.Fprintf(tw, "Avg Duration\t%d ms\n", int64(math.Round(r.AvgDurationMs)))

	p.Fprintf(tw, "\nUsage by Provider\n\n")
	p.Fprintf(tw, "Provider\tRequests\tCost\tTokens\n")
	for _, pu := range r.ByProvider {
		p.Fprintf(tw, "%s\t%d\t$%.4f\t%d\n", pu.Provider, pu.Requests, pu.Cost, pu.Tokens)
	}

	p.Fprintf(tw, "\nCache Performance\n\n")
	p.Fprintf(tw, "Metric\tValue\n")
	p.Fprintf(tw, "Cache Hit Rate\t%v%%\n", r.CacheHitRate)
	p.Fprintf(tw, "Cached Requests\t%d / %d\n", r.CachedRequests, r.Requests)
	p.Fprintf(tw, "Estimated Savings\t$%.4f\n", r.SavedCost)

	return tw.Flush()
}
