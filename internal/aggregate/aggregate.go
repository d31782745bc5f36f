package aggregate

import (
	"github.com/rdpk/metering/internal/counters"
	"github.com/rdpk/metering/internal/models"
)

// Compute builds a window payload on the scheduler path: totals come from the
// live counter snapshot, distributions from the persisted event rows. The
// counters are authoritative for totals because events may still be in the
// buffer when the window closes.
func Compute(snap counters.Snapshot, events []models.UsageEvent) models.AggregationResult {
	result := models.AggregationResult{
		TotalCalls:        snap.Calls,
		TotalTokens:       snap.Tokens,
		TotalInputTokens:  snap.InputTokens,
		TotalOutputTokens: snap.OutputTokens,
	}
	result.AvgLatencyMs, result.ByEndpoint, result.ByModel = distributions(events)
	return result
}

// ComputeFromEvents derives the whole payload from event rows alone. The
// reconciliation path uses it: by the time a late event is folded in, the
// live counters no longer cover its window.
func ComputeFromEvents(events []models.UsageEvent) models.AggregationResult {
	var result models.AggregationResult
	for _, ev := range events {
		result.TotalCalls++
		result.TotalTokens += ev.TotalTokens()
		result.TotalInputTokens += ev.InputTokens
		result.TotalOutputTokens += ev.OutputTokens
	}
	result.AvgLatencyMs, result.ByEndpoint, result.ByModel = distributions(events)
	return result
}

func distributions(events []models.UsageEvent) (*float64, map[string]models.GroupStats, map[string]models.GroupStats) {
	var (
		byEndpoint map[string]models.GroupStats
		byModel    map[string]models.GroupStats
		latencySum int64
		latencyN   int64
	)

	for _, ev := range events {
		if byEndpoint == nil {
			byEndpoint = make(map[string]models.GroupStats)
		}
		stats := byEndpoint[ev.Endpoint]
		stats.Calls++
		stats.Tokens += ev.TotalTokens()
		byEndpoint[ev.Endpoint] = stats

		if ev.Model != "" {
			if byModel == nil {
				byModel = make(map[string]models.GroupStats)
			}
			stats := byModel[ev.Model]
			stats.Calls++
			stats.Tokens += ev.TotalTokens()
			byModel[ev.Model] = stats
		}

		if ev.LatencyMs != nil {
			latencySum += int64(*ev.LatencyMs)
			latencyN++
		}
	}

	var avg *float64
	if latencyN > 0 {
		v := float64(latencySum) / float64(latencyN)
		avg = &v
	}
	return avg, byEndpoint, byModel
}
