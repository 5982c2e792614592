package metrics

import (
	"math"
	"sort"
	"time"

	"apifallback/internal/models"
)

// EndpointUptime summarises availability of a single endpoint URL.
type EndpointUptime struct {
	URL           string  `json:"url"`
	UptimePercent float64 `json:"uptime_percent"`
	TotalChecks   int     `json:"total_checks"`
	Reachable     int     `json:"reachable"`
	Unreachable   int     `json:"unreachable"`
	Selected      int     `json:"selected"`
	AvgElapsedMs  float64 `json:"avg_elapsed_ms"`
	LastError     string  `json:"last_error,omitempty"`
	LastUpdated   string  `json:"last_updated,omitempty"`
}

// ComputeEndpointUptime aggregates uptime statistics per URL from history entries.
func ComputeEndpointUptime(entries []models.StatusEntry) []EndpointUptime {
	type acc struct {
		reachable   int
		unreachable int
		selected    int
		elapsed     int64
		lastError   string
		lastTime    time.Time
	}
	state := make(map[string]*acc)
	get := func(url string) *acc {
		a := state[url]
		if a == nil {
			a = &acc{}
			state[url] = a
		}
		return a
	}
	for _, entry := range entries {
		for _, check := range entry.Checks {
			a := get(check.URL)
			if check.Reachable {
				a.reachable++
			} else {
				a.unreachable++
			}
			a.elapsed += check.ElapsedMillis
			if check.Error != "" {
				a.lastError = check.Error
			}
			a.lastTime = entry.Timestamp
		}
		if entry.Selected != "" {
			get(entry.Selected).selected++
		}
	}
	if len(state) == 0 {
		return nil
	}

	keys := make([]string, 0, len(state))
	for k := range state {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	results := make([]EndpointUptime, 0, len(keys))
	for _, url := range keys {
		data := state[url]
		total := data.reachable + data.unreachable
		uptime, avg := 0.0, 0.0
		if total > 0 {
			uptime = float64(data.reachable) / float64(total) * 100
			avg = float64(data.elapsed) / float64(total)
		}

		result := EndpointUptime{
			URL:           url,
			UptimePercent: round2(uptime),
			TotalChecks:   total,
			Reachable:     data.reachable,
			Unreachable:   data.unreachable,
			Selected:      data.selected,
			AvgElapsedMs:  round2(avg),
			LastError:     data.lastError,
		}
		if !data.lastTime.IsZero() {
			result.LastUpdated = data.lastTime.UTC().Format(time.RFC3339)
		}
		results = append(results, result)
	}
	return results
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
