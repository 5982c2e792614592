package history

import (
	"sort"
	"time"

	"apifallback/internal/models"
)

const (
	// DefaultTimelinePoints controls how many dots we generate per endpoint.
	DefaultTimelinePoints = 80
	maxDetailsPerPoint    = 4
)

const (
	StateSuccess = "state-success"
	StateWarning = "state-warning"
	StateError   = "state-error"
	StateMissing = "state-missing"
)

type sample struct {
	Timestamp time.Time
	Reachable bool
	Role      models.Role
	Error     string
}

// BuildEndpointTimelines converts a history series into compact per-URL timelines.
func BuildEndpointTimelines(entries []models.StatusEntry, start, end time.Time, points int) []models.EndpointTimeline {
	points, end = normalizeRange(start, end, points)

	historyMap := make(map[string][]sample)
	for _, entry := range entries {
		for _, check := range entry.Checks {
			if check.URL == "" {
				continue
			}
			historyMap[check.URL] = append(historyMap[check.URL], sample{
				Timestamp: entry.Timestamp,
				Reachable: check.Reachable,
				Error:     check.Error,
			})
		}
	}
	if len(historyMap) == 0 {
		return nil
	}

	urls := make([]string, 0, len(historyMap))
	for url := range historyMap {
		urls = append(urls, url)
	}
	sort.Strings(urls)

	result := make([]models.EndpointTimeline, 0, len(urls))
	for _, url := range urls {
		result = append(result, models.EndpointTimeline{
			URL:      url,
			Timeline: buildTimeline(historyMap[url], start, end, points, evaluateReachability),
		})
	}
	return result
}

// BuildSelectionTimeline shows which side of the pair was in use over time:
// primary is success, fallback is a warning and degraded is an error.
func BuildSelectionTimeline(entries []models.StatusEntry, start, end time.Time, points int) []models.TimelinePoint {
	points, end = normalizeRange(start, end, points)

	samples := make([]sample, 0, len(entries))
	for _, entry := range entries {
		if entry.Role == "" {
			continue
		}
		samples = append(samples, sample{
			Timestamp: entry.Timestamp,
			Role:      entry.Role,
		})
	}
	return buildTimeline(samples, start, end, points, evaluateSelection)
}

func normalizeRange(start, end time.Time, points int) (int, time.Time) {
	if points <= 0 {
		points = DefaultTimelinePoints
	}
	if !end.After(start) {
		end = start.Add(time.Minute)
	}
	return points, end
}

type evaluator func([]sample) (state, label string, details []models.TimelineDetail)

func buildTimeline(samples []sample, start, end time.Time, points int, evaluate evaluator) []models.TimelinePoint {
	output := make([]models.TimelinePoint, 0, points)
	if len(samples) > 1 {
		sort.SliceStable(samples, func(i, j int) bool {
			return samples[i].Timestamp.Before(samples[j].Timestamp)
		})
	}

	bucketDuration := end.Sub(start) / time.Duration(points)
	if bucketDuration <= 0 {
		bucketDuration = time.Minute
	}

	cursor := 0
	for i := 0; i < points; i++ {
		bucketStart := start.Add(time.Duration(i) * bucketDuration)
		bucketEnd := bucketStart.Add(bucketDuration)
		if i == points-1 {
			bucketEnd = end
		}
		bucketSamples, nextCursor := collectBucketSamples(samples, bucketStart, bucketEnd, cursor)
		cursor = nextCursor
		state, label, details := evaluate(bucketSamples)
		output = append(output, models.TimelinePoint{
			State:   state,
			Label:   label,
			Start:   bucketStart,
			End:     bucketEnd,
			Details: details,
		})
	}
	return output
}

func collectBucketSamples(samples []sample, start, end time.Time, cursor int) ([]sample, int) {
	total := len(samples)
	if total == 0 || cursor >= total {
		return nil, cursor
	}

	i := cursor
	for i < total && samples[i].Timestamp.Before(start) {
		i++
	}
	j := i
	for j < total && samples[j].Timestamp.Before(end) {
		j++
	}
	if i >= j {
		return nil, j
	}
	chunk := make([]sample, j-i)
	copy(chunk, samples[i:j])
	return chunk, j
}

func evaluateReachability(entries []sample) (string, string, []models.TimelineDetail) {
	if len(entries) == 0 {
		return StateMissing, "No data", nil
	}
	var (
		down    int
		details []models.TimelineDetail
	)
	for _, entry := range entries {
		if !entry.Reachable {
			down++
			details = appendDetail(details, entry.Timestamp, "unreachable", entry.Error)
		}
	}
	switch {
	case down == 0:
		return StateSuccess, "Reachable", nil
	case down == len(entries):
		return StateError, "Unreachable", details
	default:
		return StateWarning, "Flapping", details
	}
}

func evaluateSelection(entries []sample) (string, string, []models.TimelineDetail) {
	if len(entries) == 0 {
		return StateMissing, "No data", nil
	}
	var (
		hasDegraded bool
		hasFallback bool
		details     []models.TimelineDetail
	)
	for _, entry := range entries {
		switch entry.Role {
		case models.RoleDegraded:
			hasDegraded = true
			details = appendDetail(details, entry.Timestamp, string(entry.Role), "no endpoint reachable")
		case models.RoleFallback:
			hasFallback = true
			details = appendDetail(details, entry.Timestamp, string(entry.Role), "")
		}
	}
	switch {
	case hasDegraded:
		return StateError, "Degraded", details
	case hasFallback:
		return StateWarning, "Failover", details
	default:
		return StateSuccess, "Primary", nil
	}
}

func appendDetail(details []models.TimelineDetail, ts time.Time, state, msg string) []models.TimelineDetail {
	if len(details) >= maxDetailsPerPoint {
		return details
	}
	return append(details, models.TimelineDetail{
		Timestamp: ts,
		State:     state,
		Error:     msg,
	})
}
