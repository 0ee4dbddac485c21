package violationreport

import (
	"sort"
	"time"
)

// Report summarizes violations recorded within a time range.
type Report struct {
	GeneratedAt time.Time
	RangeStart  time.Time
	RangeEnd    time.Time

	TotalViolations int
	BySeverity      map[string]int
	ByType          map[string]int
	ByPolicy        map[string]int
	ByTenant        map[string]int

	TopViolators  []CountedEntry
	TopResources  []CountedEntry
	TopPolicies   []CountedEntry

	HourlyTrend []TrendPoint
	DailyTrend  []TrendPoint

	Recommendations []string
}

// CountedEntry is a name paired with how often it appeared.
type CountedEntry struct {
	Name  string
	Count int
}

// TrendPoint is one zero-filled bucket in a time-series trend.
type TrendPoint struct {
	BucketStart time.Time
	Count       int
}

// GenerateReport builds a Report covering [start, end) from the
// violations recorded via RecordViolation.
func (r *Reporter) GenerateReport(start, end time.Time) Report {
	r.mu.Lock()
	violations := make([]Violation, 0, len(r.recentViolations))
	for _, v := range r.recentViolations {
		if !v.Timestamp.Before(start) && v.Timestamp.Before(end) {
			violations = append(violations, v)
		}
	}
	r.mu.Unlock()

	rep := Report{
		GeneratedAt: time.Now(),
		RangeStart:  start,
		RangeEnd:    end,
		BySeverity:  map[string]int{},
		ByType:      map[string]int{},
		ByPolicy:    map[string]int{},
		ByTenant:    map[string]int{},
	}
	rep.TotalViolations = len(violations)

	subjectCounts := map[string]int{}
	resourceCounts := map[string]int{}

	for _, v := range violations {
		rep.BySeverity[v.Severity]++
		rep.ByType[v.ViolationType]++
		rep.ByPolicy[v.PolicyName]++
		if v.TenantID != "" {
			rep.ByTenant[v.TenantID]++
		}
		if v.Subject != "" {
			subjectCounts[v.Subject]++
		}
		if v.ResourcePath != "" {
			resourceCounts[v.ResourcePath]++
		}
	}

	rep.TopViolators = topN(subjectCounts, 10)
	rep.TopResources = topN(resourceCounts, 10)
	rep.TopPolicies = topN(rep.ByPolicy, 10)

	rep.HourlyTrend = trendBuckets(violations, start, end, time.Hour)
	rep.DailyTrend = trendBuckets(violations, start, end, 24*time.Hour)

	rep.Recommendations = recommendationsFor(rep)

	return rep
}

func topN(counts map[string]int, n int) []CountedEntry {
	entries := make([]CountedEntry, 0, len(counts))
	for name, count := range counts {
		entries = append(entries, CountedEntry{Name: name, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Name < entries[j].Name
	})
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries
}

// trendBuckets zero-fills every bucket between start and end at the given
// granularity, then counts violations into the bucket they fall in.
func trendBuckets(violations []Violation, start, end time.Time, granularity time.Duration) []TrendPoint {
	if !end.After(start) {
		return nil
	}

	bucketStart := start.Truncate(granularity)
	var points []TrendPoint
	index := map[time.Time]int{}
	for t := bucketStart; t.Before(end); t = t.Add(granularity) {
		index[t] = len(points)
		points = append(points, TrendPoint{BucketStart: t})
	}

	for _, v := range violations {
		bucket := v.Timestamp.Truncate(granularity)
		if i, ok := index[bucket]; ok {
			points[i].Count++
		}
	}
	return points
}

func recommendationsFor(rep Report) []string {
	var recs []string

	if rep.TotalViolations == 0 {
		return recs
	}

	if critical := rep.BySeverity["CRITICAL"]; critical > 0 {
		recs = append(recs, "investigate critical-severity violations immediately")
	}

	for _, violator := range rep.TopViolators {
		if violator.Count >= 5 {
			recs = append(recs, "review access for repeat violator "+violator.Name)
			break
		}
	}

	for _, policy := range rep.TopPolicies {
		if rep.TotalViolations > 0 && float64(policy.Count)/float64(rep.TotalViolations) > 0.5 {
			recs = append(recs, "policy "+policy.Name+" accounts for the majority of violations; consider reviewing its rules")
			break
		}
	}

	if len(rep.ByTenant) > 1 {
		recs = append(recs, "violations span multiple tenants; consider a cross-tenant policy audit")
	}

	return recs
}
