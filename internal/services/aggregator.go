package services

import (
	"sort"

	"github.com/studio-keygov-go/internal/models"
)

// AggregateUsage projects ledger entries into per-service and per-category
// statistics. entries must be in insertion order (oldest first); nothing is
// persisted.
func AggregateUsage(creds []*models.APIKeyRecord, entries []*models.UsageLogEntry, recentLimit int) *models.UsageStats {
	categories := serviceCategories(creds)

	stats := &models.UsageStats{
		ByService:   make(map[string]*models.ServiceStats),
		ByCategory:  make(map[string]*models.CategoryStats),
		RecentCalls: recentCalls(entries, recentLimit),
	}

	for _, e := range entries {
		st, ok := stats.ByService[e.ServiceName]
		if !ok {
			st = &models.ServiceStats{Category: categoryFor(categories, e)}
			stats.ByService[e.ServiceName] = st
		}
		st.Total++
		if e.Success {
			st.Success++
		}
		sample := e.ResponseTimeMs
		if sample < 0 {
			sample = 0
		}
		// running mean, equal to (prev*(n-1)+sample)/n
		st.AvgResponseTime += (float64(sample) - st.AvgResponseTime) / float64(st.Total)
	}

	names := make([]string, 0, len(stats.ByService))
	for name, st := range stats.ByService {
		st.Failed = st.Total - st.Success
		names = append(names, name)
	}
	sort.Strings(names)

	weighted := make(map[string]float64)
	for _, name := range names {
		st := stats.ByService[name]
		cat, ok := stats.ByCategory[st.Category]
		if !ok {
			cat = &models.CategoryStats{Services: []string{}}
			stats.ByCategory[st.Category] = cat
		}
		cat.Total += st.Total
		cat.Success += st.Success
		cat.Failed += st.Failed
		cat.Services = append(cat.Services, name)
		weighted[st.Category] += st.AvgResponseTime * float64(st.Total)
	}
	for name, cat := range stats.ByCategory {
		if cat.Total > 0 {
			cat.AvgResponseTime = weighted[name] / float64(cat.Total)
		}
	}

	return stats
}

func serviceCategories(creds []*models.APIKeyRecord) map[string][]string {
	out := make(map[string][]string)
	for _, rec := range creds {
		out[rec.ServiceName] = append(out[rec.ServiceName], rec.Category)
	}
	for _, cats := range out {
		sort.Strings(cats)
	}
	return out
}

// categoryFor buckets a service by its registered category. A service
// registered in several categories takes the one its entry was logged
// under, else the first alphabetically.
func categoryFor(categories map[string][]string, e *models.UsageLogEntry) string {
	cats := categories[e.ServiceName]
	if len(cats) == 0 {
		return models.UncategorizedLabel
	}
	for _, c := range cats {
		if c == e.Category {
			return c
		}
	}
	return cats[0]
}

func recentCalls(entries []*models.UsageLogEntry, limit int) []*models.UsageLogEntry {
	if limit <= 0 || len(entries) == 0 {
		return []*models.UsageLogEntry{}
	}

	recent := make([]*models.UsageLogEntry, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		recent = append(recent, entries[i])
	}
	sort.SliceStable(recent, func(i, j int) bool {
		return recent[i].CreatedAt.After(recent[j].CreatedAt)
	})
	if len(recent) > limit {
		recent = recent[:limit]
	}
	return recent
}
