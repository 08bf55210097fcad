package warming

import (
	"context"
	"sort"
	"time"

	"github.com/meridian-cache/meridian/pkg/models"
)

// ReprocessStrategy decides which dead-letter entries to re-enqueue and in
// what order. Different strategies trade off "clear the backlog fast"
// against "don't re-flood a webhook target that just started recovering".
type ReprocessStrategy interface {
	Name() string
	Plan(ctx context.Context, opts PlanOptions) ([]ReprocessTask, error)
}

// PlanOptions provides input parameters for reprocessing strategy planning.
type PlanOptions struct {
	Entries  []models.DeadLetterEntry // candidate dead-letter entries
	Priority int                      // base priority level
	Limit    int                      // maximum number of tasks to generate
}

// ReprocessTask represents a single dead-letter entry queued for
// re-delivery.
type ReprocessTask struct {
	DeliveryID    string // delivery id to re-enqueue via the engine
	WebhookID     string
	Priority      int // task priority (higher = more important)
	EstimatedCost int // estimated cost, used only to rank within a strategy
	Strategy      string
	Metadata      map[string]interface{}
}

// OldestFirstStrategy reprocesses the longest-failing entries first, on the
// theory that a webhook target is more likely to have recovered the longer
// it has been since the original failure.
type OldestFirstStrategy struct {
	name string
}

// NewOldestFirstStrategy creates a new oldest-first strategy.
func NewOldestFirstStrategy() ReprocessStrategy {
	return &OldestFirstStrategy{name: "oldest-first"}
}

func (s *OldestFirstStrategy) Name() string { return s.name }

// Plan sorts entries by enqueue time (oldest first) and takes the leading
// Limit entries. Complexity: O(n log n).
func (s *OldestFirstStrategy) Plan(ctx context.Context, opts PlanOptions) ([]ReprocessTask, error) {
	entries := make([]models.DeadLetterEntry, len(opts.Entries))
	copy(entries, opts.Entries)

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
	})

	limit := opts.Limit
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	if limit > 1000 {
		limit = 1000
	}

	tasks := make([]ReprocessTask, 0, limit)
	for i := 0; i < limit; i++ {
		e := entries[i]

		priority := opts.Priority
		if priority == 0 {
			priority = 100 - (i * 100 / maxInt(limit, 1))
		}

		tasks = append(tasks, ReprocessTask{
			DeliveryID:    e.DeliveryID,
			WebhookID:     e.WebhookID,
			Priority:      priority,
			EstimatedCost: estimateReprocessCost(e),
			Strategy:      s.name,
		})
	}

	return tasks, nil
}

// PerWebhookRoundRobinStrategy interleaves entries across webhooks so a
// single webhook with a large backlog does not monopolize the worker pool
// while other webhooks' entries starve behind it.
type PerWebhookRoundRobinStrategy struct {
	name string
}

// NewPerWebhookRoundRobinStrategy creates a new round-robin strategy.
func NewPerWebhookRoundRobinStrategy() ReprocessStrategy {
	return &PerWebhookRoundRobinStrategy{name: "round-robin"}
}

func (s *PerWebhookRoundRobinStrategy) Name() string { return s.name }

// Plan groups entries by webhook id (oldest first within each group), then
// emits one entry per group per round until every group is exhausted.
// Complexity: O(n log n) for the per-group sort + O(n) for interleaving.
func (s *PerWebhookRoundRobinStrategy) Plan(ctx context.Context, opts PlanOptions) ([]ReprocessTask, error) {
	if len(opts.Entries) == 0 {
		return []ReprocessTask{}, nil
	}

	order := make([]string, 0)
	groups := make(map[string][]models.DeadLetterEntry)
	for _, e := range opts.Entries {
		if _, seen := groups[e.WebhookID]; !seen {
			order = append(order, e.WebhookID)
		}
		groups[e.WebhookID] = append(groups[e.WebhookID], e)
	}
	for _, id := range order {
		g := groups[id]
		sort.Slice(g, func(i, j int) bool { return g[i].EnqueuedAt.Before(g[j].EnqueuedAt) })
		groups[id] = g
	}

	limit := opts.Limit
	if limit <= 0 || limit > len(opts.Entries) {
		limit = len(opts.Entries)
	}

	tasks := make([]ReprocessTask, 0, limit)
	cursor := make(map[string]int)
	for len(tasks) < limit {
		progressed := false
		for _, id := range order {
			if len(tasks) >= limit {
				break
			}
			i := cursor[id]
			g := groups[id]
			if i >= len(g) {
				continue
			}
			e := g[i]
			cursor[id] = i + 1
			progressed = true

			priority := opts.Priority
			if priority == 0 {
				priority = 100 - (i * 10)
				if priority < 0 {
					priority = 0
				}
			}

			tasks = append(tasks, ReprocessTask{
				DeliveryID:    e.DeliveryID,
				WebhookID:     e.WebhookID,
				Priority:      priority,
				EstimatedCost: estimateReprocessCost(e),
				Strategy:      s.name,
				Metadata:      map[string]interface{}{"round": i},
			})
		}
		if !progressed {
			break
		}
	}

	return tasks, nil
}

// WeightedAgeStrategy scores each entry by a combination of how long it has
// waited (importance) and how large its webhook's current backlog is
// (pressure), favoring entries that are both old and belong to a large
// backlog.
type WeightedAgeStrategy struct {
	name string
}

// NewWeightedAgeStrategy creates a new weighted-age strategy.
func NewWeightedAgeStrategy() ReprocessStrategy {
	return &WeightedAgeStrategy{name: "weighted-age"}
}

func (s *WeightedAgeStrategy) Name() string { return s.name }

// Plan computes a priority score per entry and returns tasks sorted by
// score descending. Complexity: O(n log n).
func (s *WeightedAgeStrategy) Plan(ctx context.Context, opts PlanOptions) ([]ReprocessTask, error) {
	if len(opts.Entries) == 0 {
		return []ReprocessTask{}, nil
	}

	backlog := make(map[string]int)
	for _, e := range opts.Entries {
		backlog[e.WebhookID]++
	}

	now := latestEnqueuedAt(opts.Entries)

	tasks := make([]ReprocessTask, 0, len(opts.Entries))
	for _, e := range opts.Entries {
		cost := estimateReprocessCost(e)

		age := now.Sub(e.EnqueuedAt)
		importance := float64(age) / float64(time.Hour)
		if importance > 10 {
			importance = 10
		}

		pressure := float64(backlog[e.WebhookID])
		if pressure > 5 {
			pressure = 5
		}

		score := (importance * (1 + pressure) * 100) / float64(cost)
		priority := int(score)
		if priority > 100 {
			priority = 100
		}
		if priority < 0 {
			priority = 0
		}

		tasks = append(tasks, ReprocessTask{
			DeliveryID:    e.DeliveryID,
			WebhookID:     e.WebhookID,
			Priority:      priority,
			EstimatedCost: cost,
			Strategy:      s.name,
			Metadata: map[string]interface{}{
				"importance": importance,
				"pressure":   pressure,
				"score":      score,
			},
		})
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Priority > tasks[j].Priority })

	limit := opts.Limit
	if limit > 0 && limit < len(tasks) {
		tasks = tasks[:limit]
	}

	return tasks, nil
}

// estimateReprocessCost estimates the relative cost of re-delivering an
// entry, based on its original payload size. Larger payloads take longer to
// serialize and transmit.
func estimateReprocessCost(e models.DeadLetterEntry) int {
	cost := 10
	cost += len(e.OriginalPayload) / 256
	if cost < 1 {
		cost = 1
	}
	return cost
}

func latestEnqueuedAt(entries []models.DeadLetterEntry) time.Time {
	var latest time.Time
	for _, e := range entries {
		if e.EnqueuedAt.After(latest) {
			latest = e.EnqueuedAt
		}
	}
	return latest
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
