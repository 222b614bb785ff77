// Package timeline derives production lead-time blocks from scheduled items.
// A block runs backwards from the publish date by the item's lead days, so
// the calendar can show when work has to start.
package timeline

import (
	"time"

	"planboard/internal/store"
)

const dateLayout = "2006-01-02"

// Block is the production window for one scheduled item.
type Block struct {
	ItemID        string `json:"itemId"`
	ScheduledDate string `json:"scheduledDate"`
	StartDate     string `json:"startDate"`
	Days          int    `json:"days"`
}

// Compute derives the block for a single item. It reports false for items
// without a schedule or with an unparseable date.
func Compute(item store.ContentItem) (Block, bool) {
	if item.ScheduledDate == nil {
		return Block{}, false
	}
	end, err := time.Parse(dateLayout, *item.ScheduledDate)
	if err != nil {
		return Block{}, false
	}
	days := item.TimelineDays
	if days < 0 {
		days = 0
	}
	start := end.AddDate(0, 0, -days)
	return Block{
		ItemID:        item.ID,
		ScheduledDate: *item.ScheduledDate,
		StartDate:     start.Format(dateLayout),
		Days:          days,
	}, true
}

// Split partitions items into unscheduled backlog and scheduled lists,
// preserving the input order within each.
func Split(items []store.ContentItem) (backlog, scheduled []store.ContentItem) {
	for _, it := range items {
		if it.ScheduledDate == nil {
			backlog = append(backlog, it)
		} else {
			scheduled = append(scheduled, it)
		}
	}
	return backlog, scheduled
}

// Blocks computes blocks for every scheduled item, skipping items whose
// dates fail to parse.
func Blocks(items []store.ContentItem) []Block {
	out := make([]Block, 0, len(items))
	for _, it := range items {
		if b, ok := Compute(it); ok {
			out = append(out, b)
		}
	}
	return out
}
