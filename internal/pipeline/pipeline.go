// Package pipeline groups content items into the fixed production stages for
// the board view.
package pipeline

import (
	"planboard/internal/store"
)

// Bucket is one stage column on the board.
type Bucket struct {
	Stage store.Stage         `json:"stage"`
	Items []store.ContentItem `json:"items"`
	Count int                 `json:"count"`
	Empty bool                `json:"empty"`
}

// Group partitions items into one bucket per stage, in pipeline order.
// Items carrying an unknown stage are excluded. Input order is preserved
// within each bucket.
func Group(items []store.ContentItem) []Bucket {
	byStage := make(map[store.Stage][]store.ContentItem, len(store.Stages))
	for _, it := range items {
		if _, err := store.ParseStage(string(it.Stage)); err != nil {
			continue
		}
		byStage[it.Stage] = append(byStage[it.Stage], it)
	}

	buckets := make([]Bucket, 0, len(store.Stages))
	for _, stage := range store.Stages {
		group := byStage[stage]
		if group == nil {
			group = []store.ContentItem{}
		}
		buckets = append(buckets, Bucket{
			Stage: stage,
			Items: group,
			Count: len(group),
			Empty: len(group) == 0,
		})
	}
	return buckets
}
