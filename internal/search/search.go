// Package search finds content items by title and description. Meilisearch
// serves queries when it is reachable; PostgreSQL full-text search covers
// for it otherwise, so search never depends on an optional process.
package search

// Result is a single search hit returned to the caller.
type Result struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Snippet  string `json:"snippet"`
	Platform string `json:"platform"`
	Stage    string `json:"stage"`
}

// Query describes a search request.
type Query struct {
	Text   string
	Stage  string // empty = all stages
	Limit  int
	Offset int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a full-text search.
type Searcher interface {
	Search(q Query) ([]Result, int, error)
	Healthy() bool
}

// ItemRecord is the data we index per content item.
type ItemRecord struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Platform    string `json:"platform"`
	Stage       string `json:"stage"`
}
