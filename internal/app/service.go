package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"planboard/internal/content"
	"planboard/internal/metrics"
	"planboard/internal/pipeline"
	"planboard/internal/search"
	"planboard/internal/store"
	"planboard/internal/timeline"
)

// Cleanup bounds. Anything shorter risks deleting recent work; anything
// longer is pointless for a planning tool.
const (
	minKeepDays = 30
	maxKeepDays = 365
)

const dateLayout = "2006-01-02"

type CreateItemInput struct {
	Title         string  `json:"title"`
	Description   string  `json:"description"`
	Platform      string  `json:"platform"`
	Stage         string  `json:"stage"`
	CategoryID    *string `json:"categoryId"`
	ScheduledDate *string `json:"scheduledDate"`
	TimelineDays  int     `json:"timelineDays"`
}

type UpdateItemInput struct {
	Title         *string `json:"title"`
	Description   *string `json:"description"`
	Platform      *string `json:"platform"`
	Stage         *string `json:"stage"`
	CategoryID    *string `json:"categoryId"`
	ScheduledDate *string `json:"scheduledDate"`
	ClearSchedule bool    `json:"clearSchedule"`
	TimelineDays  *int    `json:"timelineDays"`
}

type CategoryInput struct {
	Name  string `json:"name"`
	Color string `json:"color"`
}

// BoardView is the stage-pipeline payload.
type BoardView struct {
	Buckets []pipeline.Bucket `json:"buckets"`
	Loading bool              `json:"loading"`
}

// TimelineView pairs scheduled items with their production blocks.
type TimelineView struct {
	Items  []store.ContentItem `json:"items"`
	Blocks []timeline.Block    `json:"blocks"`
}

type dataStore interface {
	ListBacklog(ctx context.Context) ([]store.ContentItem, error)
	ListRange(ctx context.Context, start, end string) ([]store.ContentItem, error)
	GetItem(ctx context.Context, id string) (store.ContentItem, error)
	InsertItem(ctx context.Context, item store.ContentItem) (store.ContentItem, error)
	UpdateItem(ctx context.Context, id string, patch store.ItemPatch) (store.ContentItem, error)
	SetScheduledDate(ctx context.Context, id string, date *string) (store.ContentItem, error)
	SetStage(ctx context.Context, id string, stage store.Stage) (store.ContentItem, error)
	DeleteItem(ctx context.Context, id string) error
	CleanupOldContent(ctx context.Context, keepDays int) (json.RawMessage, error)
	ListCategories(ctx context.Context) ([]store.Category, error)
	InsertCategory(ctx context.Context, category store.Category) (store.Category, error)
	UpdateCategory(ctx context.Context, id, name, color string) (store.Category, error)
	DeleteCategory(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexItem(item search.ItemRecord)
	DeleteItem(id string)
}

// Service holds the dashboard's business operations. Reads go through the
// content cache; writes go to the repository and are patched back into the
// cache so views stay current without re-querying.
type Service struct {
	store   dataStore
	cache   *content.Cache
	search  searchService
	metrics *metrics.Metrics
	log     zerolog.Logger
}

type backlogGateway struct {
	store dataStore
}

func (g backlogGateway) FetchBacklog(ctx context.Context) ([]store.ContentItem, error) {
	return g.store.ListBacklog(ctx)
}

// NewService wires the service. search may be nil when search is not
// configured.
func NewService(ds dataStore, searchSvc searchService, m *metrics.Metrics, log zerolog.Logger) *Service {
	return &Service{
		store:   ds,
		cache:   content.NewCache(backlogGateway{store: ds}),
		search:  searchSvc,
		metrics: m,
		log:     log,
	}
}

// RefreshBacklog reloads the content cache from the repository.
func (s *Service) RefreshBacklog(ctx context.Context) error {
	if err := s.cache.RefreshBacklog(ctx); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.ContentRefreshs.Inc()
	}
	return nil
}

// Backlog returns the unscheduled items from the cache, newest first.
func (s *Service) Backlog() []store.ContentItem {
	backlog, _ := timeline.Split(s.cache.Items())
	if backlog == nil {
		backlog = []store.ContentItem{}
	}
	return backlog
}

// Board groups the cached items into stage buckets.
func (s *Service) Board() BoardView {
	return BoardView{
		Buckets: pipeline.Group(s.cache.Items()),
		Loading: s.cache.Loading(),
	}
}

// Timeline loads the items scheduled inside [start, end] and derives their
// production blocks. Items whose block starts before the window but ends
// inside it are included by widening the query to the longest lead time.
func (s *Service) Timeline(ctx context.Context, start, end string) (TimelineView, error) {
	if err := validateDate(start); err != nil {
		return TimelineView{}, domainError(http.StatusBadRequest, "INVALID_DATE", "start must be yyyy-mm-dd", nil)
	}
	if err := validateDate(end); err != nil {
		return TimelineView{}, domainError(http.StatusBadRequest, "INVALID_DATE", "end must be yyyy-mm-dd", nil)
	}
	if start > end {
		return TimelineView{}, domainError(http.StatusBadRequest, "INVALID_RANGE", "start must not be after end", nil)
	}

	items, err := s.store.ListRange(ctx, start, end)
	if err != nil {
		return TimelineView{}, fmt.Errorf("list range: %w", err)
	}
	_, scheduled := timeline.Split(items)
	if scheduled == nil {
		scheduled = []store.ContentItem{}
	}
	return TimelineView{Items: scheduled, Blocks: timeline.Blocks(scheduled)}, nil
}

// Item fetches one item from the repository.
func (s *Service) Item(ctx context.Context, id string) (store.ContentItem, error) {
	return s.store.GetItem(ctx, id)
}

// CreateItem validates and stores a new item, then patches the cache and the
// search index.
func (s *Service) CreateItem(ctx context.Context, input CreateItemInput) (store.ContentItem, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return store.ContentItem{}, domainError(http.StatusBadRequest, "TITLE_REQUIRED", "Title is required", nil)
	}
	platform, err := store.ParsePlatform(input.Platform)
	if err != nil {
		return store.ContentItem{}, domainError(http.StatusBadRequest, "INVALID_PLATFORM", err.Error(), nil)
	}
	stage := store.StageIdea
	if input.Stage != "" {
		stage, err = store.ParseStage(input.Stage)
		if err != nil {
			return store.ContentItem{}, domainError(http.StatusBadRequest, "INVALID_STAGE", err.Error(), nil)
		}
	}
	if input.ScheduledDate != nil {
		if err := validateDate(*input.ScheduledDate); err != nil {
			return store.ContentItem{}, domainError(http.StatusBadRequest, "INVALID_DATE", "scheduledDate must be yyyy-mm-dd", nil)
		}
	}
	if input.TimelineDays < 0 {
		return store.ContentItem{}, domainError(http.StatusBadRequest, "INVALID_TIMELINE", "timelineDays must not be negative", nil)
	}

	item := store.ContentItem{
		ID:            uuid.NewString(),
		Title:         title,
		Description:   strings.TrimSpace(input.Description),
		Platform:      platform,
		Stage:         stage,
		CategoryID:    input.CategoryID,
		ScheduledDate: input.ScheduledDate,
		TimelineDays:  input.TimelineDays,
	}
	created, err := s.store.InsertItem(ctx, item)
	if err != nil {
		return store.ContentItem{}, fmt.Errorf("insert item: %w", err)
	}

	s.cache.Upsert(created)
	s.indexItem(created)
	return created, nil
}

// UpdateItem applies a partial update and patches the cache in place.
func (s *Service) UpdateItem(ctx context.Context, id string, input UpdateItemInput) (store.ContentItem, error) {
	patch := store.ItemPatch{
		CategoryID:    input.CategoryID,
		ClearSchedule: input.ClearSchedule,
		TimelineDays:  input.TimelineDays,
	}
	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return store.ContentItem{}, domainError(http.StatusBadRequest, "TITLE_REQUIRED", "Title is required", nil)
		}
		patch.Title = &title
	}
	if input.Description != nil {
		desc := strings.TrimSpace(*input.Description)
		patch.Description = &desc
	}
	if input.Platform != nil {
		platform, err := store.ParsePlatform(*input.Platform)
		if err != nil {
			return store.ContentItem{}, domainError(http.StatusBadRequest, "INVALID_PLATFORM", err.Error(), nil)
		}
		patch.Platform = &platform
	}
	if input.Stage != nil {
		stage, err := store.ParseStage(*input.Stage)
		if err != nil {
			return store.ContentItem{}, domainError(http.StatusBadRequest, "INVALID_STAGE", err.Error(), nil)
		}
		patch.Stage = &stage
	}
	if input.ScheduledDate != nil {
		if err := validateDate(*input.ScheduledDate); err != nil {
			return store.ContentItem{}, domainError(http.StatusBadRequest, "INVALID_DATE", "scheduledDate must be yyyy-mm-dd", nil)
		}
		patch.ScheduledDate = input.ScheduledDate
	}
	if input.TimelineDays != nil && *input.TimelineDays < 0 {
		return store.ContentItem{}, domainError(http.StatusBadRequest, "INVALID_TIMELINE", "timelineDays must not be negative", nil)
	}

	updated, err := s.store.UpdateItem(ctx, id, patch)
	if err != nil {
		return store.ContentItem{}, err
	}
	s.cache.Upsert(updated)
	s.indexItem(updated)
	return updated, nil
}

// ScheduleItem sets or clears an item's publish date. A nil date returns the
// item to the backlog.
func (s *Service) ScheduleItem(ctx context.Context, id string, date *string) (store.ContentItem, error) {
	if date != nil {
		if err := validateDate(*date); err != nil {
			return store.ContentItem{}, domainError(http.StatusBadRequest, "INVALID_DATE", "date must be yyyy-mm-dd", nil)
		}
	}
	updated, err := s.store.SetScheduledDate(ctx, id, date)
	if err != nil {
		return store.ContentItem{}, err
	}
	s.cache.Upsert(updated)
	return updated, nil
}

// SetStage moves an item to another pipeline stage.
func (s *Service) SetStage(ctx context.Context, id, rawStage string) (store.ContentItem, error) {
	stage, err := store.ParseStage(rawStage)
	if err != nil {
		return store.ContentItem{}, domainError(http.StatusBadRequest, "INVALID_STAGE", err.Error(), nil)
	}
	updated, err := s.store.SetStage(ctx, id, stage)
	if err != nil {
		return store.ContentItem{}, err
	}
	s.cache.Upsert(updated)
	s.indexItem(updated)
	return updated, nil
}

// DeleteItem removes the item everywhere: repository, cache, search index.
func (s *Service) DeleteItem(ctx context.Context, id string) error {
	if err := s.store.DeleteItem(ctx, id); err != nil {
		return err
	}
	s.cache.Remove(id)
	if s.search != nil {
		s.search.DeleteItem(id)
	}
	return nil
}

// SearchItems runs a full-text search over titles and descriptions.
func (s *Service) SearchItems(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

func (s *Service) Categories(ctx context.Context) ([]store.Category, error) {
	categories, err := s.store.ListCategories(ctx)
	if err != nil {
		return nil, fmt.Errorf("list categories: %w", err)
	}
	if categories == nil {
		categories = []store.Category{}
	}
	return categories, nil
}

func (s *Service) CreateCategory(ctx context.Context, input CategoryInput) (store.Category, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Category{}, domainError(http.StatusBadRequest, "NAME_REQUIRED", "Name is required", nil)
	}
	category := store.Category{
		ID:    uuid.NewString(),
		Name:  name,
		Color: strings.TrimSpace(input.Color),
	}
	created, err := s.store.InsertCategory(ctx, category)
	if err != nil {
		return store.Category{}, fmt.Errorf("insert category: %w", err)
	}
	return created, nil
}

func (s *Service) UpdateCategory(ctx context.Context, id string, input CategoryInput) (store.Category, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return store.Category{}, domainError(http.StatusBadRequest, "NAME_REQUIRED", "Name is required", nil)
	}
	return s.store.UpdateCategory(ctx, id, name, strings.TrimSpace(input.Color))
}

func (s *Service) DeleteCategory(ctx context.Context, id string) error {
	return s.store.DeleteCategory(ctx, id)
}

// Cleanup deletes posted items older than keepDays. The retention window is
// clamped to a sane range rather than trusting the caller.
func (s *Service) Cleanup(ctx context.Context, keepDays int) (json.RawMessage, error) {
	if keepDays < minKeepDays || keepDays > maxKeepDays {
		return nil, domainError(http.StatusBadRequest, "INVALID_KEEP_DAYS",
			fmt.Sprintf("keepDays must be between %d and %d", minKeepDays, maxKeepDays), nil)
	}
	report, err := s.store.CleanupOldContent(ctx, keepDays)
	if err != nil {
		return nil, fmt.Errorf("cleanup old content: %w", err)
	}
	s.log.Info().Int("keep_days", keepDays).RawJSON("report", report).Msg("content cleanup ran")
	return report, nil
}

// Ping reports repository connectivity for the readiness probe.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) indexItem(item store.ContentItem) {
	if s.search == nil {
		return
	}
	s.search.IndexItem(search.ItemRecord{
		ID:          item.ID,
		Title:       item.Title,
		Description: item.Description,
		Platform:    string(item.Platform),
		Stage:       string(item.Stage),
	})
}

func validateDate(value string) error {
	_, err := time.Parse(dateLayout, value)
	return err
}
