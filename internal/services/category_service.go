package services

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"kas/internal/cache"
	"kas/internal/core"
	"kas/internal/ledger"
	"kas/internal/metrics"
)

var colorPattern = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

// NewCategory is the input of CategoryService.Create.
type NewCategory struct {
	ProfileID string
	Name      string
	Kind      core.Kind
	Color     string
	Icon      string
}

// CategoryService manages transaction categories. Single-category reads go
// through a TTL cache since every recorded transaction expands its category.
type CategoryService struct {
	store ledger.Store
	cache *cache.LRUCache[core.Category]
	now   func() time.Time
}

// NewCategoryService creates the service. A zero ttl disables the cache.
func NewCategoryService(store ledger.Store, m *metrics.Metrics, ttl time.Duration) *CategoryService {
	c := cache.NewLRUCache[core.Category](1024, ttl).OnLookup(func(hit bool) {
		m.RecordCacheLookup("categories", hit)
	})
	return &CategoryService{
		store: store,
		cache: c,
		now:   time.Now,
	}
}

func (s *CategoryService) Create(ctx context.Context, in NewCategory) (core.Category, error) {
	c := core.Category{
		ID:        core.NewID(),
		ProfileID: strings.TrimSpace(in.ProfileID),
		Name:      strings.TrimSpace(in.Name),
		Kind:      in.Kind,
		Color:     strings.TrimSpace(in.Color),
		Icon:      strings.TrimSpace(in.Icon),
		CreatedAt: core.Timestamp(s.now()),
	}
	if c.Color == "" {
		c.Color = core.DefaultCategoryColor
	}
	if err := c.Validate(); err != nil {
		return core.Category{}, err
	}
	if !colorPattern.MatchString(c.Color) {
		return core.Category{}, &core.ValidationError{Field: "color", Message: "must be a hex color like #1a2b3c"}
	}

	if err := s.store.CreateCategory(ctx, c); err != nil {
		return core.Category{}, err
	}
	s.cache.Set(c.ID, c)
	return c, nil
}

// List returns the profile's categories oldest first. An empty kind lists all.
func (s *CategoryService) List(ctx context.Context, profileID string, kind core.Kind) ([]core.Category, error) {
	if err := requireProfile(profileID); err != nil {
		return nil, err
	}
	if kind != "" {
		if err := kind.Validate(); err != nil {
			return nil, err
		}
	}
	return s.store.ListCategories(ctx, profileID, kind)
}

func (s *CategoryService) Get(ctx context.Context, id string) (core.Category, error) {
	return cache.GetOrLoad[core.Category](ctx, s.cache, id, func(ctx context.Context) (core.Category, error) {
		return s.store.GetCategory(ctx, id)
	})
}

// Lookup returns the category or nil when it does not exist or cannot be read.
func (s *CategoryService) Lookup(ctx context.Context, id string) *core.Category {
	c, err := s.Get(ctx, id)
	if err != nil {
		if !core.IsNotFound(err) {
			slog.WarnContext(ctx, "Failed to expand category", "category_id", id, "error", err)
		}
		return nil
	}
	return &c
}

// Cache exposes the category cache for periodic cleanup.
func (s *CategoryService) Cache() *cache.LRUCache[core.Category] {
	return s.cache
}

func (s *CategoryService) forgetAll() {
	s.cache.Purge()
}
