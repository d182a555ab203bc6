package store

import (
	"context"

	"github.com/stevedore/stevedore/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store defines the persistence interface for deployment state. Settings
// live in named sections so unrelated concerns (resolved parameters,
// published endpoints, registry references) never collide.
type Store interface {
	// Section operations
	SaveSection(ctx context.Context, section string, values map[string]string) error
	LoadSection(ctx context.Context, section string) (map[string]string, error)
	SetValue(ctx context.Context, section, key, value string) error
	GetValue(ctx context.Context, section, key string) (string, error)
	DeleteSection(ctx context.Context, section string) error

	// Run history operations
	RecordRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, opts ListOptions) ([]domain.Run, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination options.
type ListOptions struct {
	Limit  int
	Offset int
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
