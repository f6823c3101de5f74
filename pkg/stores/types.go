package stores

import (
	"context"
	"errors"
	"time"

	"github.com/keelhq/keel/pkg/controller"
	"github.com/keelhq/keel/pkg/model"
)

// ErrEntryNotFound is returned when no journal entry has the requested ID.
var ErrEntryNotFound = errors.New("journal entry not found")

// ErrNoCompensation is returned when an entry has no compensating operation.
var ErrNoCompensation = errors.New("journal entry has no compensating operation")

// Entry is one journaled operation.
type Entry struct {
	Seq          int64            `json:"seq"`
	ID           string           `json:"id"`
	Operation    model.Operation  `json:"operation"`
	Mode         string           `json:"mode"`
	Outcome      string           `json:"outcome"`
	Compensating *model.Operation `json:"compensating,omitempty"`
	Failure      string           `json:"failure,omitempty"`
	RecordedAt   time.Time        `json:"recorded_at"`
	Duration     time.Duration    `json:"duration"`
}

// Filter narrows a journal listing. Zero fields match everything.
type Filter struct {
	// Address keeps entries at this address or below it.
	Address *model.Address
	Outcome string
	Mode    string
	Since   time.Time
	Limit   int
	Offset  int
}

// Store is the journal persistence interface.
type Store interface {
	controller.Journal

	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	Get(ctx context.Context, id string) (*Entry, error)
	List(ctx context.Context, filter Filter) ([]*Entry, error)
	Compensating(ctx context.Context, id string) (model.Operation, error)
	Prune(ctx context.Context, before time.Time) (int64, error)

	HealthCheck(ctx context.Context) error
}
