// Package postgres implements the backend contract over gorm and Postgres.
// Committed writes are published to Redis through pkg/changefeed, and session
// tokens are HS256 JWTs whose revocations live in Redis.
package postgres

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"anoa.com/communityforum/internal/backend"
	"anoa.com/communityforum/internal/entity"
	"anoa.com/communityforum/pkg/apperror"
	"anoa.com/communityforum/pkg/changefeed"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

type Options struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type Backend struct {
	db     *gorm.DB
	rdb    *redis.Client
	feed   *changefeed.Redis
	tokens *Tokens

	listenersMu sync.Mutex
	listeners   map[int]func(backend.SessionChange)
	nextID      int
}

var _ backend.Backend = (*Backend)(nil)

func New(db *gorm.DB, rdb *redis.Client, opts Options) *Backend {
	return &Backend{
		db:        db,
		rdb:       rdb,
		feed:      changefeed.New(rdb),
		tokens:    NewTokens(rdb, opts.JWTSecret, opts.TokenTTL),
		listeners: make(map[int]func(backend.SessionChange)),
	}
}

// Migrate creates or updates the forum tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&entity.Profile{},
		&entity.Category{},
		&entity.Thread{},
		&entity.Post{},
		&entity.Report{},
	)
}

func (b *Backend) Subscribe(ctx context.Context, table backend.Table, kinds ...backend.EventKind) (backend.Subscription, error) {
	return b.feed.Subscribe(ctx, table, kinds...)
}

// publish runs after commit. A lost event only delays other instances until
// their next load, so failures are logged and not returned.
func (b *Backend) publish(ctx context.Context, kind backend.EventKind, table backend.Table, id uuid.UUID, before, after any) {
	ev, err := backend.NewEvent(kind, table, id, before, after)
	if err != nil {
		log.Printf("postgres: build %s %s event: %v", table, kind, err)
		return
	}
	if err := b.feed.Publish(context.WithoutCancel(ctx), ev); err != nil {
		log.Printf("postgres: %v", err)
	}
}

// classified are the errors this package already returns wrapped.
var classified = []error{
	apperror.ErrNotFound, apperror.ErrConflict, apperror.ErrPermissionDenied,
	apperror.ErrValidation, apperror.ErrTransientNetwork, apperror.ErrAuthenticationRequired,
}

// mapError translates gorm and driver errors into apperror classes.
func mapError(err error, what string) error {
	if err == nil {
		return nil
	}
	for _, class := range classified {
		if errors.Is(err, class) {
			return err
		}
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fmt.Errorf("%s: %w", what, apperror.ErrNotFound)
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return fmt.Errorf("%s already exists: %w", what, apperror.ErrConflict)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, driver.ErrBadConn), errors.Is(err, redis.ErrClosed):
		return fmt.Errorf("%s: %v: %w", what, err, apperror.ErrTransientNetwork)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%s: %v: %w", what, err, apperror.ErrTransientNetwork)
	}
	return fmt.Errorf("%s: %w", what, err)
}
