package rest

import (
	"context"
	"time"

	"github.com/logwarden/logwarden/internal/event"
	"github.com/logwarden/logwarden/internal/server/storage"
)

// Store is the subset of storage.Store methods used by the REST handlers.
// Defining an interface allows handlers to be tested with a mock store
// without a live PostgreSQL connection.
type Store interface {
	Ping(ctx context.Context) error

	QueryEvents(ctx context.Context, q storage.EventQuery) ([]event.Event, error)
	ScanRange(ctx context.Context, from, to time.Time, f storage.ScanFilter) ([]event.Event, error)

	TopSources(ctx context.Context, from, to time.Time, n int) ([]storage.FieldCount, error)
	TopPorts(ctx context.Context, from, to time.Time, n int) ([]storage.FieldCount, error)
	HourlyCounts(ctx context.Context, from, to time.Time) ([]storage.HourCount, error)
	CountSince(ctx context.Context, since time.Time) (int64, error)
	LastEventTime(ctx context.Context) (time.Time, error)

	RecentAlerts(ctx context.Context, since time.Time, severities []event.Severity, limit int) ([]storage.Alert, error)
	ListBlocks(ctx context.Context, activeOnly bool) ([]storage.BlockEntry, error)
	RecentNotifications(ctx context.Context, limit int) ([]storage.NotificationRecord, error)
}

// AlertCache is the alert materialization collaborator.
// *alertcache.Cache satisfies it.
type AlertCache interface {
	GetOrCompute(ctx context.Context, lookback time.Duration, bucketMinutes int) ([]storage.Alert, error)
}

// Blocker drives the host firewall for the blocklist endpoints.
// *autoblock.Actor satisfies it.
type Blocker interface {
	Block(ctx context.Context, ip, reason, by string) error
	Unblock(ctx context.Context, ip, by string) error
}

// HotCache reads the recent raw lines for the live feed endpoint.
type HotCache interface {
	Recent(ctx context.Context, source string, n int) ([]string, error)
}
