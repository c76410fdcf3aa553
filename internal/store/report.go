// Package store defines desync report persistence.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested report does not exist.
var ErrNotFound = errors.New("store: report not found")

// Report captures one desync observed by a follower. LocalTrace is the host's
// encoded trace tick, RemoteTrace the follower's, Snapshot the most recent
// keyframe at the time of the report.
type Report struct {
	ID          string
	Peer        uint32
	Session     string
	Tick        uint64
	Index       int
	Reason      string
	LocalTrace  []byte
	RemoteTrace []byte
	Snapshot    []byte
	CreatedAt   time.Time
}

// ReportStore persists desync reports.
type ReportStore interface {
	SaveReport(ctx context.Context, report Report) error
	GetReport(ctx context.Context, id string) (Report, error)
	ListReports(ctx context.Context, limit int) ([]Report, error)
}
