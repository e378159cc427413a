// Persistence of processing run records
package store

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("run not found")

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run is the persisted outcome of one pipeline run
type Run struct {
	ID        string        `json:"id"`
	Source    string        `json:"source"`
	Output    string        `json:"output,omitempty"`
	Filters   []string      `json:"filters"`
	Intensity *int          `json:"intensity,omitempty"`
	Width     int           `json:"width,omitempty"`
	Height    int           `json:"height,omitempty"`
	Status    Status        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
	CreatedAt time.Time     `json:"created_at"`
}

// Stats aggregates every recorded run
type Stats struct {
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	FilterUsage map[string]int `json:"filter_usage"`
}

// Store persists run records
type Store interface {
	RecordRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]Run, error)
	Stats(ctx context.Context) (*Stats, error)
	Close() error
}
