// Package genjob tracks server-side generation tasks (image/video synthesis)
// by polling: submit once, then poll the task status with capped exponential
// backoff until it reaches a terminal state.
package genjob

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aviaryhq/aviary-go/log"
	"github.com/aviaryhq/aviary-go/transport"
)

// Status is a generation task's lifecycle state. Transitions are
// forward-only; the three terminal statuses are never re-polled.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether the status ends the task's lifecycle.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Task is a generation task's polled state.
type Task struct {
	TaskID string          `json:"task_id"`
	Status Status          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// Params describes the generation to submit.
type Params struct {
	Kind    string         `json:"kind"`
	Prompt  string         `json:"prompt"`
	Options map[string]any `json:"options,omitempty"`
}

// Config tunes the polling loop.
type Config struct {
	// InitialInterval is the delay before the second attempt.
	InitialInterval time.Duration
	// Multiplier grows the interval after each non-terminal response.
	Multiplier float64
	// MaxInterval caps the grown interval.
	MaxInterval time.Duration
	// MaxAttempts bounds the number of status requests per poll call.
	MaxAttempts int
	// CacheTTL is how long a terminal result is served from cache.
	CacheTTL time.Duration
}

// DefaultConfig returns the polling defaults.
func DefaultConfig() Config {
	return Config{
		InitialInterval: time.Second,
		Multiplier:      1.5,
		MaxInterval:     5 * time.Second,
		MaxAttempts:     60,
		CacheTTL:        5 * time.Minute,
	}
}

// cacheEntry is one cached terminal result.
type cacheEntry struct {
	task     *Task
	storedAt time.Time
}

// Poller submits generation tasks and polls them to completion.
// Safe for concurrent use.
type Poller struct {
	client *transport.Client
	cfg    Config
	log    *log.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewPoller creates a poller over the authenticated transport.
func NewPoller(client *transport.Client, cfg Config, logger *log.Logger) *Poller {
	if logger == nil {
		logger = log.Nop()
	}
	return &Poller{
		client: client,
		cfg:    cfg,
		log:    logger,
		cache:  make(map[string]cacheEntry),
	}
}

// submitResponse is the task-creation payload.
type submitResponse struct {
	TaskID string `json:"task_id"`
}

// Submit creates a server-side generation task. Failures surface
// immediately; there is no retry.
func (p *Poller) Submit(ctx context.Context, params Params) (string, error) {
	var resp submitResponse
	err := p.client.Do(ctx, transport.RequestSpec{
		Method: http.MethodPost,
		Path:   "/generations",
		Body:   params,
		Result: &resp,
	})
	if err != nil {
		return "", err
	}
	p.log.Info("generation task submitted", zap.String("task_id", resp.TaskID))
	return resp.TaskID, nil
}

// PollUntilTerminal polls taskID until it reaches a terminal status.
//
// A cached terminal result younger than the TTL is returned without a network
// call; stale entries are evicted on lookup. The backoff interval grows
// monotonically for the lifetime of one call: sleep the current interval,
// then multiply, capped at the configured maximum. The interval never resets
// between attempts. Exceeding the attempt budget returns a timeout error.
//
// Cancel by canceling ctx: scheduling stops and the result of an attempt
// already in flight is discarded, neither surfaced nor cached.
func (p *Poller) PollUntilTerminal(ctx context.Context, taskID string) (*Task, error) {
	if task := p.cachedTask(taskID); task != nil {
		return task, nil
	}

	interval := newBackoff(p.cfg.InitialInterval, p.cfg.Multiplier, p.cfg.MaxInterval)

	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		var task Task
		err := p.client.Do(ctx, transport.RequestSpec{
			Method: http.MethodGet,
			Path:   "/generations/" + taskID,
			Result: &task,
		})
		if ctx.Err() != nil {
			// Canceled mid-flight: discard whatever came back.
			return nil, &transport.APIError{Kind: transport.ErrCanceled, Message: "poll canceled", Err: ctx.Err()}
		}
		if err != nil {
			// A transport failure is a poller-level error, distinct from a
			// well-formed terminal "failed" status.
			return nil, err
		}

		if task.Status.Terminal() {
			p.storeTask(&task)
			p.log.Debug("generation task terminal",
				zap.String("task_id", taskID),
				zap.String("status", string(task.Status)),
				zap.Int("attempts", attempt))
			return &task, nil
		}

		if attempt == p.cfg.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, &transport.APIError{Kind: transport.ErrCanceled, Message: "poll canceled", Err: ctx.Err()}
		case <-time.After(interval.next()):
		}
	}

	return nil, &transport.APIError{
		Kind:    transport.ErrTimeout,
		Message: "generation task did not settle within the attempt budget",
	}
}

// cachedTask returns a fresh cached terminal result, evicting stale entries.
func (p *Poller) cachedTask(taskID string) *Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	entry, ok := p.cache[taskID]
	if !ok {
		return nil
	}
	if time.Since(entry.storedAt) > p.cfg.CacheTTL {
		delete(p.cache, taskID)
		return nil
	}
	return entry.task
}

// storeTask caches a terminal result with a fresh timestamp.
func (p *Poller) storeTask(task *Task) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cache[task.TaskID] = cacheEntry{task: task, storedAt: time.Now()}
}

// backoff produces the non-decreasing interval sequence for one poll call.
type backoff struct {
	current    time.Duration
	multiplier float64
	max        time.Duration
}

func newBackoff(initial time.Duration, multiplier float64, max time.Duration) *backoff {
	return &backoff{current: initial, multiplier: multiplier, max: max}
}

// next returns the current interval and grows it for the following call.
func (b *backoff) next() time.Duration {
	cur := b.current
	grown := time.Duration(float64(b.current) * b.multiplier)
	if grown > b.max {
		grown = b.max
	}
	b.current = grown
	return cur
}
