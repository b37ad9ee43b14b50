// Package hitl implements the human-in-the-loop coordinator: pending
// approval requests that block a dispatch until a reviewer decides or the
// TTL elapses. Every request is persisted; the in-memory record carries the
// one-shot completion channel the waiter blocks on.
package hitl

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hostbridge/hostbridge/pkg/apperr"
	"github.com/hostbridge/hostbridge/pkg/store"
)

// Status of a request. Transitions: pending → approved | rejected | expired;
// exactly one terminal transition ever happens.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Decision is the outcome a waiter observes.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
	DecisionExpired  Decision = "expired"
)

// Event kinds delivered to watchers.
const (
	EventRequest = "hitl_request"
	EventUpdate  = "hitl_update"
)

// Request is a snapshot of one approval request.
type Request struct {
	ID                string         `json:"id"`
	CreatedAt         time.Time      `json:"created_at"`
	ToolName          string         `json:"tool_name"`
	ToolCategory      string         `json:"tool_category"`
	RequestParams     map[string]any `json:"request_params"`
	RequestContext    map[string]any `json:"request_context"`
	PolicyRuleMatched string         `json:"policy_rule_matched"`
	Status            Status         `json:"status"`
	ReviewedBy        string         `json:"reviewed_by,omitempty"`
	ReviewedAt        *time.Time     `json:"reviewed_at,omitempty"`
	ReviewerNote      string         `json:"reviewer_note,omitempty"`
	TTLSeconds        int            `json:"ttl_seconds"`
}

type record struct {
	Request
	done chan struct{}
}

// Watcher receives every state change. A failing watcher is logged and
// never blocks the pipeline.
type Watcher func(eventKind string, request Request)

// Coordinator owns all HITL requests.
type Coordinator struct {
	mu         sync.Mutex
	db         *store.DB
	requests   map[string]*record
	watchers   []Watcher
	defaultTTL time.Duration
	clock      func() time.Time
	logger     *slog.Logger
}

const (
	cleanupInterval = 10 * time.Second
	evictionGrace   = time.Hour
)

// NewCoordinator returns a coordinator persisting to db. defaultTTL applies
// when Create is called without an explicit TTL.
func NewCoordinator(db *store.DB, defaultTTL time.Duration, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultTTL <= 0 {
		defaultTTL = 5 * time.Minute
	}
	return &Coordinator{
		db:         db,
		requests:   map[string]*record{},
		defaultTTL: defaultTTL,
		clock:      time.Now,
		logger:     logger,
	}
}

// WithClock overrides the clock for deterministic testing.
func (c *Coordinator) WithClock(clock func() time.Time) *Coordinator {
	c.clock = clock
	return c
}

// Run executes the background cleanup loop until ctx is cancelled: overdue
// pending requests are expired and terminal records older than the grace
// window are evicted from memory (their rows remain).
func (c *Coordinator) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()
	c.logger.Info("hitl_coordinator_started", "default_ttl", c.defaultTTL)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("hitl_coordinator_stopped")
			return
		case <-ticker.C:
			c.cleanup(ctx)
		}
	}
}

// Create registers a new pending request, persists it, and broadcasts
// hitl_request.
func (c *Coordinator) Create(ctx context.Context, category, name string, params, reqContext map[string]any, rule string, ttlSeconds int) (Request, error) {
	if ttlSeconds <= 0 {
		ttlSeconds = int(c.defaultTTL / time.Second)
	}
	rec := &record{
		Request: Request{
			ID:                uuid.New().String(),
			CreatedAt:         c.clock().UTC(),
			ToolName:          name,
			ToolCategory:      category,
			RequestParams:     params,
			RequestContext:    reqContext,
			PolicyRuleMatched: rule,
			Status:            StatusPending,
			TTLSeconds:        ttlSeconds,
		},
		done: make(chan struct{}),
	}

	paramsJSON, _ := json.Marshal(params)
	contextJSON, _ := json.Marshal(reqContext)
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO hitl_requests
			(id, created_at, tool_name, tool_category, request_params,
			 request_context, policy_rule_matched, status, ttl_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, store.FormatTime(rec.CreatedAt), name, category,
		string(paramsJSON), string(contextJSON), rule, string(StatusPending), ttlSeconds,
	)
	if err != nil {
		return Request{}, fmt.Errorf("persisting hitl request: %w", err)
	}

	c.mu.Lock()
	c.requests[rec.ID] = rec
	snapshot := rec.Request
	c.mu.Unlock()

	c.logger.Info("hitl_request_created", "request_id", rec.ID,
		"tool", category+"_"+name, "ttl", ttlSeconds)
	c.notify(EventRequest, snapshot)
	return snapshot, nil
}

// Wait blocks until the request is decided or timeout elapses. A zero
// timeout uses the request's TTL. On timeout the record atomically flips to
// expired before Wait returns.
func (c *Coordinator) Wait(ctx context.Context, id string, timeout time.Duration) (Decision, error) {
	c.mu.Lock()
	rec, ok := c.requests[id]
	if !ok {
		c.mu.Unlock()
		return "", apperr.New(apperr.KindInvalidParam, "HITL request %s not found", id)
	}
	if timeout <= 0 {
		timeout = time.Duration(rec.TTLSeconds) * time.Second
	}
	done := rec.done
	c.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return c.decisionOf(id), nil
	case <-timer.C:
		return c.expire(context.WithoutCancel(ctx), id), nil
	case <-ctx.Done():
		return "", apperr.Wrap(apperr.KindInternal, ctx.Err(), "wait interrupted")
	}
}

func (c *Coordinator) decisionOf(id string) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.requests[id]
	if !ok {
		return DecisionExpired
	}
	switch rec.Status {
	case StatusApproved:
		return DecisionApproved
	case StatusRejected:
		return DecisionRejected
	default:
		return DecisionExpired
	}
}

// Approve marks a pending request approved and unblocks its waiter.
func (c *Coordinator) Approve(ctx context.Context, id, reviewer, note string) error {
	return c.decide(ctx, id, StatusApproved, reviewer, note)
}

// Reject marks a pending request rejected and unblocks its waiter.
func (c *Coordinator) Reject(ctx context.Context, id, reviewer, note string) error {
	return c.decide(ctx, id, StatusRejected, reviewer, note)
}

func (c *Coordinator) decide(ctx context.Context, id string, status Status, reviewer, note string) error {
	c.mu.Lock()
	rec, ok := c.requests[id]
	if !ok {
		c.mu.Unlock()
		return apperr.New(apperr.KindInvalidParam, "HITL request %s not found", id)
	}
	if rec.Status != StatusPending {
		c.mu.Unlock()
		return apperr.New(apperr.KindInvalidParam,
			"HITL request %s is not pending (status: %s)", id, rec.Status)
	}
	now := c.clock().UTC()
	rec.Status = status
	rec.ReviewedBy = reviewer
	rec.ReviewedAt = &now
	rec.ReviewerNote = note
	snapshot := rec.Request
	close(rec.done)
	c.mu.Unlock()

	if err := c.persistUpdate(ctx, snapshot); err != nil {
		c.logger.Error("hitl_persist_error", "request_id", id, "error", err)
	}
	c.logger.Info("hitl_request_"+string(status), "request_id", id, "reviewer", reviewer)
	c.notify(EventUpdate, snapshot)
	return nil
}

// expire flips a pending request to expired. Exactly one terminal
// transition wins: a decision racing the timer leaves the decided status in
// place and expire reports it.
func (c *Coordinator) expire(ctx context.Context, id string) Decision {
	c.mu.Lock()
	rec, ok := c.requests[id]
	if !ok {
		c.mu.Unlock()
		return DecisionExpired
	}
	if rec.Status != StatusPending {
		status := rec.Status
		c.mu.Unlock()
		if status == StatusApproved {
			return DecisionApproved
		}
		return DecisionRejected
	}
	rec.Status = StatusExpired
	snapshot := rec.Request
	close(rec.done)
	c.mu.Unlock()

	if err := c.persistUpdate(ctx, snapshot); err != nil {
		c.logger.Error("hitl_persist_error", "request_id", id, "error", err)
	}
	c.logger.Info("hitl_expired", "request_id", id)
	c.notify(EventUpdate, snapshot)
	return DecisionExpired
}

func (c *Coordinator) persistUpdate(ctx context.Context, r Request) error {
	var reviewedAt any
	if r.ReviewedAt != nil {
		reviewedAt = store.FormatTime(*r.ReviewedAt)
	}
	var reviewer, note any
	if r.ReviewedBy != "" {
		reviewer = r.ReviewedBy
	}
	if r.ReviewerNote != "" {
		note = r.ReviewerNote
	}
	_, err := c.db.ExecContext(ctx, `
		UPDATE hitl_requests
		SET status = ?, reviewed_by = ?, reviewed_at = ?, reviewer_note = ?
		WHERE id = ?`,
		string(r.Status), reviewer, reviewedAt, note, r.ID,
	)
	return err
}

// Pending returns snapshots of every in-memory pending request.
func (c *Coordinator) Pending() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []Request
	for _, rec := range c.requests {
		if rec.Status == StatusPending {
			out = append(out, rec.Request)
		}
	}
	return out
}

// Get returns the in-memory snapshot for id.
func (c *Coordinator) Get(id string) (Request, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.requests[id]
	if !ok {
		return Request{}, false
	}
	return rec.Request, true
}

// RegisterWatcher adds a broadcast sink for hitl_request and hitl_update
// events.
func (c *Coordinator) RegisterWatcher(w Watcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, w)
}

func (c *Coordinator) notify(eventKind string, r Request) {
	c.mu.Lock()
	watchers := make([]Watcher, len(c.watchers))
	copy(watchers, c.watchers)
	c.mu.Unlock()

	for _, w := range watchers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					c.logger.Error("hitl_watcher_panic", "event", eventKind, "panic", p)
				}
			}()
			w(eventKind, r)
		}()
	}
}

func (c *Coordinator) cleanup(ctx context.Context) {
	now := c.clock().UTC()

	c.mu.Lock()
	var overdue []string
	var evict []string
	for id, rec := range c.requests {
		switch rec.Status {
		case StatusPending:
			if !now.Before(rec.CreatedAt.Add(time.Duration(rec.TTLSeconds) * time.Second)) {
				overdue = append(overdue, id)
			}
		default:
			if rec.CreatedAt.Before(now.Add(-evictionGrace)) {
				evict = append(evict, id)
			}
		}
	}
	for _, id := range evict {
		delete(c.requests, id)
	}
	c.mu.Unlock()

	for _, id := range overdue {
		c.expire(ctx, id)
	}
	if len(overdue) > 0 || len(evict) > 0 {
		c.logger.Info("hitl_cleanup", "expired", len(overdue), "removed", len(evict))
	}
}
