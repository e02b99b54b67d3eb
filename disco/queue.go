package disco

import (
	"context"
	"errors"
	"fmt"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"sync"
	"time"
)

const (
	queueDropFull    = "full"
	queueDropExpired = "expired"
)

var ErrRequestTooOld = errors.New("request too old")

// AIRequest is a prompt waiting for a response from the AI bridge.
type AIRequest struct {
	ID        string
	CreatedAt time.Time

	// Subject identifies the conversation (channel+user)
	Subject string

	// ReplyTo is the reply key of the bot message being replied to, if
	// the conversation continues from one
	ReplyTo string

	Prompt    string
	Responder Responder
}

func NewAIRequest(subject, replyTo, prompt string, r Responder) *AIRequest {
	return &AIRequest{
		ID:        uuid.New().String(),
		CreatedAt: time.Now(),
		Subject:   subject,
		ReplyTo:   replyTo,
		Prompt:    prompt,
		Responder: r,
	}
}

func (r *AIRequest) Age() time.Duration {
	return time.Since(r.CreatedAt)
}

func (r *AIRequest) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", r.ID),
		slog.String("subject", r.Subject),
		slog.String("reply_to", r.ReplyTo),
		slog.Duration("age", r.Age()),
	)
}

// RequestQueue is a bounded FIFO of AI requests. When full, pushing a
// request drops the oldest one.
type RequestQueue struct {
	config   *QueueConfig
	logger   *slog.Logger
	metrics  *Metrics
	mu       sync.Mutex
	requests []*AIRequest
}

func NewRequestQueue(
	config *QueueConfig,
	logger *slog.Logger,
	metrics *Metrics,
) *RequestQueue {
	if logger == nil {
		logger = slog.Default()
	}
	return &RequestQueue{
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

// Push adds the request to the back of the queue. Requests already older
// than [QueueConfig.MaxAge] are rejected with ErrRequestTooOld.
func (q *RequestQueue) Push(ctx context.Context, req *AIRequest) error {
	logger, ok := ContextLogger(ctx)
	if logger == nil || !ok {
		logger = q.logger
	}
	logger = logger.With("ai_request", req)

	reqAge := req.Age()
	if q.config.MaxAge > 0 && reqAge > q.config.MaxAge {
		logger.WarnContext(
			ctx,
			"discarding old request",
			"max_age", q.config.MaxAge,
		)
		q.metrics.queueDrop(queueDropExpired)
		return fmt.Errorf("%w: (age: %s)", ErrRequestTooOld, reqAge)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.config.Size > 0 && len(q.requests) >= q.config.Size {
		dropped := q.requests[0]
		q.requests[0] = nil
		q.requests = q.requests[1:]
		logger.WarnContext(
			ctx,
			"queue full, removed oldest request",
			"dropped_request", dropped,
			"max_size", q.config.Size,
		)
		q.metrics.queueDrop(queueDropFull)
	}
	q.requests = append(q.requests, req)
	q.metrics.setQueueSize(len(q.requests))
	logger.InfoContext(ctx, "queued request", "queue_size", len(q.requests))
	return nil
}

// Pop removes and returns the oldest request, discarding any that are
// older than [QueueConfig.MaxAge]. Returns nil if the queue is empty.
func (q *RequestQueue) Pop(ctx context.Context) *AIRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	defer func() { q.metrics.setQueueSize(len(q.requests)) }()

	for len(q.requests) > 0 {
		req := q.requests[0]
		q.requests[0] = nil
		q.requests = q.requests[1:]

		if q.config.MaxAge > 0 && req.Age() > q.config.MaxAge {
			q.logger.WarnContext(
				ctx,
				"discarded old request",
				"ai_request", req,
				"max_age", q.config.MaxAge,
			)
			q.metrics.queueDrop(queueDropExpired)
			continue
		}
		return req
	}
	return nil
}

func (q *RequestQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.requests)
}

// Clear drops all queued requests, returning them.
func (q *RequestQueue) Clear() []*AIRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	cleared := q.requests
	q.requests = nil
	q.metrics.setQueueSize(0)
	return cleared
}

// watch pops requests and runs handle for each of them, with at most
// [QueueConfig.Workers] running at a time, until ctx is canceled.
// In-flight requests are allowed to finish.
func (q *RequestQueue) watch(
	ctx context.Context,
	handle func(ctx context.Context, req *AIRequest) error,
) error {
	q.logger.InfoContext(ctx, "queue watcher started")
	defer func() {
		q.logger.InfoContext(ctx, "queue watcher stopped", "queue_size", q.Len())
	}()

	workers := q.config.Workers
	if workers < 1 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	defer func() { _ = g.Wait() }()

	for ctx.Err() == nil {
		req := q.Pop(ctx)
		if req == nil {
			select {
			case <-ctx.Done():
			case <-time.After(q.config.SleepEmpty):
			}
			continue
		}
		g.Go(
			func() error {
				logger := q.logger.With("ai_request", req)
				rctx := WithLogger(ctx, logger)
				defer func() {
					if rc := recover(); rc != nil {
						handleRecover(rctx, rc)
					}
				}()
				if err := handle(rctx, req); err != nil {
					logger.ErrorContext(rctx, "error handling request", tint.Err(err))
				}
				return nil
			},
		)
	}
	return nil
}
