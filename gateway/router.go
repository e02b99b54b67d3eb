package gateway

import (
	"context"
	"fmt"
	"github.com/lmittmann/tint"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"log/slog"
	"runtime/debug"
	"sync"
)

const tracerName = "github.com/af-t/disco/gateway"

// Handler is called with each routed event. Type-switch (or use [Handle])
// to get the concrete event.
type Handler func(ctx context.Context, ev Event)

// Router fans dispatch events out to the handlers registered for their
// name, in registration order.
type Router struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *Metrics
}

// NewRouter returns an empty Router. A nil logger uses slog.Default(),
// and a nil tracer uses the global otel tracer provider.
func NewRouter(logger *slog.Logger, tracer trace.Tracer, metrics *Metrics) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	return &Router{
		handlers: map[string][]Handler{},
		logger:   logger,
		tracer:   tracer,
		metrics:  metrics,
	}
}

// Register appends a handler for the given event name. Handlers are
// never removed.
func (r *Router) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = append(r.handlers[name], h)
}

// Handle registers fn for the event type T, which must be one of the
// typed event pointers (not [*UnknownEvent]; register those by name).
func Handle[T Event](r *Router, fn func(ctx context.Context, ev T)) {
	var zero T
	name := zero.EventName()
	if name == "" {
		panic(fmt.Sprintf("gateway: can't register %T by type", zero))
	}
	r.Register(
		name, func(ctx context.Context, ev Event) {
			if typed, ok := ev.(T); ok {
				fn(ctx, typed)
			}
		},
	)
}

// Len returns the number of handlers registered for name.
func (r *Router) Len(name string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[name])
}

// Route invokes every handler registered for the event's name. A handler
// that panics is logged and skipped; the remaining handlers still run.
func (r *Router) Route(ctx context.Context, ev Event) {
	name := ev.EventName()

	r.mu.RLock()
	handlers := r.handlers[name]
	r.mu.RUnlock()

	r.metrics.dispatched(name)
	if len(handlers) == 0 {
		return
	}

	ctx, span := r.tracer.Start(
		ctx,
		"gateway.dispatch "+name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("discord.event", name),
			attribute.Int("discord.handlers", len(handlers)),
		),
	)
	defer span.End()

	panics := 0
	for i, h := range handlers {
		if r.invoke(ctx, name, i, h, ev) {
			panics++
		}
	}
	if panics > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d handler(s) panicked", panics))
	} else {
		span.SetStatus(codes.Ok, "")
	}
}

func (r *Router) invoke(
	ctx context.Context,
	name string,
	index int,
	h Handler,
	ev Event,
) (panicked bool) {
	defer func() {
		if rc := recover(); rc != nil {
			panicked = true
			r.metrics.handlerPanicked(name)
			r.logger.ErrorContext(
				ctx,
				"recovered from panic in event handler",
				"event", name,
				"handler", index,
				tint.Err(fmt.Errorf("panic: %v", rc)),
				"stack_trace", string(debug.Stack()),
			)
			trace.SpanFromContext(ctx).AddEvent(
				"handler panic",
				trace.WithAttributes(attribute.Int("handler", index)),
			)
		}
	}()
	h(ctx, ev)
	return false
}
