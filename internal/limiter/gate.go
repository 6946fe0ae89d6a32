package limiter

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	proxy "github.com/bahtman/litellm/internal"
	"github.com/bahtman/litellm/internal/cache"
	"github.com/bahtman/litellm/internal/telemetry"
)

// Dispatcher schedules counter writes without blocking admission. The
// production dispatcher is worker.Flusher; tests use a synchronous one.
type Dispatcher interface {
	Dispatch(items []cache.Item, ttl time.Duration)
}

// goDispatcher is the fallback when no Dispatcher is configured: each batch
// is written from its own goroutine, fire-and-forget.
type goDispatcher struct {
	store cache.Store
}

func (d goDispatcher) Dispatch(items []cache.Item, ttl time.Duration) {
	go func() {
		if err := d.store.BatchSet(context.Background(), items, ttl); err != nil {
			slog.Warn("counter batch write failed", "error", err.Error())
		}
	}()
}

// Gate orchestrates the three hooks: pre-call admission, post-call
// reconciliation, and response header annotation.
type Gate struct {
	clock     Clock
	dispatch  Dispatcher
	admission *AdmissionEngine
	reconcile *ReconciliationEngine
	headers   *HeaderAnnotator
	metrics   *telemetry.Metrics
	tracer    trace.Tracer
}

// Options configures a Gate. Store is required; everything else has a
// working default.
type Options struct {
	Store      cache.Store
	Clock      Clock              // wall clock when nil
	Directory  UserDirectory      // no user-directory lookups when nil
	Dispatcher Dispatcher         // per-batch goroutine when nil
	Metrics    *telemetry.Metrics // no metrics when nil
	Tracer     trace.Tracer       // no spans when nil
}

// New creates a Gate from options.
func New(opts Options) (*Gate, error) {
	if opts.Store == nil {
		return nil, errors.New("limiter: Store is required")
	}
	clock := opts.Clock
	if clock == nil {
		clock = NewClock()
	}
	dispatch := opts.Dispatcher
	if dispatch == nil {
		dispatch = goDispatcher{store: opts.Store}
	}
	tracer := opts.Tracer
	if tracer == nil {
		// The global provider is a no-op unless tracing was set up.
		tracer = otel.Tracer("litellm-gate")
	}
	resolver := NewResolver(opts.Directory)
	return &Gate{
		clock:     clock,
		dispatch:  dispatch,
		admission: NewAdmissionEngine(opts.Store, clock, resolver),
		reconcile: NewReconciliationEngine(opts.Store, clock),
		headers:   NewHeaderAnnotator(opts.Store, clock),
		metrics:   opts.Metrics,
		tracer:    tracer,
	}, nil
}

// PreCallHook checks every applicable scope and reserves one in-flight slot
// per scope. On admission the request metadata gains remaining-limit fields
// and the counter writes are dispatched without blocking the return; on
// rejection the returned error is a *proxy.RateLimitError and nothing was
// written (the eager global increment excepted).
func (g *Gate) PreCallHook(ctx context.Context, p *proxy.PrincipalAuth, rc *proxy.RequestContext) error {
	start := g.clock.Now()
	ctx, span := g.startSpan(ctx, p, "gate.pre_call")
	defer span.End()

	if rc.RequestID == "" {
		rc.RequestID = uuid.Must(uuid.NewV7()).String()
	}

	adm, err := g.admission.Check(ctx, p, rc)
	if g.metrics != nil {
		g.metrics.AdmissionDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		var rle *proxy.RateLimitError
		if errors.As(err, &rle) {
			span.SetAttributes(attribute.String("gate.rejected_scope", rle.Scope))
			if g.metrics != nil {
				g.metrics.RateLimitRejects.WithLabelValues(rle.Scope).Inc()
			}
		}
		return err
	}

	for k, v := range adm.MetadataPatch {
		rc.SetMetadata(k, v)
	}
	if len(adm.PendingWrites) > 0 {
		g.dispatch.Dispatch(adm.PendingWrites, counterTTL)
	}
	if g.metrics != nil {
		g.metrics.RequestsAdmitted.Inc()
		g.metrics.ParallelInFlight.Inc()
	}
	return nil
}

// OnLogSuccess reconciles counters for a request that completed upstream:
// the reservation is released and token/request usage recorded on every
// scope the admission reserved.
func (g *Gate) OnLogSuccess(ctx context.Context, ev Event) {
	ctx, span := g.startSpan(ctx, nil, "gate.on_success")
	defer span.End()

	g.reconcile.OnSuccess(ctx, ev)
	if g.metrics != nil {
		g.metrics.ParallelInFlight.Dec()
	}
}

// OnLogFailure reconciles counters for a request that failed upstream.
// Requests the gate itself rejected are recognized by the rejection phrase
// and skipped entirely.
func (g *Gate) OnLogFailure(ctx context.Context, ev Event, callErr error) {
	ctx, span := g.startSpan(ctx, nil, "gate.on_failure")
	defer span.End()

	rejected := callErr != nil && strings.Contains(callErr.Error(), proxy.RateLimitErrorPrefix)
	g.reconcile.OnFailure(ctx, ev, callErr)
	if g.metrics != nil && !rejected {
		g.metrics.ParallelInFlight.Dec()
	}
}

// PostCallSuccessHook decorates the outbound response with the key's
// remaining rate limits and returns it.
func (g *Gate) PostCallSuccessHook(ctx context.Context, rc *proxy.RequestContext, p *proxy.PrincipalAuth, resp *proxy.ModelResponse) *proxy.ModelResponse {
	g.headers.Annotate(ctx, p, resp)
	return resp
}

// startSpan opens a child span, parented under the principal's span when
// one was carried in.
func (g *Gate) startSpan(ctx context.Context, p *proxy.PrincipalAuth, name string) (context.Context, trace.Span) {
	if p != nil && p.Span != nil {
		ctx = trace.ContextWithSpan(ctx, p.Span)
	}
	return g.tracer.Start(ctx, name)
}
