package postgres

import (
	"context"
	"errors"
	"net/http"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/linnemanlabs/go-core/log"
)

const (
	internalPrefix  = "github.com/linnemanlabs/intake/internal/"
	selfPrefix      = internalPrefix + "postgres."
	uniqueViolation = "23505"
)

var (
	observer  atomic.Pointer[QueryObserver]
	slowQuery atomic.Int64 // nanoseconds, 0 logs every query
)

// QueryEvent describes one finished query.
type QueryEvent struct {
	Op      string // store method that issued the query, e.g. "pgstore.Rank"
	Route   string // chi route pattern, "" outside a request
	Elapsed time.Duration
	Err     error
}

// Outcome buckets the event for metrics: ok, conflict (unique key) or error.
func (e QueryEvent) Outcome() string {
	if e.Err == nil {
		return "ok"
	}
	var pgErr *pgconn.PgError
	if errors.As(e.Err, &pgErr) && pgErr.Code == uniqueViolation {
		return "conflict"
	}
	return "error"
}

// QueryObserver receives every finished query, logged or not.
type QueryObserver func(QueryEvent)

// SetQueryObserver installs the process-wide observer. Nil removes it.
func SetQueryObserver(fn QueryObserver) {
	if fn == nil {
		observer.Store(nil)
		return
	}
	observer.Store(&fn)
}

// SetSlowQueryThreshold sets the duration below which successful queries are
// not logged. Zero logs every query.
func SetSlowQueryThreshold(d time.Duration) {
	slowQuery.Store(int64(d))
}

// Tally counts the queries issued while serving one request.
type Tally struct {
	queries atomic.Int64
	errs    atomic.Int64
	nanos   atomic.Int64
}

func (t *Tally) add(d time.Duration, err error) {
	t.queries.Add(1)
	t.nanos.Add(int64(d))
	if err != nil {
		t.errs.Add(1)
	}
}

// Totals returns the query count, summed duration and failed query count.
func (t *Tally) Totals() (queries int64, elapsed time.Duration, errs int64) {
	return t.queries.Load(), time.Duration(t.nanos.Load()), t.errs.Load()
}

type tallyKey struct{}

// WithTally attaches a fresh Tally to ctx.
func WithTally(ctx context.Context) (context.Context, *Tally) {
	t := &Tally{}
	return context.WithValue(ctx, tallyKey{}, t), t
}

// TallyFrom returns the request's Tally, or nil outside a request.
func TallyFrom(ctx context.Context) *Tally {
	t, _ := ctx.Value(tallyKey{}).(*Tally)
	return t
}

// Middleware tallies database work per request and logs the totals for
// requests that touched the database.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, tally := WithTally(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))

		if q, dur, errs := tally.Totals(); q > 0 {
			log.FromContext(ctx).Info(ctx, "request db totals",
				"http.method", r.Method,
				"db.queries", q,
				"db.duration", dur.Seconds(),
				"db.errors", errs,
			)
		}
	})
}

type pending struct {
	sql   string
	nargs int
	op    string
	start time.Time
}

type pendingKey struct{}

// tracer logs and measures each query and defers span handling to inner.
type tracer struct {
	inner pgx.QueryTracer
}

func newTracer(inner pgx.QueryTracer) pgx.QueryTracer {
	return tracer{inner: inner}
}

func (t tracer) TraceQueryStart(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	p := &pending{sql: data.SQL, nargs: len(data.Args), op: storeOp(), start: time.Now()}

	if t.inner != nil {
		ctx = t.inner.TraceQueryStart(ctx, conn, data)
	}
	if span := trace.SpanFromContext(ctx); p.op != "" && span.IsRecording() {
		span.SetAttributes(attribute.String("db.op", p.op))
	}
	return context.WithValue(ctx, pendingKey{}, p)
}

func (t tracer) TraceQueryEnd(ctx context.Context, conn *pgx.Conn, data pgx.TraceQueryEndData) {
	if t.inner != nil {
		t.inner.TraceQueryEnd(ctx, conn, data)
	}
	p, ok := ctx.Value(pendingKey{}).(*pending)
	if !ok {
		return
	}

	ev := QueryEvent{Op: p.op, Route: routePattern(ctx), Elapsed: time.Since(p.start), Err: data.Err}
	if tally := TallyFrom(ctx); tally != nil {
		tally.add(ev.Elapsed, ev.Err)
	}
	if fn := observer.Load(); fn != nil {
		(*fn)(ev)
	}

	if floor := time.Duration(slowQuery.Load()); floor > 0 && ev.Elapsed < floor && ev.Err == nil {
		return
	}

	// Arguments carry patient names and phone numbers, so only their count is logged.
	fields := []any{
		"db.statement", p.sql,
		"db.arg_count", p.nargs,
		"db.duration", ev.Elapsed.Seconds(),
		"db.outcome", ev.Outcome(),
	}
	if p.op != "" {
		fields = append(fields, "db.op", p.op)
	}
	if data.CommandTag.String() != "" {
		fields = append(fields, "db.rows", data.CommandTag.RowsAffected())
	}

	L := log.FromContext(ctx)
	if ev.Err == nil {
		L.Info(ctx, "db query", fields...)
		return
	}
	var pgErr *pgconn.PgError
	if errors.As(ev.Err, &pgErr) {
		fields = append(fields, "db.error_code", pgErr.Code, "db.error_constraint", pgErr.ConstraintName)
	}
	L.Error(ctx, ev.Err, "db query failed", fields...)
}

func routePattern(ctx context.Context) string {
	if rc := chi.RouteContext(ctx); rc != nil {
		return rc.RoutePattern()
	}
	return ""
}

// storeOp names the first intake frame above this package on the stack.
func storeOp() string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		fr, more := frames.Next()
		if strings.HasPrefix(fr.Function, internalPrefix) && !strings.HasPrefix(fr.Function, selfPrefix) {
			return opName(fr.Function)
		}
		if !more {
			return ""
		}
	}
}

// opName reduces a runtime function name to "pkg.Method", dropping the
// import path, the receiver and any closure suffix.
func opName(fn string) string {
	if i := strings.LastIndex(fn, "/"); i >= 0 {
		fn = fn[i+1:]
	}
	pkg, rest, ok := strings.Cut(fn, ".")
	if !ok {
		return fn
	}
	if strings.HasPrefix(rest, "(") {
		if _, m, ok := strings.Cut(rest, ")."); ok {
			rest = m
		}
	}
	if i := strings.Index(rest, ".func"); i >= 0 {
		rest = rest[:i]
	}
	return pkg + "." + rest
}
