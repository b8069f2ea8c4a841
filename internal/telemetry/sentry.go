// Package telemetry reports pipeline spans and errors to Sentry. Every call
// is a no-op until Init runs with a DSN.
package telemetry

import (
	"context"
	"log"
	"strings"
	"time"

	"github.com/cloo-solutions/cseassist/internal/domain"
	"github.com/getsentry/sentry-go"
)

const serviceName = "csed"

// Config holds the configuration for Sentry initialization.
type Config struct {
	DSN              string
	Environment      string
	TracesSampleRate float64
	Debug            bool
}

// Init initializes Sentry with tracing enabled and returns a flush function.
// An empty DSN or a failed init leaves reporting disabled.
func Init(cfg Config) (func(), error) {
	if cfg.DSN == "" {
		return func() {}, nil
	}

	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.TracesSampleRate == 0 {
		cfg.TracesSampleRate = 1.0
	}

	err := sentry.Init(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		EnableTracing:    true,
		TracesSampleRate: cfg.TracesSampleRate,
		Debug:            cfg.Debug,
		ServerName:       serviceName,
		TracesSampler:    sampler(cfg.TracesSampleRate),
	})
	if err != nil {
		log.Printf("sentry: failed to initialize (continuing without tracing): %v", err)
		return func() {}, nil
	}

	log.Printf("sentry: tracing initialized (environment: %s, sample_rate: %.2f)", cfg.Environment, cfg.TracesSampleRate)
	return func() { sentry.Flush(5 * time.Second) }, nil
}

// sampler drops health probes and keeps child spans with their parent.
func sampler(rate float64) sentry.TracesSampler {
	return func(ctx sentry.SamplingContext) float64 {
		if strings.HasSuffix(ctx.Span.Name, "/health") {
			return 0.0
		}
		var emptySpanID sentry.SpanID
		if ctx.Span.ParentSpanID != emptySpanID {
			if ctx.Span.Sampled.Bool() {
				return 1.0
			}
			return 0.0
		}
		return rate
	}
}

// SpanAttributes tags pipeline spans.
type SpanAttributes struct {
	SessionID  string
	IndexPath  string
	Operation  string
	ChunkCount int
}

// Span wraps sentry.Span; the zero value is inert.
type Span struct {
	inner *sentry.Span
}

// End finishes the span.
func (s *Span) End() {
	if s.inner != nil {
		s.inner.Finish()
	}
}

// SetData attaches a key/value pair to the span.
func (s *Span) SetData(key string, value any) {
	if s.inner != nil {
		s.inner.SetData(key, value)
	}
}

// SetError sets the span status from err and reports err unless it is a
// caller mistake.
func (s *Span) SetError(err error) {
	if s.inner == nil || err == nil {
		return
	}
	s.inner.Status = spanStatus(err)
	s.inner.SetTag("error_code", errorCode(err))
	CaptureError(s.inner.Context(), err)
}

func errorCode(err error) string {
	if code := domain.ErrorCode(err); code != "" {
		return code
	}
	return domain.ErrCodeInternalError
}

func spanStatus(err error) sentry.SpanStatus {
	switch domain.ErrorCode(err) {
	case domain.ErrCodeValidation:
		return sentry.SpanStatusInvalidArgument
	case domain.ErrCodeNotFound:
		return sentry.SpanStatusNotFound
	case domain.ErrCodeConflict:
		return sentry.SpanStatusAborted
	case domain.ErrCodeInvalidOperation:
		return sentry.SpanStatusFailedPrecondition
	case domain.ErrCodeGeneration, domain.ErrCodeEmbedding:
		return sentry.SpanStatusUnavailable
	case domain.ErrCodeCorruptIndex:
		return sentry.SpanStatusDataLoss
	default:
		return sentry.SpanStatusInternalError
	}
}

// reportable is false for errors the caller caused; those are visible in the
// access log and would only add noise to Sentry.
func reportable(err error) bool {
	switch domain.ErrorCode(err) {
	case domain.ErrCodeValidation, domain.ErrCodeNotFound, domain.ErrCodeConflict:
		return false
	}
	return true
}

func setAttributes(span *sentry.Span, attrs SpanAttributes) {
	if span == nil {
		return
	}

	if attrs.SessionID != "" {
		span.SetTag("session_id", attrs.SessionID)
	}
	if attrs.IndexPath != "" {
		span.SetTag("index_path", attrs.IndexPath)
	}
	if attrs.Operation != "" {
		span.SetData("operation", attrs.Operation)
	}
	if attrs.ChunkCount > 0 {
		span.SetData("chunk_count", attrs.ChunkCount)
	}
}

// StartSpan starts a child of the span in ctx, or a new transaction when
// there is none.
func StartSpan(ctx context.Context, name string, attrs SpanAttributes) (context.Context, *Span) {
	var span *sentry.Span
	if parent := sentry.SpanFromContext(ctx); parent != nil {
		span = parent.StartChild(name)
	} else {
		span = sentry.StartSpan(ctx, name, sentry.WithTransactionName(name))
	}

	setAttributes(span, attrs)
	return span.Context(), &Span{inner: span}
}

// CaptureError reports err on the hub in ctx, skipping caller mistakes.
func CaptureError(ctx context.Context, err error) {
	if err == nil || !reportable(err) {
		return
	}
	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.CaptureException(err)
	} else {
		sentry.CaptureException(err)
	}
}

// AddBreadcrumb records a pipeline event on the current scope.
func AddBreadcrumb(ctx context.Context, category, message string) {
	breadcrumb := &sentry.Breadcrumb{
		Type:      "default",
		Category:  category,
		Message:   message,
		Level:     sentry.LevelInfo,
		Timestamp: time.Now(),
	}

	if hub := sentry.GetHubFromContext(ctx); hub != nil {
		hub.AddBreadcrumb(breadcrumb, nil)
	} else {
		sentry.AddBreadcrumb(breadcrumb)
	}
}
