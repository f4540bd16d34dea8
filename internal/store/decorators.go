package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"ideasync/internal/infrastructure/observability"
	"ideasync/internal/resilience"
	apperrors "ideasync/pkg/errors"
)

// retryable reports whether an error may go away on its own. Answers from
// the database (missing row, bad input) never do.
func retryable(err error) bool {
	switch apperrors.TypeOf(err) {
	case apperrors.ErrorTypeNotFound, apperrors.ErrorTypeValidation,
		apperrors.ErrorTypeUnauthorized, apperrors.ErrorTypeForbidden:
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// Decorate applies the standard decorators to a store.
// Order: Base -> Retry -> Circuit Breaker -> Instrumentation
func Decorate(base IdeaStore, timeout time.Duration, metrics *observability.Collector, tracer trace.Tracer, logger *zap.Logger) IdeaStore {
	var decorated IdeaStore = NewRetryStore(base, 3, logger)

	cbConfig := resilience.DefaultCircuitBreakerConfig("idea-store")
	cbConfig.IsSuccessful = func(err error) bool { return err == nil || !retryable(err) }
	decorated = NewCircuitBreakerStore(decorated, resilience.NewCircuitBreaker(cbConfig, logger))

	return NewInstrumentedStore(decorated, timeout, metrics, tracer, logger)
}

// RetryStore retries transient failures with exponential backoff.
type RetryStore struct {
	inner    IdeaStore
	maxTries uint
	logger   *zap.Logger
}

// NewRetryStore wraps inner with retries.
func NewRetryStore(inner IdeaStore, maxTries uint, logger *zap.Logger) *RetryStore {
	return &RetryStore{inner: inner, maxTries: maxTries, logger: logger}
}

func (s *RetryStore) retry(ctx context.Context, operation string, fn func() (string, error)) (string, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	return backoff.Retry(ctx, func() (string, error) {
		out, err := fn()
		if err != nil && !retryable(err) {
			return out, backoff.Permanent(err)
		}
		return out, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(s.maxTries),
		backoff.WithNotify(func(err error, wait time.Duration) {
			s.logger.Warn("Retrying store operation",
				zap.String("operation", operation),
				zap.Duration("wait", wait),
				zap.Error(err),
			)
		}),
	)
}

func (s *RetryStore) LoadContent(ctx context.Context, ideaID string) (string, error) {
	return s.retry(ctx, "load", func() (string, error) {
		return s.inner.LoadContent(ctx, ideaID)
	})
}

func (s *RetryStore) SaveContent(ctx context.Context, ideaID, content string) error {
	_, err := s.retry(ctx, "save", func() (string, error) {
		return "", s.inner.SaveContent(ctx, ideaID, content)
	})
	return err
}

// CircuitBreakerStore fails fast while the database keeps failing.
type CircuitBreakerStore struct {
	inner   IdeaStore
	breaker *gobreaker.CircuitBreaker
}

// NewCircuitBreakerStore wraps inner with breaker.
func NewCircuitBreakerStore(inner IdeaStore, breaker *gobreaker.CircuitBreaker) *CircuitBreakerStore {
	return &CircuitBreakerStore{inner: inner, breaker: breaker}
}

func (s *CircuitBreakerStore) LoadContent(ctx context.Context, ideaID string) (string, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.inner.LoadContent(ctx, ideaID)
	})
	if err != nil {
		return "", unavailable(err)
	}
	return out.(string), nil
}

func (s *CircuitBreakerStore) SaveContent(ctx context.Context, ideaID, content string) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.inner.SaveContent(ctx, ideaID, content)
	})
	return unavailable(err)
}

func unavailable(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return apperrors.NewUnavailable("idea store temporarily unavailable", err)
	}
	return err
}

// InstrumentedStore bounds, traces, times and logs every call.
type InstrumentedStore struct {
	inner   IdeaStore
	timeout time.Duration
	metrics *observability.Collector
	tracer  trace.Tracer
	logger  *zap.Logger
}

// NewInstrumentedStore wraps inner with a per-call timeout, spans and
// metrics.
func NewInstrumentedStore(inner IdeaStore, timeout time.Duration, metrics *observability.Collector, tracer trace.Tracer, logger *zap.Logger) *InstrumentedStore {
	return &InstrumentedStore{inner: inner, timeout: timeout, metrics: metrics, tracer: tracer, logger: logger}
}

func (s *InstrumentedStore) LoadContent(ctx context.Context, ideaID string) (string, error) {
	ctx, done := s.begin(ctx, "load", ideaID)
	content, err := s.inner.LoadContent(ctx, ideaID)
	done(err, observability.AttrContentBytes.Int(len(content)))
	return content, err
}

func (s *InstrumentedStore) SaveContent(ctx context.Context, ideaID, content string) error {
	ctx, done := s.begin(ctx, "save", ideaID)
	err := s.inner.SaveContent(ctx, ideaID, content)
	done(err, observability.AttrContentBytes.Int(len(content)))
	return err
}

func (s *InstrumentedStore) begin(ctx context.Context, operation, ideaID string) (context.Context, func(error, ...attribute.KeyValue)) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	ctx, span := s.tracer.Start(ctx, "store."+operation,
		trace.WithAttributes(observability.IdeaAttributes(ideaID)...),
	)

	return ctx, func(err error, attrs ...attribute.KeyValue) {
		defer cancel()
		defer span.End()

		status := "success"
		switch {
		case err == nil:
		case apperrors.IsNotFound(err):
			status = "not_found"
		default:
			status = "error"
			observability.RecordSpanError(span, err)
		}
		span.SetAttributes(attrs...)

		duration := time.Since(start)
		s.metrics.StoreOperations.WithLabelValues(operation, status).Inc()
		s.metrics.StoreDuration.WithLabelValues(operation).Observe(duration.Seconds())

		if status == "error" {
			s.logger.Error("Store operation failed",
				zap.String("operation", operation),
				zap.String("ideaID", ideaID),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
			return
		}
		s.logger.Debug("Store operation",
			zap.String("operation", operation),
			zap.String("ideaID", ideaID),
			zap.String("status", status),
			zap.Duration("duration", duration),
		)
	}
}
