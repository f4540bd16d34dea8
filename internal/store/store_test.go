package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"ideasync/internal/config"
	"ideasync/internal/infrastructure/observability"
	"ideasync/internal/resilience"
	apperrors "ideasync/pkg/errors"
)

// flakyStore fails the first failures calls with err.
type flakyStore struct {
	inner    IdeaStore
	failures int32
	err      error
	calls    atomic.Int32
}

func (s *flakyStore) fail() error {
	if s.calls.Add(1) <= s.failures {
		return s.err
	}
	return nil
}

func (s *flakyStore) LoadContent(ctx context.Context, ideaID string) (string, error) {
	if err := s.fail(); err != nil {
		return "", err
	}
	return s.inner.LoadContent(ctx, ideaID)
}

func (s *flakyStore) SaveContent(ctx context.Context, ideaID, content string) error {
	if err := s.fail(); err != nil {
		return err
	}
	return s.inner.SaveContent(ctx, ideaID, content)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()

	t.Run("Should load what was saved", func(t *testing.T) {
		s := NewMemoryStore(false)
		s.Put("42", "")

		require.NoError(t, s.SaveContent(ctx, "42", `[{"id":"a","type":"paragraph","content":"x"}]`))
		content, err := s.LoadContent(ctx, "42")
		require.NoError(t, err)
		assert.Contains(t, content, `"content":"x"`)
	})

	t.Run("Should report missing ideas as not found", func(t *testing.T) {
		s := NewMemoryStore(false)

		_, err := s.LoadContent(ctx, "nope")
		assert.True(t, apperrors.IsNotFound(err))
		assert.True(t, apperrors.IsNotFound(s.SaveContent(ctx, "nope", "x")))
	})

	t.Run("Should create ideas on save when asked to", func(t *testing.T) {
		s := NewMemoryStore(true)
		require.NoError(t, s.SaveContent(ctx, "new", "text"))

		content, err := s.LoadContent(ctx, "new")
		require.NoError(t, err)
		assert.Equal(t, "text", content)
	})
}

func TestDecoratedStore(t *testing.T) {
	ctx := context.Background()
	newMetrics := func() *observability.Collector { return observability.NewCollector("test") }

	t.Run("Should retry transient failures", func(t *testing.T) {
		mem := NewMemoryStore(false)
		mem.Put("42", "hello")
		flaky := &flakyStore{inner: mem, failures: 2, err: errors.New("connection reset")}
		metrics := newMetrics()
		s := Decorate(flaky, time.Second, metrics, noop.NewTracerProvider().Tracer("test"), zap.NewNop())

		content, err := s.LoadContent(ctx, "42")
		require.NoError(t, err)
		assert.Equal(t, "hello", content)
		assert.Equal(t, int32(3), flaky.calls.Load())
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StoreOperations.WithLabelValues("load", "success")))
	})

	t.Run("Should not retry a missing idea", func(t *testing.T) {
		mem := NewMemoryStore(false)
		counting := &flakyStore{inner: mem}
		metrics := newMetrics()
		s := Decorate(counting, time.Second, metrics, noop.NewTracerProvider().Tracer("test"), zap.NewNop())

		err := s.SaveContent(ctx, "missing", "x")
		assert.True(t, apperrors.IsNotFound(err))
		assert.Equal(t, int32(1), counting.calls.Load())
		assert.Equal(t, 1.0, testutil.ToFloat64(metrics.StoreOperations.WithLabelValues("save", "not_found")))
	})

	t.Run("Should fail fast once the breaker opens", func(t *testing.T) {
		mem := NewMemoryStore(false)
		down := &flakyStore{inner: mem, failures: 1000, err: errors.New("database down")}
		cfg := resilience.DefaultCircuitBreakerConfig("test")
		s := NewCircuitBreakerStore(down, resilience.NewCircuitBreaker(cfg, zap.NewNop()))

		for i := 0; i < int(cfg.MinRequests); i++ {
			_, err := s.LoadContent(ctx, "42")
			require.Error(t, err)
		}

		_, err := s.LoadContent(ctx, "42")
		assert.True(t, apperrors.IsUnavailable(err))
		assert.Equal(t, int32(cfg.MinRequests), down.calls.Load())
	})

	t.Run("Should keep missing ideas from opening the breaker", func(t *testing.T) {
		mem := NewMemoryStore(false)
		s := Decorate(mem, time.Second, newMetrics(), noop.NewTracerProvider().Tracer("test"), zap.NewNop())

		for i := 0; i < 20; i++ {
			_, err := s.LoadContent(ctx, "missing")
			require.True(t, apperrors.IsNotFound(err))
		}
	})
}

func TestFactory(t *testing.T) {
	t.Run("Should build the memory store", func(t *testing.T) {
		s, cleanup, err := New(context.Background(), config.Store{Provider: "memory"}, zap.NewNop())
		require.NoError(t, err)
		defer cleanup()
		assert.IsType(t, &MemoryStore{}, s)
	})

	t.Run("Should reject an unknown provider", func(t *testing.T) {
		_, _, err := New(context.Background(), config.Store{Provider: "dynamodb"}, zap.NewNop())
		assert.Error(t, err)
	})
}
