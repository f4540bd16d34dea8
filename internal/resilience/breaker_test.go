package resilience

import (
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var errBoom = errors.New("boom")

func TestNewCircuitBreaker(t *testing.T) {
	t.Run("Should open after enough failures", func(t *testing.T) {
		cb := NewCircuitBreaker(DefaultCircuitBreakerConfig("test"), zap.NewNop())

		for i := 0; i < 5; i++ {
			_, err := cb.Execute(func() (interface{}, error) { return nil, errBoom })
			assert.ErrorIs(t, err, errBoom)
		}

		_, err := cb.Execute(func() (interface{}, error) { return nil, nil })
		assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	})

	t.Run("Should not count errors classified as successful", func(t *testing.T) {
		config := DefaultCircuitBreakerConfig("not-found")
		config.IsSuccessful = func(err error) bool { return err == nil || errors.Is(err, errBoom) }
		cb := NewCircuitBreaker(config, zap.NewNop())

		for i := 0; i < 10; i++ {
			_, _ = cb.Execute(func() (interface{}, error) { return nil, errBoom })
		}

		assert.Equal(t, gobreaker.StateClosed, cb.State())
	})
}
