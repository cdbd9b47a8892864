package history

import (
	"context"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
)

// BreakerConfig tunes the circuit breaker in front of a store.
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	MinRequests uint32
	FailureRate float64

	// OnStateChange, when set, is called after every transition.
	OnStateChange func(name string, to gobreaker.State)
}

// DefaultBreakerConfig returns the settings used by the servers.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:        "history",
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		MinRequests: 3,
		FailureRate: 0.6,
	}
}

// ResilientStore wraps a Store with a circuit breaker so a failing database does not
// stall every calculation that wants to record itself.
type ResilientStore struct {
	inner   Store
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Logger
}

// NewResilientStore wraps inner.
func NewResilientStore(inner Store, cfg BreakerConfig, logger *logrus.Logger) *ResilientStore {
	if logger == nil {
		logger = logrus.New()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= cfg.MinRequests && failureRatio >= cfg.FailureRate
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("History store circuit breaker changed state")
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(name, to)
			}
		},
	})
	return &ResilientStore{inner: inner, breaker: breaker, logger: logger}
}

// State reports the breaker state for health endpoints.
func (s *ResilientStore) State() gobreaker.State {
	return s.breaker.State()
}

func (s *ResilientStore) Save(ctx context.Context, record *Record) error {
	_, err := s.breaker.Execute(func() (interface{}, error) {
		return nil, s.inner.Save(ctx, record)
	})
	return err
}

func (s *ResilientStore) Get(ctx context.Context, id string) (*Record, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.inner.Get(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	r, _ := out.(*Record)
	return r, nil
}

func (s *ResilientStore) List(ctx context.Context, opts ListOptions) ([]*Record, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.inner.List(ctx, opts)
	})
	if err != nil {
		return nil, err
	}
	records, _ := out.([]*Record)
	return records, nil
}

func (s *ResilientStore) Count(ctx context.Context) (int64, error) {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.inner.Count(ctx)
	})
	if err != nil {
		return 0, err
	}
	n, _ := out.(int64)
	return n, nil
}

// ExportJSON and ImportJSON are operator actions and bypass the breaker.
func (s *ResilientStore) ExportJSON(ctx context.Context, writer io.Writer) error {
	return s.inner.ExportJSON(ctx, writer)
}

func (s *ResilientStore) ImportJSON(ctx context.Context, reader io.Reader) (int, int, error) {
	return s.inner.ImportJSON(ctx, reader)
}

func (s *ResilientStore) Close() error {
	return s.inner.Close()
}
