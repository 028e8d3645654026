package unthin

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Option configures an Unthinner.
type Option func(*Unthinner) error

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(u *Unthinner) error {
		if l == nil {
			l = zap.NewNop()
		}
		u.log = l
		return nil
	}
}

// WithDownloadWorkers bounds concurrent downloads of new dependencies.
// The default is 1.
func WithDownloadWorkers(n int) Option {
	return func(u *Unthinner) error {
		if n < 1 {
			return errors.Newf("unthin: download workers must be positive, got %d", n)
		}
		u.downloadWorkers = n
		return nil
	}
}

// WithPersistWorkers bounds concurrent storage writes. The default is 1.
func WithPersistWorkers(n int) Option {
	return func(u *Unthinner) error {
		if n < 1 {
			return errors.Newf("unthin: persist workers must be positive, got %d", n)
		}
		u.persistWorkers = n
		return nil
	}
}

// WithMetricsRegisterer registers run and dependency metrics with reg.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(u *Unthinner) error {
		m := newMetrics()
		if err := m.register(reg); err != nil {
			return errors.Wrap(err, "unthin: register metrics")
		}
		u.metrics = m
		return nil
	}
}
