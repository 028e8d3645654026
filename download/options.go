package download

import (
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/meigma/unthin/storage"
)

// Option configures a Downloader.
type Option func(*Downloader)

// WithTries sets the number of attempts per download.
func WithTries(n int) Option {
	return func(d *Downloader) {
		d.tries = n
	}
}

// WithAttemptTimeout bounds each attempt. Zero disables the bound.
func WithAttemptTimeout(timeout time.Duration) Option {
	return func(d *Downloader) {
		d.attemptTimeout = timeout
	}
}

// WithRateLimit limits attempts to r per second with the given burst.
func WithRateLimit(r float64, burst int) Option {
	return func(d *Downloader) {
		if r <= 0 {
			d.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		d.limiter = rate.NewLimiter(rate.Limit(r), max(burst, 1))
	}
}

// WithHTTPClient sets the client used for http and https origins.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) {
		if c != nil {
			d.httpClient = c
		}
	}
}

// WithHeader sets headers sent with every request, such as repository
// authorization.
func WithHeader(h http.Header) Option {
	return func(d *Downloader) {
		d.header = h.Clone()
	}
}

// WithNetrc enables credentials from the user's .netrc file.
func WithNetrc(enabled bool) Option {
	return func(d *Downloader) {
		d.netrc = enabled
	}
}

// WithMaxBytes caps the size of a single response body. Zero means no cap.
func WithMaxBytes(n int64) Option {
	return func(d *Downloader) {
		d.maxBytes = n
	}
}

// WithStorage enables OriginStorage downloads from s.
func WithStorage(s storage.Storage) Option {
	return func(d *Downloader) {
		d.storage = s
	}
}

// WithLogger sets the logger. Nil disables logging.
func WithLogger(l *zap.Logger) Option {
	return func(d *Downloader) {
		if l == nil {
			l = zap.NewNop()
		}
		d.log = l
	}
}
