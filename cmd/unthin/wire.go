package main

import (
	"context"
	"database/sql"
	"net/http"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/meigma/unthin/config"
	"github.com/meigma/unthin/download"
	"github.com/meigma/unthin/statuscache"
	"github.com/meigma/unthin/storage"
	"github.com/meigma/unthin/storage/cached"
	"github.com/meigma/unthin/storage/local"
	"github.com/meigma/unthin/storage/oci"
	"github.com/meigma/unthin/validation"
)

// openStorage builds the configured backend, wrapped in the existence cache
// when a TTL is set. The returned function releases it.
func (a *app) openStorage(ctx context.Context) (storage.Storage, func(), error) {
	sc := a.cfg.Storage
	log := a.log.Named("storage")

	var (
		base storage.Storage
		err  error
	)
	switch sc.Type {
	case config.StorageOCI:
		base, err = oci.NewRemote(sc.OCI.Repository, oci.RemoteOptions{
			PlainHTTP:    sc.OCI.PlainHTTP,
			Username:     sc.OCI.Username,
			Password:     sc.OCI.Password,
			DockerConfig: sc.OCI.DockerConfig,
		}, oci.WithLogger(log))
	default:
		var comp local.Compression
		comp, err = local.ParseCompression(sc.Local.Compression)
		if err != nil {
			return nil, nil, err
		}
		base, err = local.New(sc.Local.Dir,
			local.WithCompression(comp),
			local.WithStaleWriteTimeout(sc.Local.StaleWriteTimeout),
			local.WithLogger(log))
	}
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s storage", sc.Type)
	}

	if sc.ExistenceCacheTTL <= 0 {
		return base, func() {}, nil
	}
	c, err := cached.New(ctx, base, cached.WithTTL(sc.ExistenceCacheTTL), cached.WithLogger(log))
	if err != nil {
		return nil, nil, err
	}
	return c, func() {
		if err := c.Close(); err != nil {
			log.Warn("close existence cache", zap.Error(err))
		}
	}, nil
}

// openCache opens the status database, applying migrations when configured.
func (a *app) openCache(ctx context.Context) (*statuscache.Cache, *sql.DB, error) {
	dc := a.cfg.Database
	dialect, err := statuscache.ParseDialect(dc.Driver)
	if err != nil {
		return nil, nil, err
	}
	db, err := statuscache.Open(dialect, dc.DSN)
	if err != nil {
		return nil, nil, err
	}
	if dc.Migrate {
		if err := statuscache.Migrate(ctx, db, dialect, a.log.Named("migrate")); err != nil {
			db.Close()
			return nil, nil, err
		}
	}
	opts := []statuscache.Option{statuscache.WithLogger(a.log.Named("statuscache"))}
	if dc.MaxParams > 0 {
		opts = append(opts, statuscache.WithMaxParams(dc.MaxParams))
	}
	c, err := statuscache.New(db, dialect, opts...)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return c, db, nil
}

func (a *app) newDownloader(store storage.Storage) (*download.Downloader, error) {
	dc := a.cfg.Download
	opts := []download.Option{
		download.WithTries(dc.Tries),
		download.WithAttemptTimeout(dc.AttemptTimeout),
		download.WithNetrc(dc.Netrc),
		download.WithStorage(store),
		download.WithLogger(a.log.Named("download")),
		download.WithHeader(http.Header{"User-Agent": []string{"unthin/1.0"}}),
	}
	if dc.RateLimit > 0 {
		opts = append(opts, download.WithRateLimit(dc.RateLimit, dc.Burst))
	}
	if dc.MaxBytes > 0 {
		opts = append(opts, download.WithMaxBytes(dc.MaxBytes))
	}
	return download.New(dc.BaseURL, opts...)
}

func (a *app) newValidator() (*validation.Set, error) {
	deny, err := validation.NewDenylist(a.cfg.Validation.Remove, a.cfg.Validation.Reject, a.log.Named("denylist"))
	if err != nil {
		return nil, err
	}
	return validation.NewSet(deny)
}
