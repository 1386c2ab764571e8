package store

import (
	"context"
	"io"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"avl-svr/internal/config"
	"avl-svr/internal/session"
)

// Backend es lo que implementan Redis y LevelDB.
type Backend interface {
	session.Store
	session.Presence
	io.Closer
}

var (
	_ Backend = (*Redis)(nil)
	_ Backend = (*LevelDB)(nil)
)

// Open abre el backend elegido en la config.
func Open(ctx context.Context, cfg config.Config, log *zap.SugaredLogger) (Backend, error) {
	switch cfg.StoreBackend {
	case config.BackendRedis:
		return NewRedis(ctx, RedisOptions{
			Addr:   cfg.RedisAddr,
			DB:     cfg.RedisDB,
			MaxLen: cfg.RawStreamMaxLen,
		}, log)
	case config.BackendLevelDB:
		return OpenLevelDB(cfg.LevelDBPath, log)
	default:
		return nil, errors.NotValidf("store backend %q", cfg.StoreBackend)
	}
}
