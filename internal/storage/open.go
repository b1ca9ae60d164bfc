package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/curtismu7/oauthplayground/internal/config"
)

type closers []io.Closer

func (c closers) Close() error {
	var errs []error
	for _, cl := range c {
		if err := cl.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Open builds the local and session scopes for the configured driver.
// The returned closer releases any database connections.
func Open(ctx context.Context, cfg config.StorageConfig) (Scopes, io.Closer, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryScopes(), closers(nil), nil
	case "sqlite":
		local, err := OpenSQLite(cfg.SQLitePath, "local_store")
		if err != nil {
			return Scopes{}, nil, err
		}
		session, err := OpenSQLite(cfg.SQLitePath, "session_store")
		if err != nil {
			local.Close()
			return Scopes{}, nil, err
		}
		return Scopes{Local: local, Session: session}, closers{local, session}, nil
	case "redis":
		local, err := NewRedis(ctx, cfg.RedisURL, cfg.RedisPrefix+":local", 0)
		if err != nil {
			return Scopes{}, nil, err
		}
		ttl := cfg.SessionTTL
		if ttl <= 0 {
			ttl = 24 * time.Hour
		}
		session := NewRedisFromClient(local.client, cfg.RedisPrefix+":session", ttl)
		return Scopes{Local: local, Session: session}, closers{local}, nil
	default:
		return Scopes{}, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
