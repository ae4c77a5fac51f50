package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "tickserver/pkg/logx"
)

// Store is the persistence API used by the recorder and the admin server.
type Store interface {
	AppendRun(ctx context.Context, r RunRecord) error
	// Runs returns matching records, newest first.
	Runs(ctx context.Context, q Query) ([]RunRecord, error)
	// Prune deletes records that started before cutoff.
	Prune(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
