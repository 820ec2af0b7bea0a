package storage

import (
	"context"
	"fmt"
	"strings"

	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

// Store is the persistence API used by the app.
type Store interface {
	AppendAction(ctx context.Context, r ActionRecord) error
	// RecentActions returns up to limit records, newest first.
	RecentActions(ctx context.Context, limit int) ([]ActionRecord, error)

	// SaveState replaces the persisted control snapshot.
	SaveState(ctx context.Context, data []byte) error
	LoadState(ctx context.Context) (data []byte, ok bool, err error)

	Close() error
}

// Open initializes the configured store. It returns (nil, nil) when storage
// is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
