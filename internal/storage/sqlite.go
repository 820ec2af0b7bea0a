package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

const schema = `
CREATE TABLE IF NOT EXISTS actions (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	at              TEXT    NOT NULL,
	item_id         TEXT    NOT NULL,
	conversation_id TEXT    NOT NULL,
	message_id      TEXT,
	kind            TEXT    NOT NULL,
	payload         TEXT    NOT NULL,
	client          TEXT,
	source          TEXT    NOT NULL,
	ok              INTEGER NOT NULL,
	err             TEXT,
	took_ms         INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS actions_at ON actions(at);

CREATE TABLE IF NOT EXISTS state (
	key        TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

const (
	stateKey = "control"
	// keepActions bounds the audit table; older rows are pruned.
	keepActions = 50000
)

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opCount    atomic.Uint64
	pruneEvery uint64
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = time.Second
	}
	for _, pragma := range []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			log.Debug("sqlite pragma failed", logx.String("pragma", pragma), logx.Err(err))
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, log: log, pruneEvery: 500}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAction(ctx context.Context, r ActionRecord) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actions(at, item_id, conversation_id, message_id, kind, payload, client, source, ok, err, took_ms)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		r.At.UTC().Format(time.RFC3339Nano), r.ItemID, r.ConversationID, nullStr(r.MessageID), r.Kind,
		r.Payload, nullStr(r.Client), r.Source, boolInt(r.OK), nullStr(r.Error), r.TookMS,
	)
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.prune(pctx); perr != nil {
			s.log.Debug("action prune failed", logx.Err(perr))
		}
		cancel()
	}
	return err
}

func (s *sqliteStore) prune(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM actions WHERE id <= (SELECT MAX(id) FROM actions) - ?`, keepActions)
	return err
}

func (s *sqliteStore) RecentActions(ctx context.Context, limit int) ([]ActionRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if limit <= 0 {
		limit = keepActions
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT at, item_id, conversation_id, message_id, kind, payload, client, source, ok, err, took_ms
		 FROM actions ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ActionRecord
	for rows.Next() {
		var (
			r                      ActionRecord
			at                     string
			msgID, client, errText sql.NullString
			ok                     int
		)
		if err := rows.Scan(&at, &r.ItemID, &r.ConversationID, &msgID, &r.Kind, &r.Payload, &client, &r.Source, &ok, &errText, &r.TookMS); err != nil {
			return nil, err
		}
		r.At, _ = time.Parse(time.RFC3339Nano, at)
		r.MessageID, r.Client, r.Error = msgID.String, client.String, errText.String
		r.OK = ok != 0
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqliteStore) SaveState(ctx context.Context, data []byte) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO state(key, data, updated_at) VALUES(?,?,?)
		 ON CONFLICT(key) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		stateKey, string(data), time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) LoadState(ctx context.Context) ([]byte, bool, error) {
	if s == nil || s.db == nil {
		return nil, false, ErrDisabled
	}
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM state WHERE key = ?`, stateKey).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(data), true, nil
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
