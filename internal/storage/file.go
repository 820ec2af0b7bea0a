package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

// fileStore keeps two files next to Path:
//   - <prefix>.actions.jsonl (append-only JSON Lines)
//   - <prefix>.state.json    (replaced through a temp file and rename)
type fileStore struct {
	log logx.Logger

	mu          sync.Mutex
	actionsPath string
	actions     *os.File
	statePath   string
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	actionsPath := prefix + ".actions.jsonl"
	af, err := os.OpenFile(actionsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{
		log:         log,
		actionsPath: actionsPath,
		actions:     af,
		statePath:   prefix + ".state.json",
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actions == nil {
		return nil
	}
	err := s.actions.Close()
	s.actions = nil
	return err
}

func (s *fileStore) AppendAction(ctx context.Context, r ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.actions == nil {
		return errors.New("actions file closed")
	}
	return json.NewEncoder(s.actions).Encode(r)
}

func (s *fileStore) RecentActions(ctx context.Context, limit int) ([]ActionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.actionsPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []ActionRecord
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var r ActionRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			s.log.Debug("skipping malformed action record", logx.Err(err))
			continue
		}
		all = append(all, r)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	return all, nil
}

func (s *fileStore) SaveState(ctx context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp := s.statePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.statePath)
}

func (s *fileStore) LoadState(ctx context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(s.statePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}
