package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/loorksy/whatsapp-bot-backend/internal/actionqueue"
	"github.com/loorksy/whatsapp-bot-backend/internal/activity"
	"github.com/loorksy/whatsapp-bot-backend/internal/config"
	"github.com/loorksy/whatsapp-bot-backend/internal/control"
	"github.com/loorksy/whatsapp-bot-backend/internal/eventbus"
	"github.com/loorksy/whatsapp-bot-backend/internal/storage"
	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func actionRecord(res actionqueue.Result, ok bool) storage.ActionRecord {
	it := res.Item
	r := storage.ActionRecord{
		At:             res.At,
		ItemID:         it.ID,
		ConversationID: it.ConversationID,
		Kind:           string(it.Action.Kind),
		Payload:        it.Action.Symbol,
		Client:         it.Client,
		Source:         string(it.Source),
		OK:             ok,
		Error:          res.Error,
		TookMS:         res.Took,
	}
	if it.Action.Kind == actionqueue.KindReply {
		r.Payload = it.Action.Text
	}
	if it.Ref != nil {
		r.MessageID = it.Ref.MessageID
	}
	return r
}

// persistLoop writes executed actions and control changes to the store.
// events must be subscribed before the producers start.
func (a *App) persistLoop(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.persist(ctx, e)
		}
	}
}

func (a *App) persist(ctx context.Context, e eventbus.Event) {
	wctx, cancel := context.WithTimeout(ctx, defaultPersistTimeout)
	defer cancel()
	switch e.Type {
	case eventbus.TypeActionSent, eventbus.TypeActionFailed:
		res, ok := e.Data.(actionqueue.Result)
		if !ok {
			return
		}
		if err := a.store.AppendAction(wctx, actionRecord(res, e.Type == eventbus.TypeActionSent)); err != nil {
			a.log.Warn("action record failed", logx.Err(err))
		}
	case eventbus.TypeControlChanged:
		st, ok := e.Data.(control.State)
		if !ok {
			return
		}
		b, err := json.Marshal(st)
		if err == nil {
			err = a.store.SaveState(wctx, b)
		}
		if err != nil {
			a.act.Add(activity.KindStatePersistErr, "err", err)
			a.log.Warn("state persist failed", logx.Err(err))
		}
	}
}

// restoreState loads the persisted control snapshot, if any.
func (a *App) restoreState(ctx context.Context, resume bool) error {
	data, ok, err := a.store.LoadState(ctx)
	if err != nil || !ok {
		return err
	}
	var st control.State
	if err := json.Unmarshal(data, &st); err != nil {
		return fmt.Errorf("decode persisted state: %w", err)
	}
	if err := a.ctrl.Restore(st, resume); err != nil {
		return err
	}
	a.log.Info("state restored",
		logx.Int("clients", len(st.Roster)),
		logx.Int("groups", len(st.Selection)),
		logx.Bool("running", a.ctrl.Running()),
	)
	return nil
}
