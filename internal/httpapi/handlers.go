package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/elliotchance/pie/v2"
	"github.com/go-playground/validator/v10"

	"github.com/loorksy/whatsapp-bot-backend/internal/activity"
	"github.com/loorksy/whatsapp-bot-backend/internal/backfill"
	"github.com/loorksy/whatsapp-bot-backend/internal/control"
	"github.com/loorksy/whatsapp-bot-backend/internal/match"
	"github.com/loorksy/whatsapp-bot-backend/internal/transport"
	logx "github.com/loorksy/whatsapp-bot-backend/pkg/logx"
)

const (
	maxBodyBytes        = 1 << 20
	defaultActionsLimit = 100
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

type selectRequest struct {
	IDs []string `json:"ids" validate:"required,max=1000"`
}

type scanRequest struct {
	StartAt *control.Timestamp `json:"startAt"`
	Limit   int                `json:"limit" validate:"gte=0"`
	Groups  []string           `json:"groups" validate:"omitempty,max=1000"`
}

type startRequest struct {
	Clients  []match.Client        `json:"clients" validate:"max=10000"`
	Settings control.SettingsPatch `json:"settings"`
}

type healthResponse struct {
	Status           string           `json:"status"`
	IsReady          bool             `json:"isReady"`
	Running          bool             `json:"running"`
	SelectedGroupIDs []string         `json:"selectedGroupIds"`
	EmptySelection   string           `json:"emptySelection"`
	Settings         control.Settings `json:"settings"`
	Clients          int              `json:"clients"`
	Queue            int              `json:"queue"`
	Transport        string           `json:"transport"`
	Rate             *rateStatus      `json:"rate,omitempty"`
	Runtime          any              `json:"runtime,omitempty"`
}

type rateStatus struct {
	InWindow  int     `json:"inWindow"`
	PerMinute int     `json:"perMinute"`
	Cooldown  float64 `json:"cooldown"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Control.Snapshot()
	resp := healthResponse{
		Status:           "ok",
		IsReady:          s.deps.Transport.IsReady(),
		Running:          snap.Running,
		SelectedGroupIDs: nonNil(snap.Selection),
		EmptySelection:   string(snap.EmptySelection),
		Settings:         snap.Settings,
		Clients:          len(snap.Roster),
		Queue:            s.deps.Queue.Len(),
		Transport:        s.deps.Transport.Name(),
	}
	if lim := s.deps.Limiter; lim != nil {
		perMinute, cooldown := lim.Limits()
		resp.Rate = &rateStatus{InWindow: lim.InWindow(), PerMinute: perMinute, Cooldown: cooldown.Seconds()}
	}
	if s.deps.Runtime != nil {
		resp.Runtime = s.deps.Runtime()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	code := ""
	if s.deps.Session != nil {
		code = s.deps.Session.PairingCode()
	}
	if code != "" {
		url, err := s.qr.dataURL(code)
		if err != nil {
			s.log.Warn("qr encode failed", logx.Err(err))
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"qr": url})
		return
	}
	if s.deps.Transport.IsReady() {
		writeJSON(w, http.StatusOK, map[string]string{"message": "Already connected"})
		return
	}
	writeError(w, http.StatusServiceUnavailable, "QR not ready")
}

func (s *Server) handleChats(w http.ResponseWriter, r *http.Request) {
	if !s.deps.Transport.IsReady() {
		writeError(w, http.StatusServiceUnavailable, "transport not ready")
		return
	}
	convs, err := s.deps.Transport.Conversations(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	groups := pie.Filter(convs, func(c transport.Conversation) bool { return c.IsGroup })
	writeJSON(w, http.StatusOK, nonNil(groups))
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req selectRequest
	if !decode(w, r, &req, false) {
		return
	}
	ids := s.deps.Control.SelectConversations(req.IDs)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "selectedGroupIds": nonNil(ids)})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if !decode(w, r, &req, true) {
		return
	}
	snap, err := s.deps.Control.Start(control.StartRequest{Clients: req.Clients, Settings: req.Settings})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"running":  snap.Running,
		"settings": snap.Settings,
		"clients":  nonNil(snap.Roster),
	})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	snap := s.deps.Control.Stop("api")
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "running": snap.Running, "queue": s.deps.Queue.Len()})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var req scanRequest
	if !decode(w, r, &req, true) {
		return
	}
	if req.StartAt == nil || req.StartAt.IsZero() {
		writeError(w, http.StatusBadRequest, "startAt is required")
		return
	}
	// The scan keeps going when the caller hangs up; items already queued
	// would be drained anyway.
	ctx := s.base
	rep, err := s.deps.Scanner.Scan(ctx, backfill.Request{
		StartAt:       req.StartAt.Time,
		Limit:         req.Limit,
		Conversations: req.Groups,
	})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	n := s.deps.Queue.Flush()
	s.deps.Activity.Add(activity.KindQueueFlushed, "cleared", n)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "cleared": n})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": nonNil(s.deps.Queue.Snapshot())})
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r, 0)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, nonNil(s.deps.Activity.Recent(limit)))
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request) {
	if s.deps.Actions == nil {
		writeError(w, http.StatusNotFound, "storage disabled")
		return
	}
	limit, ok := queryLimit(w, r, defaultActionsLimit)
	if !ok {
		return
	}
	recs, err := s.deps.Actions.RecentActions(r.Context(), limit)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(recs))
}

func queryLimit(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// decode reads a JSON body into dst and validates it. allowEmpty accepts a
// missing body as the zero value.
func decode(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !(allowEmpty && errors.Is(err, io.EOF)) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid body: %v", err))
		return false
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err.Error()
	}
	fe := verrs[0]
	if fe.Tag() == "required" {
		return fmt.Sprintf("%s is required", fe.Field())
	}
	return fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag())
}

// writeFailure maps pipeline errors onto status codes.
func writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, control.ErrInvalidSettings):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, transport.ErrNotReady):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, transport.ErrUnsupported):
		writeError(w, http.StatusNotImplemented, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
