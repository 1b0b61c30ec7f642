package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"pkt.systems/accountdeck/internal/eventbus"
	"pkt.systems/accountdeck/internal/logx"
	"pkt.systems/accountdeck/schema"
)

// Engine is the account engine surface exposed over HTTP.
type Engine interface {
	Stats() schema.PerformanceStats
	Memory(ctx context.Context) schema.MemoryUsage
	Accounts(ctx context.Context) []schema.AccountStatus
	Account(ctx context.Context, id schema.AccountID) (schema.AccountStatus, error)
	CheckNow(ctx context.Context, id schema.AccountID) (schema.CheckResult, error)
	Activate(ctx context.Context, id schema.AccountID) (schema.SurfaceInfo, schema.RecoveryResult)
	Suspend(ctx context.Context, id schema.AccountID) error
	Destroy(ctx context.Context, id schema.AccountID) error
	Reconnect(ctx context.Context, id schema.AccountID) schema.RecoveryResult
	Recover(ctx context.Context, id schema.AccountID, backup bool) schema.RecoveryResult
	Reset(ctx context.Context, id schema.AccountID, backup, reload bool) schema.RecoveryResult
	Backups(ctx context.Context, id schema.AccountID) ([]schema.SnapshotInfo, error)
	Restore(ctx context.Context, id schema.AccountID, snap schema.SnapshotID) schema.RecoveryResult
}

// EventSource replays and streams engine events.
type EventSource interface {
	SubscribeFrom(id schema.AccountID, after uint64) (<-chan eventbus.Event, []eventbus.Event, func())
}

// Server serves the diagnostics API.
type Server struct {
	cfg      Config
	engine   Engine
	events   EventSource
	metrics  http.Handler
	basePath string
}

// NewServer constructs an HTTP server. metrics may be nil.
func NewServer(cfg Config, engine Engine, events EventSource, metrics http.Handler) *Server {
	return &Server{
		cfg:      cfg,
		engine:   engine,
		events:   events,
		metrics:  metrics,
		basePath: normalizeBasePath(cfg.BasePath),
	}
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/memory", s.handleMemory)
	mux.HandleFunc("GET /api/accounts", s.handleAccounts)
	mux.HandleFunc("GET /api/accounts/{id}", s.handleAccount)
	mux.HandleFunc("GET /api/accounts/{id}/backups", s.handleBackups)
	mux.HandleFunc("POST /api/accounts/{id}/{action}", s.handleAction)
	mux.HandleFunc("GET /api/health/{id}", s.handleHealth)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics)
	}
	return mountBasePath(s.basePath, withRequestLogging(mux))
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats())
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Memory(r.Context()))
}

func (s *Server) handleAccounts(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"accounts": s.engine.Accounts(r.Context())})
}

func (s *Server) handleAccount(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	status, err := s.engine.Account(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	backups, err := s.engine.Backups(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"backups": backups})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	result, err := s.engine.CheckNow(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type actionRequest struct {
	Backup   *bool  `json:"backup,omitempty"`
	Reload   *bool  `json:"reload,omitempty"`
	Snapshot string `json:"snapshot,omitempty"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	id, ok := accountID(w, r)
	if !ok {
		return
	}
	var req actionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeError(w, schema.NewError(schema.CategoryInvalid, "malformed request body", err))
		return
	}
	ctx := logx.ContextWithAccount(r.Context(), id)
	log := logx.WithAccountOp(ctx, id, r.PathValue("action"))
	switch r.PathValue("action") {
	case "activate":
		info, res := s.engine.Activate(ctx, id)
		if !res.Success {
			writeResult(w, res)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"surface": info, "result": res})
	case "suspend":
		if err := s.engine.Suspend(ctx, id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "destroy":
		if err := s.engine.Destroy(ctx, id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	case "reconnect":
		writeResult(w, s.engine.Reconnect(ctx, id))
	case "recover":
		writeResult(w, s.engine.Recover(ctx, id, boolOr(req.Backup, true)))
	case "reset":
		writeResult(w, s.engine.Reset(ctx, id, boolOr(req.Backup, true), boolOr(req.Reload, true)))
	case "restore":
		if req.Snapshot == "" {
			writeError(w, schema.NewError(schema.CategoryInvalid, "snapshot is required", nil))
			return
		}
		writeResult(w, s.engine.Restore(ctx, id, schema.SnapshotID(req.Snapshot)))
	default:
		log.Debug("http unknown action")
		writeError(w, schema.NewError(schema.CategoryInvalid, "unknown action", nil))
	}
}

func accountID(w http.ResponseWriter, r *http.Request) (schema.AccountID, bool) {
	id, err := schema.NormalizeAccountID(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return "", false
	}
	return id, true
}

func boolOr(v *bool, fallback bool) bool {
	if v == nil {
		return fallback
	}
	return *v
}

func decodeJSON(body io.Reader, target any) error {
	decoder := json.NewDecoder(body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError renders the user-facing message only; the wrapped cause stays in the logs.
func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(schema.CategoryOf(err), err), map[string]any{
		"error":    schema.UserMessage(err),
		"category": schema.CategoryOf(err),
		"action":   schema.SuggestedAction(err),
	})
}

func writeResult(w http.ResponseWriter, res schema.RecoveryResult) {
	status := http.StatusOK
	if !res.Success {
		status = statusFor(res.Category, nil)
	}
	writeJSON(w, status, res)
}

func statusFor(category schema.Category, err error) int {
	switch category {
	case "":
		return http.StatusOK
	case schema.CategoryInvalid:
		if errors.Is(err, schema.ErrAccountNotFound) || errors.Is(err, schema.ErrSnapshotNotFound) {
			return http.StatusNotFound
		}
		return http.StatusBadRequest
	case schema.CategoryCapacity:
		return http.StatusTooManyRequests
	case schema.CategoryAuthentication, schema.CategoryCorruption:
		return http.StatusConflict
	case schema.CategoryCreation:
		return http.StatusBadGateway
	case schema.CategoryConnectivity:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
