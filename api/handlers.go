package api

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"

	"exam-prep-server/config"
	"exam-prep-server/histerrors"
	"exam-prep-server/history"
	"exam-prep-server/identity"
	"exam-prep-server/record"
	"exam-prep-server/scorer"
)

const bearerPrefix = "Bearer "

// sessionTokenHeader carries a durable session token previously issued by
// the session endpoint.
const sessionTokenHeader = "X-Session-Token"

// Handler holds dependencies for API handlers.
type Handler struct {
	Config   *config.Config
	Adapter  *history.Adapter
	Resolver *identity.Resolver
}

// NewHandler creates a new API handler with the given dependencies.
func NewHandler(cfg *config.Config, adapter *history.Adapter, resolver *identity.Resolver) *Handler {
	return &Handler{Config: cfg, Adapter: adapter, Resolver: resolver}
}

// CORS sets CORS headers on the response. Call before writing body.
func CORS(w http.ResponseWriter, r *http.Request) bool {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, "+sessionTokenHeader)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return true
	}
	return false
}

// resolveIdentity builds the request context from headers and resolves the
// acting user.
func (h *Handler) resolveIdentity(r *http.Request) identity.Identity {
	rc := identity.RequestContext{
		SessionToken: r.Header.Get(sessionTokenHeader),
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, bearerPrefix) {
		rc.BearerToken = strings.TrimSpace(auth[len(bearerPrefix):])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	fp := map[string]string{}
	if ua := r.Header.Get("User-Agent"); ua != "" {
		fp["user_agent"] = ua
	}
	if lang := r.Header.Get("Accept-Language"); lang != "" {
		fp["accept_language"] = lang
	}
	if host != "" {
		fp["remote_host"] = host
	}
	rc.Fingerprint = fp
	return h.Resolver.Resolve(rc)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "tag", "api", "error", err)
	}
}

// sessionResponse is the JSON structure for GET /api/session.
type sessionResponse struct {
	UserID       string          `json:"user_id"`
	Method       identity.Method `json:"method"`
	Transient    bool            `json:"transient"`
	SessionToken string          `json:"session_token,omitempty"`
}

// Session resolves the caller's identity and, for durable identities, issues
// a session token the client can present on later requests.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	if CORS(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := h.resolveIdentity(r)
	resp := sessionResponse{UserID: id.UserID, Method: id.Method, Transient: id.Transient}
	if !id.Transient && id.Method != identity.MethodSessionToken {
		resp.SessionToken = h.Resolver.IssueToken(id)
	}
	writeJSON(w, http.StatusOK, resp)
}

// saveRequest is the JSON body for POST /api/history: the user's inputs plus
// the scorer collaborator's output for one attempt.
type saveRequest struct {
	Type            string         `json:"type"`
	Inputs          []record.Input `json:"inputs"`
	Scorer          scorer.Result  `json:"scorer"`
	DurationSeconds int            `json:"duration_seconds"`
}

// saveResponse is the caller-facing save contract.
type saveResponse struct {
	Status    history.Status `json:"status"`
	SessionID string         `json:"session_id"`
	Message   string         `json:"message,omitempty"`
	// Record is echoed on total failure so the UI can show the content for
	// manual copying.
	Record *record.PracticeRecord `json:"record,omitempty"`
}

// SaveHistory persists one practice attempt.
func (h *Handler) SaveHistory(w http.ResponseWriter, r *http.Request) {
	if CORS(w, r) {
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req saveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id := h.resolveIdentity(r)
	rec := scorer.BuildRecord(req.Scorer, id.UserID, req.Type, 0, req.Inputs, req.DurationSeconds)

	res := h.Adapter.Save(r.Context(), id, rec)
	switch res.Status {
	case history.StatusCommittedRemote:
		writeJSON(w, http.StatusOK, saveResponse{Status: res.Status, SessionID: res.SessionID})
	case history.StatusCommittedFallback:
		writeJSON(w, http.StatusAccepted, saveResponse{
			Status: res.Status, SessionID: res.SessionID,
			Message: "ローカルに保存しました。接続回復後に同期されます。",
		})
	default:
		status := http.StatusInternalServerError
		if histerrors.IsValidation(res.Err) {
			status = http.StatusUnprocessableEntity
		}
		msg := "保存に失敗しました。"
		if res.Err != nil {
			msg = res.Err.Error()
		}
		writeJSON(w, status, saveResponse{
			Status: res.Status, SessionID: res.SessionID, Message: msg, Record: &rec,
		})
	}
}

// History returns the merged practice history for the acting user.
// Query parameters: type (any historical spelling), limit, offset.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	if CORS(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := h.resolveIdentity(r)

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 50
	}
	if limit > h.Config.MaxHistoryLimit {
		limit = h.Config.MaxHistoryLimit
	}
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if offset < 0 {
		offset = 0
	}

	list, err := h.Adapter.LoadHistory(r.Context(), id.UserID, r.URL.Query().Get("type"), limit, offset)
	if err != nil {
		slog.Error("load history", "tag", "api", "error", err)
		http.Error(w, "failed to load history", http.StatusInternalServerError)
		return
	}
	if list == nil {
		list = []record.PracticeRecord{}
	}
	writeJSON(w, http.StatusOK, list)
}

// deleteResponse is the caller-facing deletion contract.
type deleteResponse struct {
	DeletedRemote   int64 `json:"deleted_remote"`
	DeletedFallback int   `json:"deleted_fallback"`
	Partial         bool  `json:"partial"`
}

// DeleteHistory deletes the acting user's history for one type from both
// stores. Partial failure is reported, never hidden.
func (h *Handler) DeleteHistory(w http.ResponseWriter, r *http.Request) {
	if CORS(w, r) {
		return
	}
	if r.Method != http.MethodDelete {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	typeName := r.URL.Query().Get("type")
	if typeName == "" {
		http.Error(w, "type parameter required", http.StatusBadRequest)
		return
	}
	id := h.resolveIdentity(r)

	res := h.Adapter.DeleteHistoryByType(r.Context(), id.UserID, typeName)
	resp := deleteResponse{
		DeletedRemote:   res.DeletedRemote,
		DeletedFallback: res.DeletedFallback,
		Partial:         res.Partial(),
	}
	if res.RemoteErr != nil && res.FallbackErr != nil {
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// Stats returns aggregated statistics over the acting user's merged history.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	if CORS(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := h.resolveIdentity(r)
	stats, err := h.Adapter.Stats(r.Context(), id.UserID)
	if err != nil {
		slog.Error("load stats", "tag", "api", "error", err)
		http.Error(w, "failed to load statistics", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Themes returns recently used themes for one exercise type.
func (h *Handler) Themes(w http.ResponseWriter, r *http.Request) {
	if CORS(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := h.resolveIdentity(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	themes, err := h.Adapter.RecentThemes(r.Context(), id.UserID, r.URL.Query().Get("type"), limit)
	if err != nil {
		slog.Error("load themes", "tag", "api", "error", err)
		http.Error(w, "failed to load themes", http.StatusInternalServerError)
		return
	}
	if themes == nil {
		themes = []string{}
	}
	writeJSON(w, http.StatusOK, themes)
}
