package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"exam-prep-server/config"
	"exam-prep-server/exercise"
	"exam-prep-server/fallback"
	"exam-prep-server/history"
	"exam-prep-server/identity"
	"exam-prep-server/record"
	"exam-prep-server/storage"
)

// newTestHandler wires a handler in fallback-only mode: no database, no auth
// provider. Requests resolve to fingerprint identities and records land in
// the local store.
func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	fb, err := fallback.NewStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	adapter := history.NewAdapter((*storage.Store)(nil), fb, exercise.NewRegistry(), time.Second, nil)
	resolver := identity.NewResolver("", time.Hour)
	return NewHandler(config.Defaults(), adapter, resolver)
}

func newRequest(method, target, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	r.Header.Set("User-Agent", "test-agent/1.0")
	r.Header.Set("Accept-Language", "ja")
	return r
}

func TestSession_AnonymousIsTransient(t *testing.T) {
	h := newTestHandler(t)
	w := httptest.NewRecorder()
	h.Session(w, newRequest(http.MethodGet, "/api/session", ""))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp struct {
		UserID       string `json:"user_id"`
		Transient    bool   `json:"transient"`
		SessionToken string `json:"session_token"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Transient {
		t.Error("anonymous identity must be transient")
	}
	if !strings.HasPrefix(resp.UserID, "temp_") {
		t.Errorf("transient id should carry temp_ prefix, got %q", resp.UserID)
	}
	if resp.SessionToken != "" {
		t.Error("transient identities must not receive session tokens")
	}
}

func TestSaveHistory_FallbackOnlyModeCommitsLocally(t *testing.T) {
	h := newTestHandler(t)
	body := `{
		"type": "essay_practice",
		"inputs": [{"label": "question", "content": "お題"}, {"label": "answer", "content": "回答"}],
		"scorer": {"scores": [{"category": "logic", "value": 8.5, "max": 10}], "feedback_text": "良い構成です"},
		"duration_seconds": 300
	}`
	w := httptest.NewRecorder()
	h.SaveHistory(w, newRequest(http.MethodPost, "/api/history", body))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	var resp struct {
		Status    string `json:"status"`
		SessionID string `json:"session_id"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != string(history.StatusCommittedFallback) {
		t.Errorf("status = %q, want committed_fallback", resp.Status)
	}
	if resp.SessionID == "" {
		t.Error("session id missing")
	}
	if resp.Message == "" {
		t.Error("degraded commit must carry a user-facing message")
	}

	// The same fingerprint reads its record back.
	w = httptest.NewRecorder()
	h.History(w, newRequest(http.MethodGet, "/api/history?type=essay_practice", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("history status = %d", w.Code)
	}
	var list []record.PracticeRecord
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 record, got %d", len(list))
	}
	if list[0].SessionID != resp.SessionID {
		t.Errorf("session id mismatch: %q vs %q", list[0].SessionID, resp.SessionID)
	}
	if list[0].Feedback == nil || list[0].Feedback.Content != "良い構成です" {
		t.Errorf("feedback not preserved: %+v", list[0].Feedback)
	}
}

func TestSaveHistory_ValidationError(t *testing.T) {
	h := newTestHandler(t)
	body := `{
		"type": "essay_practice",
		"inputs": [{"label": "answer", "content": "回答"}],
		"scorer": {"scores": [{"category": "logic", "value": 11, "max": 10}]}
	}`
	w := httptest.NewRecorder()
	h.SaveHistory(w, newRequest(http.MethodPost, "/api/history", body))

	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", w.Code)
	}
	var resp struct {
		Status string                 `json:"status"`
		Record *record.PracticeRecord `json:"record"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != string(history.StatusFailed) {
		t.Errorf("status = %q, want failed", resp.Status)
	}
	// The record is echoed back so the client can preserve the content.
	if resp.Record == nil || len(resp.Record.Inputs) != 1 {
		t.Errorf("rejected record not echoed: %+v", resp.Record)
	}
}

func TestSaveHistory_InvalidBody(t *testing.T) {
	h := newTestHandler(t)
	w := httptest.NewRecorder()
	h.SaveHistory(w, newRequest(http.MethodPost, "/api/history", "{not json"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestHistory_EmptyIsJSONArray(t *testing.T) {
	h := newTestHandler(t)
	w := httptest.NewRecorder()
	h.History(w, newRequest(http.MethodGet, "/api/history", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := strings.TrimSpace(w.Body.String()); got != "[]" {
		t.Errorf("empty history should encode as [], got %s", got)
	}
}

func TestDeleteHistory_RequiresType(t *testing.T) {
	h := newTestHandler(t)
	w := httptest.NewRecorder()
	h.DeleteHistory(w, newRequest(http.MethodDelete, "/api/history", ""))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestDeleteHistory_FallbackOnly(t *testing.T) {
	h := newTestHandler(t)
	body := `{"type": "essay_practice", "inputs": [{"label": "answer", "content": "回答"}], "scorer": {}}`
	w := httptest.NewRecorder()
	h.SaveHistory(w, newRequest(http.MethodPost, "/api/history", body))
	if w.Code != http.StatusAccepted {
		t.Fatalf("save status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.DeleteHistory(w, newRequest(http.MethodDelete, "/api/history?type=essay_practice", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}
	var resp struct {
		DeletedRemote   int64 `json:"deleted_remote"`
		DeletedFallback int   `json:"deleted_fallback"`
		Partial         bool  `json:"partial"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.DeletedFallback != 1 {
		t.Errorf("deleted_fallback = %d, want 1", resp.DeletedFallback)
	}
	// No database configured means there is nothing remote to delete; that is
	// not a partial failure.
	if resp.Partial {
		t.Error("fallback-only deletion must not report partial")
	}
}

func TestStatsAndThemes(t *testing.T) {
	h := newTestHandler(t)
	body := `{
		"type": "essay_practice",
		"inputs": [{"label": "theme", "content": "地域医療"}, {"label": "answer", "content": "回答"}],
		"scorer": {"scores": [{"category": "logic", "value": 8, "max": 10}]}
	}`
	w := httptest.NewRecorder()
	h.SaveHistory(w, newRequest(http.MethodPost, "/api/history", body))
	if w.Code != http.StatusAccepted {
		t.Fatalf("save status = %d", w.Code)
	}

	w = httptest.NewRecorder()
	h.Stats(w, newRequest(http.MethodGet, "/api/stats", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("stats status = %d", w.Code)
	}
	var stats history.Stats
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.TotalSessions != 1 {
		t.Errorf("total_sessions = %d, want 1", stats.TotalSessions)
	}

	w = httptest.NewRecorder()
	h.Themes(w, newRequest(http.MethodGet, "/api/themes?type=essay_practice", ""))
	if w.Code != http.StatusOK {
		t.Fatalf("themes status = %d", w.Code)
	}
	var themes []string
	if err := json.Unmarshal(w.Body.Bytes(), &themes); err != nil {
		t.Fatal(err)
	}
	if len(themes) != 1 || themes[0] != "地域医療" {
		t.Errorf("themes = %v", themes)
	}
}

func TestCORSPreflight(t *testing.T) {
	h := newTestHandler(t)
	w := httptest.NewRecorder()
	h.History(w, newRequest(http.MethodOptions, "/api/history", ""))
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status = %d, want 204", w.Code)
	}
	if w.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS origin header")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	h := newTestHandler(t)
	cases := []struct {
		name    string
		handler http.HandlerFunc
		method  string
	}{
		{"session post", h.Session, http.MethodPost},
		{"save get", h.SaveHistory, http.MethodGet},
		{"history post", h.History, http.MethodPost},
		{"delete get", h.DeleteHistory, http.MethodGet},
	}
	for _, c := range cases {
		w := httptest.NewRecorder()
		c.handler(w, newRequest(c.method, "/api/x", ""))
		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s: status = %d, want 405", c.name, w.Code)
		}
	}
}
