// Package history is the public save/read/delete contract over the two
// backends. Callers never learn which store served a request; the adapter
// canonicalizes types, attempts the remote store, and degrades to the local
// fallback store on unavailability.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"exam-prep-server/exercise"
	"exam-prep-server/histerrors"
	"exam-prep-server/identity"
	"exam-prep-server/notify"
	"exam-prep-server/record"
)

// Remote is what the adapter needs from the relational backend.
type Remote interface {
	WriteRecord(ctx context.Context, rec record.PracticeRecord) error
	QueryHistory(ctx context.Context, userID string, typeKeys []string, limit, offset int) ([]record.PracticeRecord, error)
	DeleteByType(ctx context.Context, userID string, typeKeys []string) (int64, error)
}

// Fallback is what the adapter needs from the local file store.
type Fallback interface {
	Write(rec record.PracticeRecord) error
	ListUnsynced() ([]record.PracticeRecord, error)
	MarkSynced(sessionID string) error
	ReadAll(userID string, typeKeys []string) ([]record.PracticeRecord, error)
	DeleteByType(userID string, typeKeys []string) (int, error)
}

// Status is the caller-visible outcome of a save.
type Status string

const (
	StatusCommittedRemote   Status = "committed_remote"
	StatusCommittedFallback Status = "committed_fallback"
	StatusFailed            Status = "failed"
)

// SaveResult reports where (or whether) a record was persisted.
type SaveResult struct {
	Status    Status `json:"status"`
	SessionID string `json:"session_id"`
	Err       error  `json:"-"`
}

// DeleteResult reports per-store deletion outcomes. A failure in one store
// never masquerades as full success.
type DeleteResult struct {
	DeletedRemote   int64 `json:"deleted_remote"`
	DeletedFallback int   `json:"deleted_fallback"`
	RemoteErr       error `json:"-"`
	FallbackErr     error `json:"-"`
}

// Partial reports whether deletion succeeded in one store but not the other.
func (d DeleteResult) Partial() bool {
	return (d.RemoteErr == nil) != (d.FallbackErr == nil)
}

// Adapter composes the type registry, the two stores and the notifier.
type Adapter struct {
	remote        Remote
	fb            Fallback
	reg           *exercise.Registry
	hub           *notify.Hub
	remoteTimeout time.Duration
}

// NewAdapter wires the facade. hub may be nil. remoteTimeout bounds every
// remote call so a slow store degrades to fallback instead of hanging.
func NewAdapter(remote Remote, fb Fallback, reg *exercise.Registry, remoteTimeout time.Duration, hub *notify.Hub) *Adapter {
	if remoteTimeout <= 0 {
		remoteTimeout = 3 * time.Second
	}
	return &Adapter{remote: remote, fb: fb, reg: reg, hub: hub, remoteTimeout: remoteTimeout}
}

func (a *Adapter) remoteCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, a.remoteTimeout)
}

// typeKeysFor resolves a raw type name to the canonical key plus every
// historical alias, for alias-tolerant reads and deletes. ok is false when
// the name is unmapped.
func (a *Adapter) typeKeysFor(rawType string) (canonical string, keys []string, ok bool) {
	if rawType == "" {
		return "", nil, true
	}
	t, found := a.reg.Canonicalize(rawType)
	if !found {
		return t.Key, []string{t.Key}, false
	}
	return t.Key, a.reg.AliasesFor(t.Key), true
}

// Save persists one attempt. State machine per call: attempt remote →
// committed remote, or on unavailability write fallback → committed fallback
// (degraded), or fallback failure → failed. Validation errors fail
// immediately and are never retried against the fallback store.
func (a *Adapter) Save(ctx context.Context, id identity.Identity, rec record.PracticeRecord) SaveResult {
	rec.UserID = id.UserID
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	// An unmapped type is stored under the explicit unclassified key, never
	// dropped.
	t, mapped := a.reg.Canonicalize(rec.CanonicalType)
	if !mapped {
		slog.Warn("unmapped exercise type, storing as unclassified",
			"tag", "history", "raw_type", rec.CanonicalType)
	}
	rec.CanonicalType = t.Key
	rec.CategoryID = t.CategoryID

	if err := rec.Validate(); err != nil {
		return SaveResult{Status: StatusFailed, SessionID: rec.SessionID, Err: err}
	}

	// Transient identities must not create remote user-scoped rows; their
	// records live in the fallback store only.
	if !id.Transient {
		rctx, cancel := a.remoteCtx(ctx)
		err := a.remote.WriteRecord(rctx, rec)
		cancel()
		switch {
		case err == nil:
			return SaveResult{Status: StatusCommittedRemote, SessionID: rec.SessionID}
		case errors.Is(err, histerrors.ErrDuplicateSession):
			// The session is already stored; a duplicated save call is
			// treated as success rather than producing a second row.
			return SaveResult{Status: StatusCommittedRemote, SessionID: rec.SessionID}
		case histerrors.IsValidation(err):
			return SaveResult{Status: StatusFailed, SessionID: rec.SessionID, Err: err}
		case errors.Is(err, histerrors.ErrRemoteUnavailable),
			errors.Is(err, histerrors.ErrNotConfigured),
			errors.Is(err, histerrors.ErrPartialCommit),
			errors.Is(err, histerrors.ErrTypeUnmapped):
			slog.Warn("remote write failed, degrading to fallback",
				"tag", "history", "session_id", rec.SessionID, "error", err)
		default:
			// Server-reported data error: local storage would not fix it.
			return SaveResult{Status: StatusFailed, SessionID: rec.SessionID, Err: err}
		}
	}

	if err := a.fb.Write(rec); err != nil {
		slog.Error("record persisted nowhere",
			"tag", "history", "session_id", rec.SessionID, "error", err)
		a.hub.Publish(notify.Event{
			Kind: notify.EventSaveFailed, UserID: rec.UserID,
			SessionID: rec.SessionID, ExerciseType: rec.CanonicalType,
			Message: "保存に失敗しました。内容を手元に控えてください。",
		})
		return SaveResult{
			Status: StatusFailed, SessionID: rec.SessionID,
			Err: fmt.Errorf("%w: %v", histerrors.ErrFallbackWriteFailed, err),
		}
	}
	a.hub.Publish(notify.Event{
		Kind: notify.EventFallbackCommit, UserID: rec.UserID,
		SessionID: rec.SessionID, ExerciseType: rec.CanonicalType,
		Message: "ローカルに保存しました。接続回復後に同期されます。",
	})
	return SaveResult{Status: StatusCommittedFallback, SessionID: rec.SessionID}
}

// LoadHistory merges both stores, dedupes by session id (remote copy wins)
// and returns records newest first. rawType may be any historical spelling;
// empty means all types.
func (a *Adapter) LoadHistory(ctx context.Context, userID, rawType string, limit, offset int) ([]record.PracticeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	canonical, keys, mapped := a.typeKeysFor(rawType)
	if rawType != "" && !mapped {
		slog.Warn("unknown exercise type for loading",
			"tag", "history", "raw_type", rawType, "resolved", canonical)
	}

	rctx, cancel := a.remoteCtx(ctx)
	remote, remoteErr := a.remote.QueryHistory(rctx, userID, keys, limit+offset, 0)
	cancel()
	if remoteErr != nil {
		if !errors.Is(remoteErr, histerrors.ErrRemoteUnavailable) && !errors.Is(remoteErr, histerrors.ErrNotConfigured) {
			return nil, remoteErr
		}
		slog.Warn("remote history unavailable, serving fallback only",
			"tag", "history", "error", remoteErr)
	}

	local, err := a.fb.ReadAll(userID, keys)
	if err != nil {
		if remoteErr != nil {
			return nil, err
		}
		slog.Warn("fallback read failed, serving remote only", "tag", "history", "error", err)
	}

	merged := mergeRecords(remote, local)
	if offset >= len(merged) {
		return []record.PracticeRecord{}, nil
	}
	merged = merged[offset:]
	if len(merged) > limit {
		merged = merged[:limit]
	}
	return merged, nil
}

// LoadHistoryByType returns the user's records for one type, newest first.
func (a *Adapter) LoadHistoryByType(ctx context.Context, userID, rawType string, limit int) ([]record.PracticeRecord, error) {
	return a.LoadHistory(ctx, userID, rawType, limit, 0)
}

// DeleteHistoryByType deletes from both stores and reports per-store counts.
func (a *Adapter) DeleteHistoryByType(ctx context.Context, userID, rawType string) DeleteResult {
	canonical, keys, mapped := a.typeKeysFor(rawType)
	if !mapped {
		slog.Warn("unknown exercise type for deletion",
			"tag", "history", "raw_type", rawType, "resolved", canonical)
	}
	var res DeleteResult

	rctx, cancel := a.remoteCtx(ctx)
	res.DeletedRemote, res.RemoteErr = a.remote.DeleteByType(rctx, userID, keys)
	cancel()
	if errors.Is(res.RemoteErr, histerrors.ErrNotConfigured) {
		// Fallback-only mode: nothing remote to delete.
		res.RemoteErr = nil
	}

	res.DeletedFallback, res.FallbackErr = a.fb.DeleteByType(userID, keys)

	if res.RemoteErr != nil || res.FallbackErr != nil {
		slog.Warn("deletion incomplete", "tag", "history",
			"type", canonical, "remote_err", res.RemoteErr, "fallback_err", res.FallbackErr)
	}
	return res
}

// Replay pushes unsynced fallback records to the remote store, oldest first.
// Idempotent under at-least-once delivery: a duplicate-session response means
// the record already landed remotely and is marked synced. Transient-user
// records are skipped. Returns how many records were synced.
func (a *Adapter) Replay(ctx context.Context) (int, error) {
	pending, err := a.fb.ListUnsynced()
	if err != nil {
		return 0, err
	}
	synced := 0
	for _, rec := range pending {
		if identity.IsTransientUserID(rec.UserID) {
			continue
		}
		rctx, cancel := a.remoteCtx(ctx)
		err := a.remote.WriteRecord(rctx, rec)
		cancel()
		switch {
		case err == nil, errors.Is(err, histerrors.ErrDuplicateSession):
			if markErr := a.fb.MarkSynced(rec.SessionID); markErr != nil {
				slog.Error("mark synced failed", "tag", "history",
					"session_id", rec.SessionID, "error", markErr)
				continue
			}
			synced++
			a.hub.Publish(notify.Event{
				Kind: notify.EventReplaySynced, UserID: rec.UserID,
				SessionID: rec.SessionID, ExerciseType: rec.CanonicalType,
			})
		case errors.Is(err, histerrors.ErrRemoteUnavailable),
			errors.Is(err, histerrors.ErrNotConfigured):
			// Store still down; later records would fail the same way.
			return synced, err
		default:
			slog.Error("replay rejected by remote store", "tag", "history",
				"session_id", rec.SessionID, "error", err)
		}
	}
	return synced, nil
}

// mergeRecords combines remote and fallback results, deduping by session id.
// When the same session exists in both (a replayed record not yet marked
// synced) the remote copy wins. Sorted by createdAt descending.
func mergeRecords(remote, local []record.PracticeRecord) []record.PracticeRecord {
	seen := make(map[string]struct{}, len(remote))
	out := make([]record.PracticeRecord, 0, len(remote)+len(local))
	for _, r := range remote {
		seen[r.SessionID] = struct{}{}
		out = append(out, r)
	}
	for _, r := range local {
		if _, dup := seen[r.SessionID]; dup {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
