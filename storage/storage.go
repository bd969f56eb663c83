package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"exam-prep-server/exercise"
	"exam-prep-server/histerrors"
	"exam-prep-server/record"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS exercise_categories (
	category_id   SMALLINT PRIMARY KEY,
	category_key  TEXT NOT NULL UNIQUE,
	display_name  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS exercise_types (
	exercise_type_id INT PRIMARY KEY,
	category_id      SMALLINT NOT NULL REFERENCES exercise_categories(category_id),
	type_name        TEXT NOT NULL UNIQUE,
	display_name     TEXT NOT NULL,
	is_active        BOOLEAN NOT NULL DEFAULT TRUE
);
CREATE TABLE IF NOT EXISTS practice_sessions (
	session_id       UUID PRIMARY KEY,
	user_id          TEXT NOT NULL,
	exercise_type_id INT NOT NULL REFERENCES exercise_types(exercise_type_id),
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	duration_seconds INT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_practice_sessions_user ON practice_sessions(user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_practice_sessions_user_type ON practice_sessions(user_id, exercise_type_id);
CREATE TABLE IF NOT EXISTS session_inputs (
	input_id    UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	session_id  UUID NOT NULL REFERENCES practice_sessions(session_id) ON DELETE CASCADE,
	position    INT NOT NULL,
	input_label TEXT NOT NULL,
	content     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_inputs_session ON session_inputs(session_id);
CREATE TABLE IF NOT EXISTS session_scores (
	score_id       UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	session_id     UUID NOT NULL REFERENCES practice_sessions(session_id) ON DELETE CASCADE,
	score_category TEXT NOT NULL,
	score_value    DOUBLE PRECISION NOT NULL,
	max_score      DOUBLE PRECISION NOT NULL CHECK (max_score > 0)
);
CREATE INDEX IF NOT EXISTS idx_session_scores_session ON session_scores(session_id);
CREATE TABLE IF NOT EXISTS session_feedback (
	feedback_id   UUID PRIMARY KEY DEFAULT gen_random_uuid(),
	session_id    UUID NOT NULL REFERENCES practice_sessions(session_id) ON DELETE CASCADE,
	feedback_kind TEXT NOT NULL,
	content       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_feedback_session ON session_feedback(session_id);
`

// Store is the thin client over the remote relational backend. A nil *Store
// is valid and reports ErrNotConfigured from every call, so the adapter can
// run in fallback-only mode without special-casing.
type Store struct {
	pool *pgxpool.Pool

	mu      sync.RWMutex
	typeIDs map[string]int
}

// NewStore connects to Postgres, ensures the schema exists and seeds the
// fixed categories plus the registry's canonical types. If databaseURL is
// empty, NewStore returns (nil, nil) and the caller runs degraded.
func NewStore(ctx context.Context, databaseURL string, reg *exercise.Registry) (*Store, error) {
	if databaseURL == "" {
		return nil, nil
	}
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}
	s := &Store{pool: pool, typeIDs: make(map[string]int)}
	if err := s.seed(ctx, reg); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.loadTypeIDs(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	slog.Info("connected to Postgres", "tag", "storage", "types", len(s.typeIDs))
	return s, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) seed(ctx context.Context, reg *exercise.Registry) error {
	for _, c := range exercise.Categories() {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO exercise_categories (category_id, category_key, display_name)
			VALUES ($1, $2, $3) ON CONFLICT (category_id) DO NOTHING`,
			c.ID, c.Key, c.DisplayName)
		if err != nil {
			return err
		}
	}
	for _, t := range reg.Types() {
		_, err := s.pool.Exec(ctx, `
			INSERT INTO exercise_types (exercise_type_id, category_id, type_name, display_name)
			VALUES ($1, $2, $3, $4) ON CONFLICT (exercise_type_id) DO NOTHING`,
			t.ID, t.CategoryID, t.Key, t.DisplayName)
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) loadTypeIDs(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `SELECT type_name, exercise_type_id FROM exercise_types WHERE is_active`)
	if err != nil {
		return err
	}
	defer rows.Close()
	s.mu.Lock()
	defer s.mu.Unlock()
	for rows.Next() {
		var name string
		var id int
		if err := rows.Scan(&name, &id); err != nil {
			return err
		}
		s.typeIDs[name] = id
	}
	return rows.Err()
}

// ListTypes returns every active exercise type registered remotely, so the
// registry can fold in types the builtin table does not know about.
func (s *Store) ListTypes(ctx context.Context) ([]exercise.Type, error) {
	if s == nil || s.pool == nil {
		return nil, histerrors.ErrNotConfigured
	}
	rows, err := s.pool.Query(ctx, `
		SELECT exercise_type_id, category_id, type_name, display_name
		FROM exercise_types WHERE is_active ORDER BY exercise_type_id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()
	var out []exercise.Type
	for rows.Next() {
		var t exercise.Type
		if err := rows.Scan(&t.ID, &t.CategoryID, &t.Key, &t.DisplayName); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ResolveTypeID maps a canonical key to the current schema's numeric id.
func (s *Store) ResolveTypeID(ctx context.Context, canonicalKey string) (int, error) {
	if s == nil || s.pool == nil {
		return 0, histerrors.ErrNotConfigured
	}
	s.mu.RLock()
	id, ok := s.typeIDs[canonicalKey]
	s.mu.RUnlock()
	if ok {
		return id, nil
	}
	err := s.pool.QueryRow(ctx,
		`SELECT exercise_type_id FROM exercise_types WHERE type_name = $1 AND is_active`,
		canonicalKey).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%w: %s", histerrors.ErrTypeUnmapped, canonicalKey)
		}
		return 0, classify(err)
	}
	s.mu.Lock()
	s.typeIDs[canonicalKey] = id
	s.mu.Unlock()
	return id, nil
}

// WriteRecord persists one attempt transactionally: the session row plus all
// input rows, score rows and the optional feedback row. Any failure rolls
// the whole write back; a commit whose outcome is unknown is flagged as a
// partial commit, never reported as success.
func (s *Store) WriteRecord(ctx context.Context, rec record.PracticeRecord) error {
	if s == nil || s.pool == nil {
		return histerrors.ErrNotConfigured
	}
	typeID, err := s.ResolveTypeID(ctx, rec.CanonicalType)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO practice_sessions (session_id, user_id, exercise_type_id, created_at, duration_seconds)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.SessionID, rec.UserID, typeID, rec.CreatedAt, rec.DurationSeconds)
	if err != nil {
		return classify(err)
	}
	for i, in := range rec.Inputs {
		_, err = tx.Exec(ctx, `
			INSERT INTO session_inputs (session_id, position, input_label, content)
			VALUES ($1, $2, $3, $4)`,
			rec.SessionID, i, in.Label, in.Content)
		if err != nil {
			return classify(err)
		}
	}
	for _, sc := range rec.Scores {
		_, err = tx.Exec(ctx, `
			INSERT INTO session_scores (session_id, score_category, score_value, max_score)
			VALUES ($1, $2, $3, $4)`,
			rec.SessionID, sc.Category, sc.Value, sc.Max)
		if err != nil {
			return classify(err)
		}
	}
	if rec.Feedback != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO session_feedback (session_id, feedback_kind, content)
			VALUES ($1, $2, $3)`,
			rec.SessionID, string(rec.Feedback.Kind), rec.Feedback.Content)
		if err != nil {
			return classify(err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		// The server may or may not have applied the transaction; flag it
		// so the adapter preserves the record in fallback and replay can
		// resolve the ambiguity via the duplicate-session check.
		return fmt.Errorf("%w: %v", histerrors.ErrPartialCommit, err)
	}
	return nil
}

// QueryHistory returns the user's attempts newest first. typeKeys holds the
// canonical key plus its historical aliases (empty = all types), so records
// written under pre-migration names stay reachable.
func (s *Store) QueryHistory(ctx context.Context, userID string, typeKeys []string, limit, offset int) ([]record.PracticeRecord, error) {
	if s == nil || s.pool == nil {
		return nil, histerrors.ErrNotConfigured
	}
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var rows pgx.Rows
	var err error
	if len(typeKeys) == 0 {
		rows, err = s.pool.Query(ctx, `
			SELECT s.session_id, s.user_id, t.type_name, t.category_id, s.created_at, s.duration_seconds
			FROM practice_sessions s
			JOIN exercise_types t USING (exercise_type_id)
			WHERE s.user_id = $1
			ORDER BY s.created_at DESC
			LIMIT $2 OFFSET $3`,
			userID, limit, offset)
	} else {
		rows, err = s.pool.Query(ctx, `
			SELECT s.session_id, s.user_id, t.type_name, t.category_id, s.created_at, s.duration_seconds
			FROM practice_sessions s
			JOIN exercise_types t USING (exercise_type_id)
			WHERE s.user_id = $1 AND t.type_name = ANY($2)
			ORDER BY s.created_at DESC
			LIMIT $3 OFFSET $4`,
			userID, typeKeys, limit, offset)
	}
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []record.PracticeRecord
	var ids []string
	byID := make(map[string]int)
	for rows.Next() {
		var rec record.PracticeRecord
		var createdAt time.Time
		if err := rows.Scan(&rec.SessionID, &rec.UserID, &rec.CanonicalType, &rec.CategoryID, &createdAt, &rec.DurationSeconds); err != nil {
			return nil, err
		}
		rec.CreatedAt = createdAt.UTC()
		byID[rec.SessionID] = len(out)
		ids = append(ids, rec.SessionID)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if len(out) == 0 {
		return []record.PracticeRecord{}, nil
	}
	if err := s.attachChildren(ctx, ids, byID, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachChildren batch-loads inputs, scores and feedback for the sessions.
func (s *Store) attachChildren(ctx context.Context, ids []string, byID map[string]int, out []record.PracticeRecord) error {
	inputRows, err := s.pool.Query(ctx, `
		SELECT session_id, input_label, content
		FROM session_inputs WHERE session_id = ANY($1)
		ORDER BY session_id, position`, ids)
	if err != nil {
		return classify(err)
	}
	defer inputRows.Close()
	for inputRows.Next() {
		var sid string
		var in record.Input
		if err := inputRows.Scan(&sid, &in.Label, &in.Content); err != nil {
			return err
		}
		if i, ok := byID[sid]; ok {
			out[i].Inputs = append(out[i].Inputs, in)
		}
	}
	if err := inputRows.Err(); err != nil {
		return classify(err)
	}

	scoreRows, err := s.pool.Query(ctx, `
		SELECT session_id, score_category, score_value, max_score
		FROM session_scores WHERE session_id = ANY($1)
		ORDER BY session_id, score_category`, ids)
	if err != nil {
		return classify(err)
	}
	defer scoreRows.Close()
	for scoreRows.Next() {
		var sid string
		var sc record.Score
		if err := scoreRows.Scan(&sid, &sc.Category, &sc.Value, &sc.Max); err != nil {
			return err
		}
		if i, ok := byID[sid]; ok {
			out[i].Scores = append(out[i].Scores, sc)
		}
	}
	if err := scoreRows.Err(); err != nil {
		return classify(err)
	}

	fbRows, err := s.pool.Query(ctx, `
		SELECT session_id, feedback_kind, content
		FROM session_feedback WHERE session_id = ANY($1)`, ids)
	if err != nil {
		return classify(err)
	}
	defer fbRows.Close()
	for fbRows.Next() {
		var sid, kind, content string
		if err := fbRows.Scan(&sid, &kind, &content); err != nil {
			return err
		}
		if i, ok := byID[sid]; ok {
			out[i].Feedback = &record.Feedback{Kind: record.FeedbackKind(kind), Content: content}
		}
	}
	return classify(fbRows.Err())
}

// DeleteByType removes the user's sessions for the given type names
// (canonical key plus aliases); child rows go via ON DELETE CASCADE.
// Returns the number of sessions deleted.
func (s *Store) DeleteByType(ctx context.Context, userID string, typeKeys []string) (int64, error) {
	if s == nil || s.pool == nil {
		return 0, histerrors.ErrNotConfigured
	}
	if len(typeKeys) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM practice_sessions
		WHERE user_id = $1 AND exercise_type_id IN (
			SELECT exercise_type_id FROM exercise_types WHERE type_name = ANY($2)
		)`,
		userID, typeKeys)
	if err != nil {
		return 0, classify(err)
	}
	return tag.RowsAffected(), nil
}

// classify separates transport-level failures (which trigger the fallback
// path) from data errors the server itself reported (which must surface to
// the caller). A unique violation on the session key maps to
// ErrDuplicateSession so replay can treat it as already synced.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505" && strings.Contains(pgErr.ConstraintName, "practice_sessions"):
			return fmt.Errorf("%w: %v", histerrors.ErrDuplicateSession, err)
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "28"), // invalid authorization
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			strings.HasPrefix(pgErr.Code, "57"): // operator intervention
			return fmt.Errorf("%w: %v", histerrors.ErrRemoteUnavailable, err)
		default:
			// Server-reported data error: never retried against fallback.
			return err
		}
	}
	var netErr net.Error
	if errors.As(err, &netErr) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", histerrors.ErrRemoteUnavailable, err)
	}
	// Anything not spoken by the server is transport-level.
	return fmt.Errorf("%w: %v", histerrors.ErrRemoteUnavailable, err)
}
