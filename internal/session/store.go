package session

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// ErrNotFound is returned when a session lookup matches no row.
var ErrNotFound = errors.New("session not found")

// Store is the durable session store: one row per research tree node.
// It is safe for concurrent use; every write touches a single row.
type Store struct {
	conn *sql.DB
	Path string

	// alive probes whether a pid belongs to a live process. Swappable
	// for tests; defaults to ProcessAlive.
	alive func(pid int) bool
}

// SetProber overrides the process liveness probe used by List.
func (s *Store) SetProber(alive func(pid int) bool) {
	s.alive = alive
}

// init creates the v1 schema using PRAGMA user_version as migration gate.
func (s *Store) init() error {
	var ver int
	if err := s.conn.QueryRow(`PRAGMA user_version`).Scan(&ver); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if ver >= 1 {
		return nil
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS sessions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  interaction_id TEXT NOT NULL,
  prompt TEXT NOT NULL,
  status TEXT NOT NULL DEFAULT 'pending',
  result TEXT,
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL,
  owner_pid INTEGER,
  parent_id INTEGER REFERENCES sessions(id),
  depth INTEGER NOT NULL DEFAULT 1,
  files TEXT
);
CREATE INDEX IF NOT EXISTS idx_sessions_interaction ON sessions(interaction_id);
CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_id);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);
`); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}

	if _, err := tx.Exec(`PRAGMA user_version = 1`); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateOpts holds the optional fields for session creation.
type CreateOpts struct {
	Files    []string
	OwnerPID int   // 0 means driven in-process, stored as NULL
	ParentID int64 // 0 means root, stored as NULL
	Depth    int   // defaults to 1
}

// Create inserts a new session row and returns its id. interactionID
// may be a placeholder token when the remote operation does not exist
// yet (see Store.UpdateRemoteID for the adoption path).
func (s *Store) Create(interactionID, prompt string, opts CreateOpts) (int64, error) {
	now := time.Now().UnixMilli()

	depth := opts.Depth
	if depth <= 0 {
		depth = 1
	}

	var files any
	if len(opts.Files) > 0 {
		b, err := json.Marshal(opts.Files)
		if err != nil {
			return 0, fmt.Errorf("encoding files: %w", err)
		}
		files = string(b)
	}

	var ownerPID any
	if opts.OwnerPID > 0 {
		ownerPID = opts.OwnerPID
	}
	var parentID any
	if opts.ParentID > 0 {
		parentID = opts.ParentID
	}

	res, err := s.conn.Exec(`
		INSERT INTO sessions (interaction_id, prompt, status, created_at, updated_at, owner_pid, parent_id, depth, files)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, interactionID, prompt, StatusPending, now, now, ownerPID, parentID, depth, files)
	if err != nil {
		return 0, fmt.Errorf("creating session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("reading session id: %w", err)
	}
	return id, nil
}

// UpdateStatus updates a session's status (and optionally result) by
// local id or interaction id. Idempotent. A terminal row is never moved
// to a different status, with one exception: a row reconciled to
// crashed may still be reasserted to a terminal state by its living
// owner, which holds the in-memory continuation regardless of what the
// store reported to observers.
func (s *Store) UpdateStatus(key string, status Status, result *string) error {
	cur, err := s.Get(key)
	if err != nil {
		return err
	}
	if cur.Status.Terminal() && cur.Status != status {
		if !(cur.Status == StatusCrashed && status.Terminal()) {
			return nil
		}
	}

	now := time.Now().UnixMilli()
	if result != nil {
		_, err = s.conn.Exec(`UPDATE sessions SET status = ?, result = ?, updated_at = ? WHERE id = ?`,
			status, *result, now, cur.ID)
	} else {
		_, err = s.conn.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			status, now, cur.ID)
	}
	if err != nil {
		return fmt.Errorf("updating session %d: %w", cur.ID, err)
	}
	return nil
}

// UpdateRemoteID binds a remote interaction id to an existing row and
// forces status to running. This is the adoption path: the row may be a
// placeholder created by a different process (e.g. a UI that detached a
// background run), so the adopting process also records itself as owner.
// ownerPID <= 0 leaves the stored owner untouched.
func (s *Store) UpdateRemoteID(id int64, remoteID string, ownerPID int) error {
	now := time.Now().UnixMilli()
	var res sql.Result
	var err error
	if ownerPID > 0 {
		res, err = s.conn.Exec(`UPDATE sessions SET interaction_id = ?, status = ?, owner_pid = ?, updated_at = ? WHERE id = ?`,
			remoteID, StatusRunning, ownerPID, now, id)
	} else {
		res, err = s.conn.Exec(`UPDATE sessions SET interaction_id = ?, status = ?, updated_at = ? WHERE id = ?`,
			remoteID, StatusRunning, now, id)
	}
	if err != nil {
		return fmt.Errorf("adopting session %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return fmt.Errorf("adopting session %d: %w", id, ErrNotFound)
	}
	return nil
}

// AppendResult concatenates text onto the stored result of the session
// with the given interaction id, separated by a rule. No-op if the row
// does not exist (follow-ups against ids the store never saw).
func (s *Store) AppendResult(remoteID, text string) error {
	now := time.Now().UnixMilli()
	_, err := s.conn.Exec(`
		UPDATE sessions
		SET result = COALESCE(result || char(10) || char(10) || '---' || char(10) || char(10), '') || ?,
		    updated_at = ?
		WHERE interaction_id = ?
	`, text, now, remoteID)
	if err != nil {
		return fmt.Errorf("appending result: %w", err)
	}
	return nil
}

// Get looks a session up by local id (numeric key) or interaction id.
func (s *Store) Get(key string) (*Session, error) {
	if id, err := strconv.ParseInt(key, 10, 64); err == nil {
		return s.getWhere(`id = ?`, id)
	}
	return s.getWhere(`interaction_id = ?`, key)
}

// GetByID looks a session up by local id.
func (s *Store) GetByID(id int64) (*Session, error) {
	return s.getWhere(`id = ?`, id)
}

func (s *Store) getWhere(cond string, arg any) (*Session, error) {
	row := s.conn.QueryRow(`
		SELECT id, interaction_id, prompt, status, result, created_at, updated_at, owner_pid, parent_id, depth, files
		FROM sessions WHERE `+cond+` ORDER BY id DESC LIMIT 1`, arg)
	n, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return n, nil
}

// Children returns the direct children of a session, ordered by local
// id ascending.
func (s *Store) Children(id int64) ([]*Session, error) {
	rows, err := s.conn.Query(`
		SELECT id, interaction_id, prompt, status, result, created_at, updated_at, owner_pid, parent_id, depth, files
		FROM sessions WHERE parent_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		n, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// scanSession scans a row in standard column order.
func scanSession(scanner interface{ Scan(dest ...any) error }) (*Session, error) {
	var n Session
	var result sql.NullString
	var ownerPID sql.NullInt64
	var parentID sql.NullInt64
	var files sql.NullString

	err := scanner.Scan(
		&n.ID, &n.InteractionID, &n.Prompt, &n.Status, &result,
		&n.CreatedAt, &n.UpdatedAt, &ownerPID, &parentID, &n.Depth, &files,
	)
	if err != nil {
		return nil, err
	}

	if result.Valid {
		n.Result = &result.String
	}
	if ownerPID.Valid {
		pid := int(ownerPID.Int64)
		n.OwnerPID = &pid
	}
	if parentID.Valid {
		pid := parentID.Int64
		n.ParentID = &pid
	}
	if files.Valid && files.String != "" {
		// Tolerate malformed attachment lists; they are opaque here
		_ = json.Unmarshal([]byte(files.String), &n.Files)
	}
	return &n, nil
}
