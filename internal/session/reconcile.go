package session

import (
	"fmt"
	"strings"
	"time"
)

// List returns the most recently updated sessions, reconciling liveness
// on the way out: every running row whose owning process (or,
// transitively, live ancestor) is dead is persisted as crashed before
// being returned.
//
// Query budget: one query for the page, one recursive-CTE round trip
// for all ancestors the page references — never one probe query per
// child. Both reads and the crash writes share a single transaction so
// a parent's status cannot flicker mid-reconciliation.
func (s *Store) List(limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}

	tx, err := s.conn.Begin()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	rows, err := tx.Query(`
		SELECT id, interaction_id, prompt, status, result, created_at, updated_at, owner_pid, parent_id, depth, files
		FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	page := []*Session{}
	byID := map[int64]*Session{}
	for rows.Next() {
		n, err := scanSession(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		page = append(page, n)
		byID[n.ID] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Candidates: running rows in the page
	var candidateIDs []int64
	for _, n := range page {
		if n.Status == StatusRunning {
			candidateIDs = append(candidateIDs, n.ID)
		}
	}

	if len(candidateIDs) > 0 {
		// Batch-fetch every ancestor the candidates reference; a running
		// parent can fall outside the page when the limit cuts it off.
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(candidateIDs)), ",")
		args := make([]any, len(candidateIDs))
		for i, id := range candidateIDs {
			args[i] = id
		}
		prows, err := tx.Query(`
			WITH RECURSIVE lineage(id) AS (
				SELECT parent_id FROM sessions WHERE id IN (`+placeholders+`) AND parent_id IS NOT NULL
				UNION
				SELECT s.parent_id FROM sessions s JOIN lineage l ON s.id = l.id WHERE s.parent_id IS NOT NULL
			)
			SELECT id, interaction_id, prompt, status, result, created_at, updated_at, owner_pid, parent_id, depth, files
			FROM sessions WHERE id IN (SELECT id FROM lineage)`, args...)
		if err != nil {
			return nil, err
		}
		for prows.Next() {
			n, err := scanSession(prows)
			if err != nil {
				prows.Close()
				return nil, err
			}
			if _, ok := byID[n.ID]; !ok {
				byID[n.ID] = n
			}
		}
		prows.Close()
		if err := prows.Err(); err != nil {
			return nil, err
		}

		memo := map[int64]bool{}
		var dead []int64
		for _, id := range candidateIDs {
			if !aliveInMemory(byID[id], byID, s.alive, memo) {
				dead = append(dead, id)
			}
		}

		if len(dead) > 0 {
			now := time.Now().UnixMilli()
			ph := strings.TrimSuffix(strings.Repeat("?,", len(dead)), ",")
			dargs := make([]any, len(dead))
			for i, id := range dead {
				dargs[i] = id
			}
			if _, err := tx.Exec(`UPDATE sessions SET status = ?, updated_at = ? WHERE id IN (`+ph+`)`,
				append([]any{StatusCrashed, now}, dargs...)...); err != nil {
				return nil, fmt.Errorf("marking crashed sessions: %w", err)
			}
			for _, id := range dead {
				byID[id].Status = StatusCrashed
				byID[id].UpdatedAt = now
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return page, nil
}

// aliveInMemory resolves effective liveness for a session from already
// fetched rows plus the pid probe. A row with an owner pid answers from
// the probe; a pid-less child inherits its parent's fate; a pid-less
// orphan fails open as alive. Terminal ancestors count as dead for
// propagation purposes.
func aliveInMemory(n *Session, byID map[int64]*Session, probe func(pid int) bool, memo map[int64]bool) bool {
	if n == nil {
		return false
	}
	if v, ok := memo[n.ID]; ok {
		return v
	}
	// Seed before recursing so a malformed parent cycle terminates
	memo[n.ID] = true

	var alive bool
	switch {
	case n.Status.Terminal():
		alive = false
	case n.OwnerPID != nil:
		alive = probe(*n.OwnerPID)
	case n.ParentID == nil:
		alive = true
	default:
		alive = aliveInMemory(byID[*n.ParentID], byID, probe, memo)
	}
	memo[n.ID] = alive
	return alive
}
