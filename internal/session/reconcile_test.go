package session

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

// buildTree creates root -> child -> grandchild, all running. The root
// carries an owner pid; descendants are pid-less (driven in-process).
func buildTree(t *testing.T, s *Store, rootPID int) (root, child, grand int64) {
	t.Helper()
	root, err := s.Create("v1_root", "Root", CreateOpts{OwnerPID: rootPID})
	if err != nil {
		t.Fatalf("Create root: %v", err)
	}
	child, err = s.Create("v1_child", "Q1", CreateOpts{ParentID: root, Depth: 2})
	if err != nil {
		t.Fatalf("Create child: %v", err)
	}
	grand, err = s.Create("v1_grand", "Q1.1", CreateOpts{ParentID: child, Depth: 3})
	if err != nil {
		t.Fatalf("Create grandchild: %v", err)
	}
	for _, key := range []string{"v1_root", "v1_child", "v1_grand"} {
		if err := s.UpdateStatus(key, StatusRunning, nil); err != nil {
			t.Fatalf("UpdateStatus(%s): %v", key, err)
		}
	}
	return root, child, grand
}

func TestListMarksDeadTreeCrashed(t *testing.T) {
	s := openTestStore(t)
	buildTree(t, s, 12345)
	s.SetProber(func(pid int) bool { return false })

	out, err := s.List(50)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("listed %d rows, want 3", len(out))
	}
	for _, n := range out {
		if n.Status != StatusCrashed {
			t.Errorf("session %d status = %q, want crashed", n.ID, n.Status)
		}
	}

	// Persisted, not just decorated on the way out
	got, _ := s.Get("v1_grand")
	if got.Status != StatusCrashed {
		t.Errorf("stored grandchild status = %q, want crashed", got.Status)
	}
}

func TestListKeepsLiveTreeRunning(t *testing.T) {
	s := openTestStore(t)
	buildTree(t, s, 12345)
	s.SetProber(func(pid int) bool { return pid == 12345 })

	out, err := s.List(50)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	for _, n := range out {
		if n.Status != StatusRunning {
			t.Errorf("session %d status = %q, want running", n.ID, n.Status)
		}
	}
}

func TestListTerminalParentKillsPidlessChild(t *testing.T) {
	s := openTestStore(t)
	root, _ := s.Create("v1_r", "Root", CreateOpts{OwnerPID: 999})
	s.Create("v1_k", "Q", CreateOpts{ParentID: root, Depth: 2})
	s.UpdateStatus("v1_r", StatusFailed, strptr("remote error"))
	s.UpdateStatus("v1_k", StatusRunning, nil)

	// The probe says the pid is alive, but the parent reached a terminal
	// state, so the orphaned in-process child cannot still be running.
	s.SetProber(func(pid int) bool { return true })

	if _, err := s.List(50); err != nil {
		t.Fatalf("List: %v", err)
	}
	got, _ := s.Get("v1_k")
	if got.Status != StatusCrashed {
		t.Errorf("child status = %q, want crashed", got.Status)
	}
	gotRoot, _ := s.Get("v1_r")
	if gotRoot.Status != StatusFailed {
		t.Errorf("root status = %q, want failed (untouched)", gotRoot.Status)
	}
}

func TestListLeavesPendingAndTerminalAlone(t *testing.T) {
	s := openTestStore(t)
	s.Create("v1_p", "Pending", CreateOpts{OwnerPID: 1})
	s.Create("v1_d", "Done", CreateOpts{OwnerPID: 1})
	s.UpdateStatus("v1_d", StatusCompleted, strptr("r"))
	s.SetProber(func(pid int) bool { return false })

	if _, err := s.List(50); err != nil {
		t.Fatalf("List: %v", err)
	}
	p, _ := s.Get("v1_p")
	if p.Status != StatusPending {
		t.Errorf("pending status = %q, want pending", p.Status)
	}
	d, _ := s.Get("v1_d")
	if d.Status != StatusCompleted {
		t.Errorf("completed status = %q, want completed", d.Status)
	}
}

func TestListResolvesParentOutsidePage(t *testing.T) {
	s := openTestStore(t)
	root, child, _ := buildTree(t, s, 777)
	s.SetProber(func(pid int) bool { return false })

	// Page of 1 only includes the most recently updated row, but the
	// ancestor chain must still be fetched and resolved.
	out, err := s.List(1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("listed %d rows, want 1", len(out))
	}
	if out[0].Status != StatusCrashed {
		t.Errorf("paged row status = %q, want crashed", out[0].Status)
	}
	_ = root
	_ = child
}

func TestListOrderedByRecency(t *testing.T) {
	s := openTestStore(t)
	s.Create("v1_A", "Test A", CreateOpts{})
	s.Create("v1_B", "Test B", CreateOpts{})
	// Touch A so it becomes the most recently updated
	time.Sleep(5 * time.Millisecond)
	if err := s.UpdateStatus("v1_A", StatusRunning, nil); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	s.SetProber(func(pid int) bool { return true })

	out, err := s.List(5)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("listed %d rows, want 2", len(out))
	}
	if out[0].InteractionID != "v1_A" {
		t.Errorf("first row = %q, want v1_A (most recently updated)", out[0].InteractionID)
	}
}

func TestAliveInMemoryFailsOpenForOrphanRoot(t *testing.T) {
	n := &Session{ID: 1, Status: StatusRunning}
	if !aliveInMemory(n, map[int64]*Session{1: n}, func(int) bool { return false }, map[int64]bool{}) {
		t.Error("pid-less parentless running row should fail open as alive")
	}
}

func TestListCrashTouchesUpdatedAt(t *testing.T) {
	s := openTestStore(t)
	s.Create("v1_dead", "Root", CreateOpts{OwnerPID: 424242})
	s.UpdateStatus("v1_dead", StatusRunning, nil)
	before, _ := s.Get("v1_dead")

	time.Sleep(5 * time.Millisecond)
	s.SetProber(func(pid int) bool { return false })

	out, err := s.List(50)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if out[0].Status != StatusCrashed {
		t.Fatalf("status = %q, want crashed", out[0].Status)
	}
	if out[0].UpdatedAt <= before.UpdatedAt {
		t.Errorf("returned updated_at = %d, not advanced past %d", out[0].UpdatedAt, before.UpdatedAt)
	}
	got, _ := s.Get("v1_dead")
	if got.UpdatedAt <= before.UpdatedAt {
		t.Errorf("stored updated_at = %d, not advanced past %d", got.UpdatedAt, before.UpdatedAt)
	}
}

// countingConnector wraps the sqlite driver so a test can count the
// read queries a store issues.
type countingConnector struct {
	dsn   string
	base  driver.Driver
	reads *int32
}

func (c countingConnector) Connect(context.Context) (driver.Conn, error) {
	conn, err := c.base.Open(c.dsn)
	if err != nil {
		return nil, err
	}
	return &countingConn{Conn: conn, reads: c.reads}, nil
}

func (c countingConnector) Driver() driver.Driver { return c.base }

type countingConn struct {
	driver.Conn
	reads *int32
}

func (c *countingConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	q := strings.ToUpper(strings.TrimSpace(query))
	if strings.HasPrefix(q, "SELECT") || strings.HasPrefix(q, "WITH") {
		atomic.AddInt32(c.reads, 1)
	}
	if qc, ok := c.Conn.(driver.QueryerContext); ok {
		return qc.QueryContext(ctx, query, args)
	}
	return nil, driver.ErrSkip
}

func openCountingStore(t *testing.T) (*Store, *int32) {
	t.Helper()
	probe, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "probe.db"))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	drv := probe.Driver()
	probe.Close()

	var reads int32
	path := filepath.Join(t.TempDir(), "count.db")
	db := sql.OpenDB(countingConnector{dsn: path, base: drv, reads: &reads})
	s := &Store{conn: db, Path: path, alive: ProcessAlive}
	if err := s.init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, &reads
}

func TestListQueryBudget(t *testing.T) {
	// The read cost of List must not grow with tree depth: one page
	// query plus one ancestor fetch, regardless of how deep the running
	// chains go.
	for _, chain := range []int{3, 8} {
		s, reads := openCountingStore(t)

		var parent int64
		for i := 0; i < chain; i++ {
			opts := CreateOpts{Depth: i + 1}
			if i == 0 {
				opts.OwnerPID = 424242
			}
			if parent > 0 {
				opts.ParentID = parent
			}
			id, err := s.Create(fmt.Sprintf("v1_q%d", i), "Q", opts)
			if err != nil {
				t.Fatalf("Create: %v", err)
			}
			if err := s.UpdateStatus(fmt.Sprintf("%d", id), StatusRunning, nil); err != nil {
				t.Fatalf("UpdateStatus: %v", err)
			}
			parent = id
		}
		s.SetProber(func(pid int) bool { return false })

		atomic.StoreInt32(reads, 0)
		out, err := s.List(50)
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		if len(out) != chain {
			t.Fatalf("listed %d rows, want %d", len(out), chain)
		}
		for _, n := range out {
			if n.Status != StatusCrashed {
				t.Errorf("session %d status = %q, want crashed", n.ID, n.Status)
			}
		}
		if got := atomic.LoadInt32(reads); got > 2 {
			t.Errorf("List issued %d read queries for a chain of %d, want at most 2", got, chain)
		}
	}
}
