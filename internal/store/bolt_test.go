package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T, opts ...BoltOption) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path, opts...)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)

	sess, err := s.CreateSession("http://example.com/a.bin")
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID != 1 {
		t.Errorf("id = %d, want 1", sess.ID)
	}
	if sess.Status != StatusQueued {
		t.Errorf("status = %q, want %q", sess.Status, StatusQueued)
	}

	got, err := s.GetSession(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.URL != sess.URL {
		t.Errorf("url = %q, want %q", got.URL, sess.URL)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}
}

func TestSessionIDsIncrease(t *testing.T) {
	s := newTestStore(t)
	var last uint32
	for i := 0; i < 5; i++ {
		sess, err := s.CreateSession(fmt.Sprintf("http://example.com/%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if sess.ID <= last {
			t.Fatalf("id %d not greater than %d", sess.ID, last)
		}
		last = sess.ID
	}

	list, err := s.ListSessions()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 5 {
		t.Fatalf("sessions = %d, want 5", len(list))
	}
	for i, sess := range list {
		if sess.ID != uint32(i+1) {
			t.Errorf("list[%d].ID = %d, want %d", i, sess.ID, i+1)
		}
	}
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetSession(42)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateSession(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession("http://example.com/a.bin")

	err := s.UpdateSession(sess.ID, func(x *Session) error {
		x.Status = StatusCompleted
		x.Bytes = 1024
		x.ID = 999 // ignored
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := s.GetSession(sess.ID)
	if got.Status != StatusCompleted || got.Bytes != 1024 {
		t.Errorf("got %+v", got)
	}
	if got.ID != sess.ID {
		t.Errorf("id = %d, want %d", got.ID, sess.ID)
	}
	if !got.Terminal() {
		t.Error("completed session not terminal")
	}
}

func TestUpdateSessionAbortsOnError(t *testing.T) {
	s := newTestStore(t)
	sess, _ := s.CreateSession("http://example.com/a.bin")

	boom := errors.New("boom")
	err := s.UpdateSession(sess.ID, func(x *Session) error {
		x.Status = StatusFailed
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	got, _ := s.GetSession(sess.ID)
	if got.Status != StatusQueued {
		t.Errorf("status = %q, want unchanged %q", got.Status, StatusQueued)
	}

	if err := s.UpdateSession(77, func(*Session) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing: err = %v, want ErrNotFound", err)
	}
}

func TestAuditAppendAndList(t *testing.T) {
	s := newTestStore(t)
	for i := 0; i < 4; i++ {
		rec := &AuditRecord{CommandID: fmt.Sprintf("c%d", i), Text: "play music", Intent: "play_music"}
		if err := s.AppendAudit(rec); err != nil {
			t.Fatal(err)
		}
		if rec.Seq != uint64(i+1) {
			t.Errorf("seq = %d, want %d", rec.Seq, i+1)
		}
	}

	all, err := s.ListAudit(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 4 || all[0].CommandID != "c0" || all[3].CommandID != "c3" {
		t.Errorf("ListAudit(0) = %d records", len(all))
	}

	last2, _ := s.ListAudit(2)
	if len(last2) != 2 || last2[0].CommandID != "c2" || last2[1].CommandID != "c3" {
		t.Errorf("ListAudit(2) wrong: %d records", len(last2))
	}
}

func TestAuditCapPrunesOldest(t *testing.T) {
	s := newTestStore(t, WithAuditCap(3))
	for i := 0; i < 5; i++ {
		if err := s.AppendAudit(&AuditRecord{CommandID: fmt.Sprintf("c%d", i)}); err != nil {
			t.Fatal(err)
		}
	}
	recs, _ := s.ListAudit(0)
	if len(recs) != 3 {
		t.Fatalf("records = %d, want 3", len(recs))
	}
	if recs[0].CommandID != "c2" {
		t.Errorf("oldest = %q, want c2", recs[0].CommandID)
	}
}

func TestReopenKeepsSessions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	s.CreateSession("http://example.com/a")
	s.Close()

	s2, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	sess, err := s2.CreateSession("http://example.com/b")
	if err != nil {
		t.Fatal(err)
	}
	if sess.ID != 2 {
		t.Errorf("id after reopen = %d, want 2", sess.ID)
	}
}
