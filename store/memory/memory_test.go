package memory

import (
	"sync"
	"testing"

	"github.com/risa-org/hubfeed/session"
)

func newSession(t *testing.T) session.Session {
	t.Helper()
	id, err := session.NewID()
	if err != nil {
		t.Fatalf("failed to make id: %v", err)
	}
	return session.Session{ID: id, Token: "token-" + id}
}

func TestCreateAndGet(t *testing.T) {
	store := New()
	sess := newSession(t)
	seq := store.Create(sess)

	got, gotSeq, ok := store.Get(sess.ID)
	if !ok {
		t.Fatal("expected to find connection after creating it")
	}
	if got.Token != sess.Token {
		t.Errorf("expected token %s, got %s", sess.Token, got.Token)
	}
	if gotSeq != seq {
		t.Error("expected the same cursor back")
	}
}

func TestGetMissing(t *testing.T) {
	store := New()
	_, _, ok := store.Get("nonexistent")
	if ok {
		t.Error("expected not found for missing id")
	}
}

// One token opens one channel at a time.
func TestOpenRelease(t *testing.T) {
	store := New()
	sess := newSession(t)
	store.Create(sess)

	if !store.Open(sess.ID) {
		t.Fatal("expected first open to succeed")
	}
	if store.Open(sess.ID) {
		t.Error("expected second open to be refused while the first is open")
	}
	if store.OpenCount() != 1 {
		t.Errorf("expected 1 open, got %d", store.OpenCount())
	}

	store.Release(sess.ID)
	if store.OpenCount() != 0 {
		t.Errorf("expected 0 open after release, got %d", store.OpenCount())
	}
	if store.Open("unknown") {
		t.Error("expected unknown id to be refused")
	}
}

func TestDelete(t *testing.T) {
	store := New()
	sess := newSession(t)
	store.Create(sess)
	store.Delete(sess.ID)

	if _, _, ok := store.Get(sess.ID); ok {
		t.Error("expected connection to be gone after delete")
	}
	if store.Count() != 0 {
		t.Errorf("expected count 0, got %d", store.Count())
	}
}

func TestConcurrentAccess(t *testing.T) {
	store := New()
	var wg sync.WaitGroup

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess := newSession(t)
			store.Create(sess)
			store.Open(sess.ID)
			store.Get(sess.ID)
		}()
	}

	wg.Wait()
	if store.Count() != 100 {
		t.Errorf("expected 100 connections, got %d", store.Count())
	}
	if len(store.OpenIDs()) != 100 {
		t.Errorf("expected 100 open ids, got %d", len(store.OpenIDs()))
	}
}
