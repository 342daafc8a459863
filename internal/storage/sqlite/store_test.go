package sqlite

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/grantflow/intake/internal/domain"
	"github.com/grantflow/intake/internal/storage"
)

func newTestStore(t *testing.T, name string) *Store {
	t.Helper()
	store, err := New(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// newFileStore backs the store with a real file. Shared-cache in-memory
// databases use table locks that make concurrent writers flaky.
func newFileStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(filepath.Join(t.TempDir(), "intake.db"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func testSession(id string) *domain.Session {
	return &domain.Session{
		ID:            id,
		Phase:         domain.PhaseDiscovery,
		ExtractedInfo: map[string]string{},
		UserContext:   domain.UserContext{Subject: "user-1"},
	}
}

func TestStore_CreateAndGet(t *testing.T) {
	store := newTestStore(t, "createget")
	ctx := context.Background()

	sess := testSession("sess-1")
	sess.UserContext.CompanyName = "Acme BV"

	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}

	if got.Phase != domain.PhaseDiscovery {
		t.Errorf("Phase = %v, want discovery", got.Phase)
	}
	if got.UserContext.CompanyName != "Acme BV" {
		t.Errorf("CompanyName = %q, want Acme BV", got.UserContext.CompanyName)
	}
	if want := sess.CreatedAt.Add(domain.SessionTTL); !got.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want %v", got.ExpiresAt, want)
	}
}

func TestStore_CreateDuplicate(t *testing.T) {
	store := newTestStore(t, "dup")
	ctx := context.Background()

	if err := store.Create(ctx, testSession("sess-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	err := store.Create(ctx, testSession("sess-1"))
	if !errors.Is(err, domain.ErrSessionExists) {
		t.Errorf("Create() duplicate error = %v, want ErrSessionExists", err)
	}
}

func TestStore_CreateOverExpired(t *testing.T) {
	store := newTestStore(t, "overexpired")
	ctx := context.Background()

	old := testSession("sess-1")
	old.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.Create(ctx, old); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// An expired record under the same id must not block creation.
	fresh := testSession("sess-1")
	if err := store.Create(ctx, fresh); err != nil {
		t.Errorf("Create() over expired session error = %v", err)
	}
}

func TestStore_GetExpiredDeletes(t *testing.T) {
	store := newTestStore(t, "lazyexpiry")
	ctx := context.Background()

	sess := testSession("sess-1")
	sess.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	_, err := store.Get(ctx, "sess-1")
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("Get() expired error = %v, want ErrSessionNotFound", err)
	}

	// The record is gone, not just hidden.
	var count int
	if err := store.db.QueryRow(`SELECT COUNT(1) FROM sessions WHERE id = ?`, "sess-1").Scan(&count); err != nil {
		t.Fatalf("count query error = %v", err)
	}
	if count != 0 {
		t.Errorf("expired session still stored, count = %d", count)
	}
}

func TestStore_UpdatePartial(t *testing.T) {
	store := newTestStore(t, "update")
	ctx := context.Background()

	if err := store.Create(ctx, testSession("sess-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	phase := domain.PhaseClarification
	completeness := 60
	err := store.Update(ctx, "sess-1", storage.SessionUpdate{
		Phase:        &phase,
		Completeness: &completeness,
	})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Phase != domain.PhaseClarification {
		t.Errorf("Phase = %v, want clarification", got.Phase)
	}
	if got.Completeness != 60 {
		t.Errorf("Completeness = %d, want 60", got.Completeness)
	}

	// Nil fields leave stored values alone.
	if err := store.Update(ctx, "sess-1", storage.SessionUpdate{}); err != nil {
		t.Fatalf("Update() no-op error = %v", err)
	}
	got, err = store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Phase != domain.PhaseClarification || got.Completeness != 60 {
		t.Errorf("no-op update changed session: phase=%v completeness=%d", got.Phase, got.Completeness)
	}
}

func TestStore_MergeExtracted(t *testing.T) {
	store := newTestStore(t, "merge")
	ctx := context.Background()

	sess := testSession("sess-1")
	sess.ExtractedInfo = map[string]string{"projectTitle": "Old", "teamSize": "4"}
	if err := store.Create(ctx, sess); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	merged, err := store.MergeExtracted(ctx, "sess-1",
		map[string]string{"projectTitle": "New"},
		func(m map[string]string, current domain.Phase) (int, domain.Phase) {
			if current != domain.PhaseDiscovery {
				t.Errorf("derive saw phase %v, want discovery", current)
			}
			return 20, domain.PhaseClarification
		})
	if err != nil {
		t.Fatalf("MergeExtracted() error = %v", err)
	}
	if merged["projectTitle"] != "New" || merged["teamSize"] != "4" {
		t.Errorf("merged = %v, want overwrite plus untouched key", merged)
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Completeness != 20 || got.Phase != domain.PhaseClarification {
		t.Errorf("persisted = %d/%v, want 20/clarification", got.Completeness, got.Phase)
	}
	if got.ExtractedInfo["teamSize"] != "4" {
		t.Errorf("ExtractedInfo = %v", got.ExtractedInfo)
	}

	_, err = store.MergeExtracted(ctx, "nope", map[string]string{"a": "1"},
		func(m map[string]string, current domain.Phase) (int, domain.Phase) { return 0, current })
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("missing session error = %v, want ErrSessionNotFound", err)
	}
}

func TestStore_MergeExtractedConcurrent(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, testSession("sess-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	// Every writer merges its own key against whatever is stored at commit
	// time, so no write may shadow another.
	keys := []string{"projectTitle", "teamSize", "projectDuration", "hoursPerMonth"}
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, err := store.MergeExtracted(ctx, "sess-1", map[string]string{key: "set"},
				func(m map[string]string, current domain.Phase) (int, domain.Phase) {
					return len(m) * 10, current
				})
			if err != nil {
				t.Errorf("MergeExtracted(%s) error = %v", key, err)
			}
		}(key)
	}
	wg.Wait()

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	for _, key := range keys {
		if got.ExtractedInfo[key] != "set" {
			t.Errorf("key %s lost, ExtractedInfo = %v", key, got.ExtractedInfo)
		}
	}
	if got.Completeness != len(keys)*10 {
		t.Errorf("Completeness = %d, want %d", got.Completeness, len(keys)*10)
	}
}

func TestStore_UpdateMissing(t *testing.T) {
	store := newTestStore(t, "updatemissing")

	err := store.Update(context.Background(), "nope", storage.SessionUpdate{})
	if !errors.Is(err, domain.ErrSessionNotFound) {
		t.Errorf("Update() error = %v, want ErrSessionNotFound", err)
	}
}

func TestStore_AppendMessageOrderAndTouch(t *testing.T) {
	store := newTestStore(t, "append")
	ctx := context.Background()

	if err := store.Create(ctx, testSession("sess-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		msg := domain.Message{
			ID:        fmt.Sprintf("msg-%d", i),
			Role:      domain.RoleUser,
			Content:   fmt.Sprintf("turn %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if err := store.AppendMessage(ctx, "sess-1", msg); err != nil {
			t.Fatalf("AppendMessage() error = %v", err)
		}
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Messages) != 3 {
		t.Fatalf("Messages count = %d, want 3", len(got.Messages))
	}
	for i, msg := range got.Messages {
		if want := fmt.Sprintf("turn %d", i); msg.Content != want {
			t.Errorf("Messages[%d].Content = %q, want %q", i, msg.Content, want)
		}
	}
	if !got.UpdatedAt.After(got.CreatedAt) {
		t.Errorf("UpdatedAt not refreshed: %v <= %v", got.UpdatedAt, got.CreatedAt)
	}
	// Appends never extend the TTL.
	if want := got.CreatedAt.Add(domain.SessionTTL); !got.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt = %v, want fixed %v", got.ExpiresAt, want)
	}
}

func TestStore_AppendMessageConcurrent(t *testing.T) {
	store := newFileStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, testSession("sess-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	const n = 20
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = store.AppendMessage(ctx, "sess-1", domain.Message{
				ID:      fmt.Sprintf("msg-%d", i),
				Role:    domain.RoleUser,
				Content: fmt.Sprintf("concurrent %d", i),
			})
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("AppendMessage(%d) error = %v", i, err)
		}
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(got.Messages) != n {
		t.Errorf("Messages count = %d, want %d (no lost appends)", len(got.Messages), n)
	}
	seen := make(map[string]bool, n)
	for _, msg := range got.Messages {
		if seen[msg.ID] {
			t.Errorf("duplicate message %s", msg.ID)
		}
		seen[msg.ID] = true
	}
}

func TestStore_AddUsageAccumulates(t *testing.T) {
	store := newTestStore(t, "usage")
	ctx := context.Background()

	if err := store.Create(ctx, testSession("sess-1")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	if err := store.AddUsage(ctx, "sess-1", 120, 0.0021); err != nil {
		t.Fatalf("AddUsage() error = %v", err)
	}
	if err := store.AddUsage(ctx, "sess-1", 80, 0.0014); err != nil {
		t.Fatalf("AddUsage() error = %v", err)
	}

	got, err := store.Get(ctx, "sess-1")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.TokenCount != 200 {
		t.Errorf("TokenCount = %d, want 200", got.TokenCount)
	}
	if diff := got.Cost - 0.0035; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Cost = %v, want 0.0035", got.Cost)
	}
}

func TestStore_DeleteExpired(t *testing.T) {
	store := newTestStore(t, "sweep")
	ctx := context.Background()

	expired := testSession("old")
	expired.ExpiresAt = time.Now().UTC().Add(-time.Hour)
	if err := store.Create(ctx, expired); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := store.Create(ctx, testSession("fresh")); err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	n, err := store.DeleteExpired(ctx)
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteExpired() = %d, want 1", n)
	}

	if _, err := store.Get(ctx, "fresh"); err != nil {
		t.Errorf("Get(fresh) error = %v", err)
	}
}
