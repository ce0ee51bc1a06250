package conversation

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeRecorder struct {
	mu      sync.Mutex
	handles map[string]string
	turns   map[string][]Turn
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{handles: map[string]string{}, turns: map[string][]Turn{}}
}

func (f *fakeRecorder) SaveConversation(_ context.Context, key, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles[key] = handle
	return nil
}

func (f *fakeRecorder) LookupConversation(_ context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.handles[key]
	if !ok {
		return "", ErrUnknownKey
	}
	return h, nil
}

func (f *fakeRecorder) AppendTurn(_ context.Context, handle string, t Turn) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turns[handle] = append(f.turns[handle], t)
	return nil
}

func TestHandleCreatedAtMostOnce(t *testing.T) {
	s := NewState("k", nil, nil)
	var calls atomic.Int32
	create := func(context.Context) (string, error) {
		calls.Add(1)
		return "thread_1", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := s.Handle(context.Background(), create)
			if err != nil || h != "thread_1" {
				t.Errorf("unexpected handle %q err %v", h, err)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected one creation, got %d", calls.Load())
	}
}

func TestHandleCreationFailureIsRetried(t *testing.T) {
	s := NewState("k", nil, nil)
	fail := true
	create := func(context.Context) (string, error) {
		if fail {
			return "", errors.New("unavailable")
		}
		return "thread_2", nil
	}

	if _, err := s.Handle(context.Background(), create); err == nil {
		t.Fatalf("expected creation error")
	}
	if s.CurrentHandle() != "" {
		t.Fatalf("failed creation must not set a handle")
	}

	fail = false
	h, err := s.Handle(context.Background(), create)
	if err != nil || h != "thread_2" {
		t.Fatalf("unexpected handle %q err %v", h, err)
	}
}

func TestAppendKeepsOrderAndPersists(t *testing.T) {
	rec := newFakeRecorder()
	s := NewState("k", rec, nil)
	ctx := context.Background()

	if _, err := s.Handle(ctx, func(context.Context) (string, error) { return "h1", nil }); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	s.Append(ctx, RoleUser, "hello")
	s.Append(ctx, RoleAssistant, "hi")

	turns := s.Turns()
	if len(turns) != 2 || turns[0].Role != RoleUser || turns[1].Content != "hi" {
		t.Fatalf("unexpected turns: %+v", turns)
	}
	turns[0].Content = "mutated"
	if s.Turns()[0].Content != "hello" {
		t.Fatalf("Turns must return a copy")
	}
	if len(rec.turns["h1"]) != 2 || rec.handles["k"] != "h1" {
		t.Fatalf("recorder not updated: %+v %+v", rec.handles, rec.turns)
	}
}

func TestDirectoryRestoresPersistedHandle(t *testing.T) {
	rec := newFakeRecorder()
	rec.handles["client-1"] = "thread_saved"
	d := NewDirectory(rec, nil)
	ctx := context.Background()

	s, err := d.Get(ctx, "client-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if s.CurrentHandle() != "thread_saved" {
		t.Fatalf("expected restored handle, got %q", s.CurrentHandle())
	}

	again, _ := d.Get(ctx, "client-1")
	if again != s {
		t.Fatalf("Get must return the same state for a key")
	}

	fresh, err := d.Get(ctx, "client-2")
	if err != nil || fresh.CurrentHandle() != "" {
		t.Fatalf("unexpected fresh state: %v %q", err, fresh.CurrentHandle())
	}
	if d.Len() != 2 {
		t.Fatalf("expected 2 conversations, got %d", d.Len())
	}

	if _, err := d.Get(ctx, ""); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestBeginTurnIsExclusive(t *testing.T) {
	s := NewState("k", nil, nil)

	if !s.BeginTurn() {
		t.Fatalf("first turn must be admitted")
	}
	if s.BeginTurn() {
		t.Fatalf("second turn must be refused while the first runs")
	}
	if !s.Busy() {
		t.Fatalf("expected busy")
	}
	s.EndTurn()
	if !s.BeginTurn() {
		t.Fatalf("turn must be admitted after EndTurn")
	}
}

func TestDirectoryEvictsIdleAndRestores(t *testing.T) {
	rec := newFakeRecorder()
	d := NewDirectory(rec, nil)
	clock := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return clock }
	ctx := context.Background()

	s, err := d.Get(ctx, "client-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := s.Handle(ctx, func(context.Context) (string, error) { return "thread_9", nil }); err != nil {
		t.Fatalf("Handle failed: %v", err)
	}
	s.Append(ctx, RoleUser, "hello")

	clock = clock.Add(time.Minute)
	if n := d.Evict(time.Hour); n != 0 {
		t.Fatalf("recently used conversation evicted (%d)", n)
	}

	clock = clock.Add(2 * time.Hour)
	if n := d.Evict(time.Hour); n != 1 || d.Len() != 0 {
		t.Fatalf("expected one eviction, got %d (len %d)", n, d.Len())
	}

	again, err := d.Get(ctx, "client-1")
	if err != nil {
		t.Fatalf("Get after eviction failed: %v", err)
	}
	if again == s {
		t.Fatalf("expected a fresh state after eviction")
	}
	if again.CurrentHandle() != "thread_9" {
		t.Fatalf("handle not restored from the recorder, got %q", again.CurrentHandle())
	}
	if len(rec.turns["thread_9"]) != 1 {
		t.Fatalf("persisted turns lost: %+v", rec.turns)
	}
}

func TestDirectoryKeepsReferencedAndBusy(t *testing.T) {
	d := NewDirectory(nil, nil)
	clock := time.Unix(1_700_000_000, 0)
	d.now = func() time.Time { return clock }
	ctx := context.Background()

	held, release, err := d.Acquire(ctx, "socket")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	busy, _ := d.Get(ctx, "upload")
	busy.BeginTurn()

	clock = clock.Add(time.Hour)
	if n := d.Evict(0); n != 0 {
		t.Fatalf("evicted %d referenced or busy conversations", n)
	}

	release()
	release()
	busy.EndTurn()
	if n := d.Evict(0); n != 2 {
		t.Fatalf("expected both evicted, got %d", n)
	}
	if again, _ := d.Get(ctx, "socket"); again == held {
		t.Fatalf("released conversation should have been dropped")
	}
}

func TestJanitorStopsWithContext(t *testing.T) {
	d := NewDirectory(nil, nil)
	d.Get(context.Background(), "k")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Janitor(ctx, time.Millisecond, 0)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for d.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor never evicted")
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("janitor did not stop")
	}
}
