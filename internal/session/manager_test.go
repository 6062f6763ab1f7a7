package session

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestManagerRegisterGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	id := NewID()
	s := m.Register(id, "Ada", "mock", &Runtime{})
	if s.ID != id || s.Status != StatusActive {
		t.Fatalf("Register() = %+v", s)
	}

	got, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.CandidateName != "Ada" || got.Mode != "mock" {
		t.Fatalf("unexpected session state: %+v", got)
	}
	if m.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", m.ActiveCount())
	}

	ended, err := m.End(id)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded || m.ActiveCount() != 0 {
		t.Fatalf("ended status = %q, active = %d", ended.Status, m.ActiveCount())
	}
	if _, err := m.Get("missing"); err != ErrNotFound {
		t.Fatalf("Get(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerTracksProgress(t *testing.T) {
	m := NewManager(time.Minute)
	id := NewID()
	m.Register(id, "", "mock", nil)
	if err := m.RecordAsk(id, 3); err != nil {
		t.Fatalf("RecordAsk() error = %v", err)
	}
	if err := m.RecordAnswer(id); err != nil {
		t.Fatalf("RecordAnswer() error = %v", err)
	}
	got, _ := m.Get(id)
	if got.QuestionNumber != 3 || got.Answered != 1 {
		t.Fatalf("progress = %d/%d, want 3/1", got.QuestionNumber, got.Answered)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	id := NewID()
	rt := &Runtime{}
	m.Register(id, "Ada", "mock", rt)

	var mu sync.Mutex
	var expired []*Runtime
	m.SetExpireHook(func(_ Session, r *Runtime) {
		mu.Lock()
		expired = append(expired, r)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	got, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0] != rt {
		t.Fatalf("expire hook runtimes = %v, want the registered runtime once", expired)
	}
}

func TestRuntimeCloseToleratesEmpty(t *testing.T) {
	var nilRuntime *Runtime
	if err := nilRuntime.Close(context.Background()); err != nil {
		t.Fatalf("nil Close() error = %v", err)
	}
	if err := (&Runtime{}).Close(context.Background()); err != nil {
		t.Fatalf("empty Close() error = %v", err)
	}
}

func TestBroadcasterFanOut(t *testing.T) {
	b := NewBroadcaster()
	var mu sync.Mutex
	var first, second []any
	cancel := b.Subscribe(func(msg any) {
		mu.Lock()
		first = append(first, msg)
		mu.Unlock()
	})
	b.Subscribe(func(msg any) {
		mu.Lock()
		second = append(second, msg)
		mu.Unlock()
	})

	b.Publish("a")
	cancel()
	b.Publish("b")

	mu.Lock()
	defer mu.Unlock()
	if len(first) != 1 || len(second) != 2 {
		t.Fatalf("deliveries = %v / %v, want 1 / 2", first, second)
	}
	if b.Subscribers() != 1 {
		t.Fatalf("Subscribers() = %d, want 1", b.Subscribers())
	}
	var nilBroadcaster *Broadcaster
	nilBroadcaster.Publish("ignored")
}
