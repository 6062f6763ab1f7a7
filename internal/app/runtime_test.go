package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/mockpanel/internal/config"
	"github.com/ent0n29/mockpanel/internal/kvstore"
	"github.com/ent0n29/mockpanel/internal/panel"
	"github.com/ent0n29/mockpanel/internal/protocol"
	"github.com/ent0n29/mockpanel/internal/session"
)

func newTestRuntimes(t *testing.T, cfg config.Config) (*Runtimes, *session.Manager) {
	t.Helper()
	catalog, err := panel.DefaultCatalog()
	if err != nil {
		t.Fatalf("DefaultCatalog() error = %v", err)
	}
	sessions := session.NewManager(time.Minute)
	return NewRuntimes(cfg, catalog, kvstore.NewInMemoryStore(), sessions, nil, nil), sessions
}

func TestMockRuntimeRunsPanel(t *testing.T) {
	f, sessions := newTestRuntimes(t, config.Config{
		CollaboratorMode: config.ModeMock,
		QuestionTarget:   4,
		RosterSize:       3,
		DiversityGender:  "female",
		SpeakDelay:       time.Hour,
		ResumeDelay:      time.Hour,
	})
	id := session.NewID()
	rt, err := f.NewRuntime(id, "Ada")
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}
	sessions.Register(id, "Ada", f.Mode(), rt)
	if rt.Bridge != nil {
		t.Fatalf("mock runtime should not carry a bridge")
	}

	var mu sync.Mutex
	var questions []protocol.QuestionEvent
	rt.Events.Subscribe(func(msg any) {
		if q, ok := msg.(protocol.QuestionEvent); ok {
			mu.Lock()
			questions = append(questions, q)
			mu.Unlock()
		}
	})

	ctx := context.Background()
	snap, err := rt.Panel.StartSession(ctx)
	if err != nil {
		t.Fatalf("StartSession() error = %v", err)
	}
	if len(snap.Questions) != 4 || len(snap.Roster) != 3 || !snap.MetricsAvailable {
		t.Fatalf("StartSession() = %d questions, %d roster, metrics %v", len(snap.Questions), len(snap.Roster), snap.MetricsAvailable)
	}

	turn, err := rt.Panel.AskNextQuestion(ctx)
	if err != nil {
		t.Fatalf("AskNextQuestion() error = %v", err)
	}
	if _, err := rt.Panel.SubmitResponse(ctx, "my answer"); err != nil {
		t.Fatalf("SubmitResponse() error = %v", err)
	}

	got, _ := sessions.Get(id)
	if got.QuestionNumber != turn.Number || got.Answered != 1 {
		t.Fatalf("registry progress = %d/%d, want %d/1", got.QuestionNumber, got.Answered, turn.Number)
	}

	if err := rt.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if rt.Panel.Active() {
		t.Fatalf("panel still active after Close")
	}

	mu.Lock()
	defer mu.Unlock()
	var kinds []string
	for _, q := range questions {
		kinds = append(kinds, q.Event)
	}
	want := []string{"session_started", "question_asked", "response_recorded", "session_ended"}
	if len(kinds) != len(want) {
		t.Fatalf("question events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("question events = %v, want %v", kinds, want)
		}
	}
	if questions[1].Text == "" || questions[1].Interviewer == "" {
		t.Fatalf("question_asked missing turn details: %+v", questions[1])
	}
}

func TestBridgeRuntimeCarriesBridge(t *testing.T) {
	f, _ := newTestRuntimes(t, config.Config{CollaboratorMode: config.ModeBridge, QuestionTarget: 4})
	rt, err := f.NewRuntime(session.NewID(), "")
	if err != nil {
		t.Fatalf("NewRuntime() error = %v", err)
	}
	defer rt.Close(context.Background())
	if rt.Bridge == nil || rt.Bridge.Attached() {
		t.Fatalf("bridge runtime should carry a detached bridge")
	}
}

func TestNewRuntimeRejectsUnknownMode(t *testing.T) {
	f, _ := newTestRuntimes(t, config.Config{CollaboratorMode: "webrtc"})
	if _, err := f.NewRuntime(session.NewID(), ""); err == nil {
		t.Fatalf("NewRuntime() expected error for unknown mode")
	}
}

func TestNewRuntimeRejectsOversizedTarget(t *testing.T) {
	f, _ := newTestRuntimes(t, config.Config{CollaboratorMode: config.ModeMock, QuestionTarget: 500})
	if _, err := f.NewRuntime(session.NewID(), ""); !errors.Is(err, panel.ErrInsufficientQuestions) {
		t.Fatalf("NewRuntime() error = %v, want ErrInsufficientQuestions", err)
	}
}

func TestPanelDelay(t *testing.T) {
	if got := panelDelay(0); got >= 0 {
		t.Fatalf("panelDelay(0) = %s, want negative", got)
	}
	if got := panelDelay(time.Second); got != time.Second {
		t.Fatalf("panelDelay(1s) = %s, want 1s", got)
	}
}
