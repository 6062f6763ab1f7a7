package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var ErrNotFound = errors.New("session not found")

// Session is the registry record of one panel run.
type Session struct {
	ID             string    `json:"session_id"`
	CandidateName  string    `json:"candidate_name"`
	Mode           string    `json:"mode"`
	Status         Status    `json:"status"`
	QuestionNumber int       `json:"question_number"`
	Answered       int       `json:"answered"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

type entry struct {
	session Session
	runtime *Runtime
}

// Manager keeps the live runtimes of panel sessions and expires idle ones.
type Manager struct {
	mu                sync.RWMutex
	entries           map[string]*entry
	inactivityTimeout time.Duration
	onExpire          func(Session, *Runtime)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 10 * time.Minute
	}
	return &Manager{
		entries:           make(map[string]*entry),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) SetExpireHook(hook func(Session, *Runtime)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) InactivityTimeout() time.Duration {
	return m.inactivityTimeout
}

// NewID returns a fresh session id so a runtime can be built before Register.
func NewID() string {
	return uuid.NewString()
}

func (m *Manager) Register(id, candidateName, mode string, rt *Runtime) Session {
	now := time.Now().UTC()
	s := Session{
		ID:             id,
		CandidateName:  candidateName,
		Mode:           mode,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = &entry{session: s, runtime: rt}
	return s
}

func (m *Manager) Get(sessionID string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	return e.session, nil
}

// Runtime returns the live components of a session and marks it active.
func (m *Manager) Runtime(sessionID string) (*Runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	e.session.LastActivityAt = time.Now().UTC()
	return e.runtime, nil
}

func (m *Manager) Touch(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.LastActivityAt = time.Now().UTC()
	return nil
}

// RecordAsk notes the question number currently being asked.
func (m *Manager) RecordAsk(sessionID string, number int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.QuestionNumber = number
	e.session.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) RecordAnswer(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return ErrNotFound
	}
	e.session.Answered++
	e.session.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) End(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[sessionID]
	if !ok {
		return Session{}, ErrNotFound
	}
	e.session.Status = StatusEnded
	e.session.LastActivityAt = time.Now().UTC()
	return e.session, nil
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, e := range m.entries {
		if e.session.Status == StatusActive {
			count++
		}
	}
	return count
}

// Shutdown ends every active session through the expire hook.
func (m *Manager) Shutdown() {
	m.expire(func(Session) bool { return true })
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	m.expire(func(s Session) bool { return now.Sub(s.LastActivityAt) >= m.inactivityTimeout })
}

func (m *Manager) expire(match func(Session) bool) {
	type expired struct {
		session Session
		runtime *Runtime
	}
	var out []expired

	m.mu.Lock()
	for _, e := range m.entries {
		if e.session.Status != StatusActive || !match(e.session) {
			continue
		}
		e.session.Status = StatusEnded
		e.session.LastActivityAt = time.Now().UTC()
		out = append(out, expired{session: e.session, runtime: e.runtime})
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, x := range out {
			hook(x.session, x.runtime)
		}
	}
}
