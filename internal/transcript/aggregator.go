// Package transcript keeps the chronological log of finalized utterances for a
// panel session and the per-question answer record.
package transcript

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ent0n29/mockpanel/internal/scheduler"
)

type Speaker string

const (
	SpeakerInterviewer Speaker = "interviewer"
	SpeakerCandidate   Speaker = "candidate"
)

const (
	DefaultMaxEntries = 1000
	DefaultDebounce   = 100 * time.Millisecond
)

type Entry struct {
	ID          string    `json:"id"`
	Text        string    `json:"text"`
	Timestamp   time.Time `json:"timestamp"`
	Speaker     Speaker   `json:"speaker"`
	SpeakerName string    `json:"speaker_name"`
	Confidence  float64   `json:"confidence"`
	IsInterim   bool      `json:"is_interim"`
}

// Update is delivered to subscribers once per debounce window.
type Update struct {
	Entries []Entry `json:"entries"`
	Interim string  `json:"interim"`
}

type Options struct {
	MaxEntries    int
	Debounce      time.Duration
	CandidateName string
}

// Aggregator is safe for concurrent use.
type Aggregator struct {
	mu            sync.Mutex
	maxEntries    int
	debounce      time.Duration
	candidateName string

	entries   []Entry
	interim   string
	responses map[string]string

	pending     []Entry
	flushQueued bool
	closed      bool
	nextSubID   int
	subscribers map[int]func(Update)
	sched       *scheduler.Scheduler
}

func NewAggregator(opts Options) *Aggregator {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if strings.TrimSpace(opts.CandidateName) == "" {
		opts.CandidateName = "You"
	}
	return &Aggregator{
		maxEntries:    opts.MaxEntries,
		debounce:      opts.Debounce,
		candidateName: opts.CandidateName,
		responses:     make(map[string]string),
		subscribers:   make(map[int]func(Update)),
		sched:         scheduler.New(),
	}
}

// AddCandidateSpeech appends a finalized candidate utterance and clears the interim text.
func (a *Aggregator) AddCandidateSpeech(text string, confidence float64) (Entry, bool) {
	return a.append(SpeakerCandidate, "", text, confidence, true)
}

// AddInterviewerQuestion interleaves a spoken question into the log.
func (a *Aggregator) AddInterviewerQuestion(text, speakerName string) (Entry, bool) {
	return a.append(SpeakerInterviewer, speakerName, text, 1.0, false)
}

func (a *Aggregator) append(speaker Speaker, name, text string, confidence float64, clearInterim bool) (Entry, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Entry{}, false
	}
	if speaker == SpeakerCandidate && strings.TrimSpace(name) == "" {
		name = a.candidateName
	}
	e := Entry{
		ID:          uuid.NewString(),
		Text:        text,
		Speaker:     speaker,
		SpeakerName: name,
		Confidence:  clampConfidence(confidence),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return Entry{}, false
	}
	// Stamped under the lock so log order and timestamp order agree.
	e.Timestamp = time.Now().UTC()
	a.entries = append(a.entries, e)
	if over := len(a.entries) - a.maxEntries; over > 0 {
		// Shift into a fresh slice so the backing array does not grow unbounded.
		trimmed := make([]Entry, a.maxEntries)
		copy(trimmed, a.entries[over:])
		a.entries = trimmed
	}
	if clearInterim {
		a.interim = ""
	}
	a.pending = append(a.pending, e)
	a.queueFlushLocked()
	return e, true
}

// SetInterim replaces the provisional utterance. Interim text is never logged.
func (a *Aggregator) SetInterim(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}
	a.interim = strings.TrimSpace(text)
	a.queueFlushLocked()
}

func (a *Aggregator) Interim() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.interim
}

// Entries returns a copy of the finalized log, oldest first.
func (a *Aggregator) Entries() []Entry {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Entry, len(a.entries))
	copy(out, a.entries)
	return out
}

func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// SaveResponse stores the answer for a question number under "q<n>".
func (a *Aggregator) SaveResponse(questionNumber int, text string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.responses[ResponseKey(questionNumber)] = strings.TrimSpace(text)
}

func (a *Aggregator) Responses() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[string]string, len(a.responses))
	for k, v := range a.responses {
		out[k] = v
	}
	return out
}

func ResponseKey(questionNumber int) string {
	return "q" + strconv.Itoa(questionNumber)
}

// Subscribe registers fn for debounced updates and returns an unsubscribe func.
func (a *Aggregator) Subscribe(fn func(Update)) func() {
	if fn == nil {
		return func() {}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextSubID++
	id := a.nextSubID
	a.subscribers[id] = fn
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.subscribers, id)
	}
}

// Close drops pending notifications and stops accepting entries.
func (a *Aggregator) Close() {
	a.mu.Lock()
	a.closed = true
	a.pending = nil
	a.flushQueued = false
	a.mu.Unlock()
	a.sched.CancelAll()
}

func (a *Aggregator) queueFlushLocked() {
	if a.flushQueued || len(a.subscribers) == 0 {
		if len(a.subscribers) == 0 {
			a.pending = nil
		}
		return
	}
	a.flushQueued = true
	a.sched.After(a.debounce, a.flush)
}

func (a *Aggregator) flush() {
	a.mu.Lock()
	if a.closed || !a.flushQueued {
		a.mu.Unlock()
		return
	}
	a.flushQueued = false
	update := Update{Entries: a.pending, Interim: a.interim}
	a.pending = nil
	subs := make([]func(Update), 0, len(a.subscribers))
	for _, fn := range a.subscribers {
		subs = append(subs, fn)
	}
	a.mu.Unlock()

	for _, fn := range subs {
		fn(update)
	}
}

func clampConfidence(c float64) float64 {
	if c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return c
}
