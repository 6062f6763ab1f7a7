package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/mockpanel/internal/protocol"
)

type wsEnvelope struct {
	Type        string `json:"type"`
	Event       string `json:"event,omitempty"`
	Number      int    `json:"number,omitempty"`
	Text        string `json:"text,omitempty"`
	Interviewer string `json:"interviewer,omitempty"`
	Action      string `json:"action,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	State       string `json:"state,omitempty"`
	Code        string `json:"code,omitempty"`
	Source      string `json:"source,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// wsConn serialises writes from the main loop and the browser emulator.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) send(msg any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteJSON(msg)
}

func runSession(ctx context.Context, opts runOptions) error {
	client := &apiClient{baseURL: opts.baseURL, http: &http.Client{Timeout: 45 * time.Second}}
	created, err := client.createSession(ctx, opts.candidate)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	sessionID := created.Session.ID
	ended := false
	defer func() {
		if !ended {
			_, _ = client.end(context.Background(), sessionID)
		}
	}()

	wsURL, err := wsURLForSession(opts.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()
	ws := &wsConn{conn: conn}

	var br *browser
	if opts.bridge {
		br, err = newBrowser(ws, sessionID, opts)
		if err != nil {
			return err
		}
		defer br.close()
	}

	events := make(chan wsEnvelope, 64)
	readErrCh := make(chan error, 1)
	go readLoop(conn, br, events, readErrCh, opts.verbose)

	fmt.Printf("panelsim: session=%s mode=%s\n", sessionID, created.Session.Mode)
	if created.Panel == nil {
		// Bridge-mode servers start the panel once a browser attaches.
		if err := awaitEvent(ctx, events, readErrCh, opts.turnTimeout, func(e wsEnvelope) bool {
			return e.Type == string(protocol.TypeQuestionEvent) && e.Event == "session_started"
		}); err != nil {
			return fmt.Errorf("await panel start: %w", err)
		}
	}

	for i := 0; opts.maxTurns == 0 || i < opts.maxTurns; i++ {
		turn, err := client.ask(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("ask: %w", err)
		}
		if turn.IsComplete {
			break
		}
		fmt.Printf("Q%d [%s] %s: %s\n", turn.Number, turn.Question.Category, turn.Interviewer.Name, turn.Question.Text)

		number := turn.Number
		if err := awaitEvent(ctx, events, readErrCh, opts.turnTimeout, func(e wsEnvelope) bool {
			return e.Type == string(protocol.TypeQuestionEvent) && e.Number == number &&
				(e.Event == "speaking_finished" || e.Event == "speaking_failed")
		}); err != nil {
			return fmt.Errorf("question %d delivery: %w", number, err)
		}
		if err := sleepCtx(ctx, opts.answerDelay); err != nil {
			return err
		}

		answer := opts.answers[i%len(opts.answers)]
		text := answer
		if br != nil {
			// The answer travels through recognition; the server falls back
			// to the recognized transcript when the submitted text is empty.
			if err := br.say(ctx, answer); err != nil {
				return fmt.Errorf("speak answer: %w", err)
			}
			text = ""
		}
		resp, err := client.submit(ctx, sessionID, text)
		if err != nil {
			return fmt.Errorf("submit: %w", err)
		}
		fmt.Printf("A%d (%s): %s\n", number, resp.Duration.Round(time.Millisecond), resp.ResponseText)
	}

	final, err := client.end(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	ended = true
	printSummary(os.Stdout, final)
	return nil
}

func printSummary(w io.Writer, s sessionEnvelope) {
	if s.Panel == nil {
		fmt.Fprintln(w, "panelsim: session ended before the panel started")
		return
	}
	fmt.Fprintf(w, "panelsim: answered %d of %d questions\n", len(s.Panel.Responses), len(s.Panel.Questions))
	if s.Panel.Capture == nil {
		fmt.Fprintln(w, "panelsim: no capture metrics")
		return
	}
	m := s.Panel.Capture.Metrics
	fmt.Fprintf(w, "  audio:      volume=%.1f clarity=%.1f speaking=%.1f%% pauses=%d fillers=%d\n",
		m.Audio.Volume, m.Audio.Clarity, m.Audio.SpeechRate, m.Audio.PauseCount, m.Audio.FillerWords)
	fmt.Fprintf(w, "  video:      eye_contact=%.1f head_movement=%.1f posture=%s gestures=%d\n",
		m.Video.EyeContact, m.Video.HeadMovement, m.Video.Posture, m.Video.GestureCount)
	fmt.Fprintf(w, "  behavioral: confidence=%.1f nervousness=%.1f engagement=%.1f professionalism=%.1f\n",
		m.Behavioral.ConfidenceLevel, m.Behavioral.Nervousness, m.Behavioral.Engagement, m.Behavioral.Professionalism)
	for _, artifact := range s.Panel.Capture.MediaArtifacts {
		fmt.Fprintf(w, "  recording:  %s\n", artifact)
	}
}

func readLoop(conn *websocket.Conn, br *browser, events chan<- wsEnvelope, readErrCh chan<- error, verbose bool) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		if verbose {
			fmt.Fprintf(os.Stderr, "panelsim: <- %s\n", data)
		}
		switch env.Type {
		case string(protocol.TypeBridgeCommand), string(protocol.TypeSpeakRequest):
			if br != nil {
				br.handle(env)
			}
		case string(protocol.TypeQuestionEvent):
			select {
			case events <- env:
			default:
			}
		case string(protocol.TypeErrorEvent):
			fmt.Fprintf(os.Stderr, "panelsim: error_event source=%s code=%s detail=%s\n", env.Source, env.Code, env.Detail)
		}
	}
}

func awaitEvent(ctx context.Context, events <-chan wsEnvelope, readErrCh <-chan error, timeout time.Duration, match func(wsEnvelope) bool) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case env := <-events:
			if match(env) {
				return nil
			}
		case err := <-readErrCh:
			return fmt.Errorf("ws read: %w", err)
		case <-timer.C:
			return fmt.Errorf("timeout after %s", timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
