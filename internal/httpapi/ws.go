package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/mockpanel/internal/protocol"
	"github.com/ent0n29/mockpanel/internal/session"
)

const (
	outboundBuffer = 256
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsReadLimit    = 2 << 20
)

var errOutboundFull = errors.New("outbound queue full")

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("session_id"))
	if sessionID == "" {
		respondError(w, http.StatusBadRequest, "missing_session_id", "query parameter session_id is required")
		return
	}
	rt, err := s.sessions.Runtime(sessionID)
	if err != nil {
		s.respondErr(w, err)
		return
	}
	if rt == nil || rt.Panel == nil {
		respondError(w, http.StatusConflict, "session_unavailable", "session has no runtime")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	log := s.log.With(zap.String("session_id", sessionID))
	s.metrics.SessionEvent("ws_connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	outbound := make(chan any, outboundBuffer)
	// enqueue never blocks: engine callbacks publish from timer goroutines.
	enqueue := func(msg any) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		select {
		case outbound <- msg:
			return nil
		default:
			s.metrics.WSMessage("dropped", messageTypeOf(msg))
			return errOutboundFull
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteJSON(msg); err != nil {
					s.metrics.WSMessage("write_error", messageTypeOf(msg))
					cancel()
					return
				}
				s.metrics.WSMessage("outbound", messageTypeOf(msg))
			}
		}
	}()

	unsubscribe := rt.Events.Subscribe(func(msg any) { _ = enqueue(msg) })
	if rt.Bridge != nil {
		rt.Bridge.Attach(enqueue)
	}
	_ = enqueue(protocol.SystemEvent{
		Type:      protocol.TypeSystemEvent,
		SessionID: sessionID,
		Code:      "connected",
		Detail:    s.mode(),
	})
	if rt.Bridge != nil {
		if _, started := rt.Panel.Snapshot(); !started {
			// The panel waits for the browser's permission answer, which
			// arrives on this connection's read loop.
			go s.startFromSocket(ctx, sessionID, rt, enqueue)
		}
	}

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			_ = enqueue(errorEvent(sessionID, "invalid_client_message", "gateway", false, err))
			continue
		}
		s.metrics.WSMessage("inbound", messageTypeOf(parsed))
		_ = s.sessions.Touch(sessionID)

		if rt.Bridge != nil {
			handled, err := rt.Bridge.Handle(parsed)
			if err != nil {
				_ = enqueue(errorEvent(sessionID, "invalid_client_message", "bridge", false, err))
			}
			if handled {
				continue
			}
		}
		if ctl, ok := parsed.(protocol.ClientControl); ok {
			s.handleControl(ctx, sessionID, rt, ctl, enqueue)
		}
	}

	if rt.Bridge != nil {
		rt.Bridge.Detach()
	}
	unsubscribe()
	cancel()
	<-writerDone
	s.metrics.SessionEvent("ws_disconnected")
	log.Debug("websocket closed")
}

func (s *Server) handleControl(ctx context.Context, sessionID string, rt *session.Runtime, ctl protocol.ClientControl, enqueue func(any) error) {
	fail := func(err error) {
		_, code := statusForError(err)
		_ = enqueue(errorEvent(sessionID, code, "panel", false, err))
	}
	switch ctl.Action {
	case protocol.ActionAsk:
		if _, err := rt.Panel.AskNextQuestion(ctx); err != nil {
			fail(err)
		}
	case protocol.ActionSubmit:
		if _, err := rt.Panel.SubmitResponse(ctx, ctl.Text); err != nil {
			fail(err)
		}
	case protocol.ActionEnd:
		if _, err := s.endSession(ctx, sessionID, rt); err != nil {
			fail(err)
		}
	case protocol.ActionRetrySpeech:
		// Retry may wait on a permission prompt answered through this socket.
		go func() {
			if err := rt.Speech.Retry(ctx); err != nil {
				_ = enqueue(errorEvent(sessionID, "speech_retry_failed", "speech", true, err))
			}
		}()
	}
}

func (s *Server) startFromSocket(ctx context.Context, sessionID string, rt *session.Runtime, enqueue func(any) error) {
	if _, err := rt.Panel.StartSession(ctx); err != nil {
		_, code := statusForError(err)
		_ = enqueue(errorEvent(sessionID, code, "panel", false, err))
		s.log.Warn("panel start from websocket failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

func errorEvent(sessionID, code, source string, retryable bool, err error) protocol.ErrorEvent {
	return protocol.ErrorEvent{
		Type:      protocol.TypeErrorEvent,
		SessionID: sessionID,
		Code:      code,
		Source:    source,
		Retryable: retryable,
		Detail:    err.Error(),
	}
}

func messageTypeOf(v any) string {
	switch m := v.(type) {
	case protocol.ClientAudioLevels:
		return string(m.Type)
	case protocol.ClientAudioChunk:
		return string(m.Type)
	case protocol.ClientRecognition:
		return string(m.Type)
	case protocol.ClientSpeechDone:
		return string(m.Type)
	case protocol.ClientControl:
		return string(m.Type)
	case protocol.TranscriptUpdate:
		return string(m.Type)
	case protocol.QuestionEvent:
		return string(m.Type)
	case protocol.SpeakRequest:
		return string(m.Type)
	case protocol.SpeechState:
		return string(m.Type)
	case protocol.BridgeCommand:
		return string(m.Type)
	case protocol.SystemEvent:
		return string(m.Type)
	case protocol.ErrorEvent:
		return string(m.Type)
	default:
		return "unknown"
	}
}
