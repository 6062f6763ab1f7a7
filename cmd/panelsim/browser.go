package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ent0n29/mockpanel/internal/audio"
	"github.com/ent0n29/mockpanel/internal/protocol"
)

const (
	levelBins          = 128
	wordsPerSecond     = 2.5
	recognitionTimeout = 5 * time.Second
)

// browser answers bridge commands the way the web client does: it grants
// permission, streams analyser frames while capture is acquired, relays
// recognition events and acknowledges speak requests once "spoken".
type browser struct {
	ws        *wsConn
	sessionID string
	period    time.Duration
	verbose   bool

	pcm        []byte
	sampleRate int

	mu          sync.Mutex
	capturing   chan struct{}
	recognizing bool
	recognition chan struct{}
	speaking    bool
	closed      bool
	seq         int
}

func newBrowser(ws *wsConn, sessionID string, opts runOptions) (*browser, error) {
	b := &browser{
		ws:          ws,
		sessionID:   sessionID,
		period:      opts.levelsPeriod,
		verbose:     opts.verbose,
		recognition: make(chan struct{}),
	}
	if b.period <= 0 {
		b.period = 100 * time.Millisecond
	}
	if strings.TrimSpace(opts.wavPath) != "" {
		data, err := os.ReadFile(opts.wavPath)
		if err != nil {
			return nil, err
		}
		b.pcm, b.sampleRate, err = decodeWAVPCM16(data)
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", opts.wavPath, err)
		}
	}
	return b, nil
}

func (b *browser) handle(env wsEnvelope) {
	switch env.Type {
	case string(protocol.TypeSpeakRequest):
		go b.speak(env)
	case string(protocol.TypeBridgeCommand):
		switch env.Action {
		case protocol.CommandPermissionRequest:
			granted := true
			b.send(protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: b.sessionID, Action: protocol.ActionPermission, Granted: &granted})
		case protocol.CommandCaptureAcquire:
			b.startCapture()
		case protocol.CommandCaptureRelease:
			b.stopCapture()
		case protocol.CommandRecognitionStart:
			b.setRecognizing(true)
			b.send(protocol.ClientRecognition{Type: protocol.TypeClientRecognition, SessionID: b.sessionID, Event: "start"})
		case protocol.CommandRecognitionStop:
			b.setRecognizing(false)
			b.send(protocol.ClientRecognition{Type: protocol.TypeClientRecognition, SessionID: b.sessionID, Event: "end"})
		}
	}
}

// say waits for recognition to be listening and relays text as a final result.
func (b *browser) say(ctx context.Context, text string) error {
	deadline := time.NewTimer(recognitionTimeout)
	defer deadline.Stop()
	for {
		b.mu.Lock()
		ready := b.recognizing
		wake := b.recognition
		b.mu.Unlock()
		if ready {
			break
		}
		select {
		case <-wake:
		case <-deadline.C:
			return fmt.Errorf("recognition not listening after %s", recognitionTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	b.setSpeaking(true)
	words := strings.Fields(text)
	for i := 1; i < len(words); i++ {
		b.send(protocol.ClientRecognition{
			Type:      protocol.TypeClientRecognition,
			SessionID: b.sessionID,
			Event:     "result",
			Results:   []protocol.RecognitionResult{{Transcript: strings.Join(words[:i], " "), Confidence: 0.6}},
		})
		if err := sleepCtx(ctx, time.Duration(float64(time.Second)/wordsPerSecond)); err != nil {
			return err
		}
	}
	b.send(protocol.ClientRecognition{
		Type:      protocol.TypeClientRecognition,
		SessionID: b.sessionID,
		Event:     "result",
		Results:   []protocol.RecognitionResult{{Transcript: text, Confidence: 0.92, IsFinal: true}},
	})
	b.setSpeaking(false)
	// Let the final result reach the speech manager before the caller submits.
	return sleepCtx(ctx, 300*time.Millisecond)
}

func (b *browser) speak(env wsEnvelope) {
	words := len(strings.Fields(env.Text))
	d := time.Duration(float64(words) / wordsPerSecond * float64(time.Second))
	time.Sleep(d)
	b.send(protocol.ClientSpeechDone{Type: protocol.TypeClientSpeechDone, SessionID: b.sessionID, RequestID: env.RequestID})
}

func (b *browser) startCapture() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capturing != nil || b.closed {
		return
	}
	stop := make(chan struct{})
	b.capturing = stop
	go b.streamLevels(stop)
}

func (b *browser) stopCapture() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capturing != nil {
		close(b.capturing)
		b.capturing = nil
	}
}

func (b *browser) streamLevels(stop <-chan struct{}) {
	ticker := time.NewTicker(b.period)
	defer ticker.Stop()
	frameBytes := int(int64(b.sampleRate) * 2 * int64(b.period) / int64(time.Second))
	frameBytes -= frameBytes % 2
	offset := 0
	started := time.Now()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		bins := make([]byte, levelBins)
		if len(b.pcm) > 0 && frameBytes > 0 {
			end := offset + frameBytes
			if end > len(b.pcm) {
				offset, end = 0, frameBytes
				if end > len(b.pcm) {
					end = len(b.pcm) - len(b.pcm)%2
				}
			}
			chunk := b.pcm[offset:end]
			offset = end
			bins = bins[:audio.PCM16Levels(chunk, bins)]
			b.mu.Lock()
			b.seq++
			seq := b.seq
			b.mu.Unlock()
			b.send(protocol.ClientAudioChunk{
				Type:        protocol.TypeClientAudioChunk,
				SessionID:   b.sessionID,
				Seq:         seq,
				PCM16Base64: base64.StdEncoding.EncodeToString(chunk),
				SampleRate:  b.sampleRate,
				TSMs:        time.Now().UnixMilli(),
			})
		} else {
			b.syntheticLevels(bins, time.Since(started))
		}
		if len(bins) == 0 {
			continue
		}
		b.send(protocol.ClientAudioLevels{
			Type:       protocol.TypeClientAudioLevels,
			SessionID:  b.sessionID,
			BinsBase64: base64.StdEncoding.EncodeToString(bins),
			TSMs:       time.Now().UnixMilli(),
		})
	}
}

// syntheticLevels fills bins with a voice-like envelope while answering and
// room noise otherwise.
func (b *browser) syntheticLevels(bins []byte, elapsed time.Duration) {
	b.mu.Lock()
	speaking := b.speaking
	b.mu.Unlock()
	base := 8.0
	if speaking {
		base = 70 + 30*math.Sin(elapsed.Seconds()*6)
	}
	for i := range bins {
		falloff := 1 - float64(i)/float64(len(bins))
		bins[i] = byte(math.Max(0, math.Min(255, base*falloff*1.6)))
	}
}

func (b *browser) setRecognizing(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recognizing = v
	if v {
		close(b.recognition)
		b.recognition = make(chan struct{})
	}
}

func (b *browser) setSpeaking(v bool) {
	b.mu.Lock()
	b.speaking = v
	b.mu.Unlock()
}

func (b *browser) send(msg any) {
	if err := b.ws.send(msg); err != nil && b.verbose {
		fmt.Fprintf(os.Stderr, "panelsim: send failed: %v\n", err)
	}
}

func (b *browser) close() {
	b.stopCapture()
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}
