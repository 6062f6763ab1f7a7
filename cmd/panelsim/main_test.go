package main

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/ent0n29/mockpanel/internal/audio"
)

func TestDecodeWAVPCM16Mono(t *testing.T) {
	pcm := []byte{
		0x00, 0x00,
		0xE8, 0x03, // 1000
		0x18, 0xFC, // -1000
	}
	var buf bytes.Buffer
	if err := audio.WriteWAV(&buf, pcm, 16000); err != nil {
		t.Fatalf("WriteWAV() error = %v", err)
	}
	got, rate, err := decodeWAVPCM16(buf.Bytes())
	if err != nil {
		t.Fatalf("decodeWAVPCM16() error = %v", err)
	}
	if rate != 16000 {
		t.Fatalf("sampleRate = %d, want 16000", rate)
	}
	if !bytes.Equal(got, pcm) {
		t.Fatalf("pcm = %v, want %v", got, pcm)
	}
}

func TestDecodeWAVPCM16StereoDownmix(t *testing.T) {
	// L=1000 R=-1000 averages to 0; L=3000 R=1000 averages to 2000.
	stereo := []byte{
		0xE8, 0x03, 0x18, 0xFC,
		0xB8, 0x0B, 0xE8, 0x03,
	}
	got, rate, err := decodeWAVPCM16(stereoWAV(stereo, 24000))
	if err != nil {
		t.Fatalf("decodeWAVPCM16() error = %v", err)
	}
	if rate != 24000 {
		t.Fatalf("sampleRate = %d, want 24000", rate)
	}
	if len(got) != 4 {
		t.Fatalf("len(pcm) = %d, want 4", len(got))
	}
	s1 := int16(binary.LittleEndian.Uint16(got[0:2]))
	s2 := int16(binary.LittleEndian.Uint16(got[2:4]))
	if s1 != 0 || s2 != 2000 {
		t.Fatalf("downmix = [%d %d], want [0 2000]", s1, s2)
	}
}

func TestDecodeWAVPCM16Rejects(t *testing.T) {
	cases := map[string][]byte{
		"short":     []byte("RIFF"),
		"not riff":  []byte("RIFX\x00\x00\x00\x00WAVEfmt "),
		"no chunks": []byte("RIFF\x04\x00\x00\x00WAVE"),
	}
	for name, data := range cases {
		if _, _, err := decodeWAVPCM16(data); err == nil {
			t.Fatalf("%s: decodeWAVPCM16() expected error", name)
		}
	}
}

func TestSplitAnswers(t *testing.T) {
	got := splitAnswers(" first answer | |second|")
	if len(got) != 2 || got[0] != "first answer" || got[1] != "second" {
		t.Fatalf("splitAnswers() = %q", got)
	}
	if got := splitAnswers(""); len(got) != 0 {
		t.Fatalf("splitAnswers(\"\") = %q, want empty", got)
	}
}

func TestWSURLForSession(t *testing.T) {
	got, err := wsURLForSession("https://panel.example.com/base/", "abc")
	if err != nil {
		t.Fatalf("wsURLForSession() error = %v", err)
	}
	if want := "wss://panel.example.com/base/v1/panel/session/ws?session_id=abc"; got != want {
		t.Fatalf("wsURLForSession() = %q, want %q", got, want)
	}
	if _, err := wsURLForSession("ftp://host", "abc"); err == nil {
		t.Fatalf("wsURLForSession(ftp) expected error")
	}
}

func TestLevelFrames(t *testing.T) {
	// 100ms of a constant half-scale signal at 8kHz, sliced into 50ms windows.
	pcm := make([]byte, 800*2)
	for i := 0; i < 800; i++ {
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(16384))
	}
	frames := levelFrames(pcm, 8000, 50*time.Millisecond, 16)
	if len(frames) != 2 {
		t.Fatalf("levelFrames() = %d frames, want 2", len(frames))
	}
	for i, f := range frames {
		if len(f) != 16 {
			t.Fatalf("frame %d has %d bins, want 16", i, len(f))
		}
		if f[0] != 127 {
			t.Fatalf("frame %d bin 0 = %d, want 127", i, f[0])
		}
	}
	if rms := audio.RMSLevel(frames[0]); rms <= 0 {
		t.Fatalf("RMSLevel() = %v, want > 0", rms)
	}
}

func stereoWAV(pcm []byte, sampleRate int) []byte {
	var b bytes.Buffer
	b.WriteString("RIFF")
	_ = binary.Write(&b, binary.LittleEndian, uint32(36+len(pcm)))
	b.WriteString("WAVEfmt ")
	_ = binary.Write(&b, binary.LittleEndian, uint32(16))
	_ = binary.Write(&b, binary.LittleEndian, uint16(1))
	_ = binary.Write(&b, binary.LittleEndian, uint16(2))
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate))
	_ = binary.Write(&b, binary.LittleEndian, uint32(sampleRate*4))
	_ = binary.Write(&b, binary.LittleEndian, uint16(4))
	_ = binary.Write(&b, binary.LittleEndian, uint16(16))
	b.WriteString("data")
	_ = binary.Write(&b, binary.LittleEndian, uint32(len(pcm)))
	b.Write(pcm)
	return b.Bytes()
}
