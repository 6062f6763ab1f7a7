package audio

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

const DefaultSampleRate = 16000

// PCM16Levels folds little-endian mono PCM16 samples into len(dst) byte levels
// (mean absolute amplitude per segment, 0..255), the same shape as the
// frequency data a browser analyser reports. It returns the bins written.
func PCM16Levels(pcm []byte, dst []byte) int {
	samples := len(pcm) / 2
	if samples == 0 || len(dst) == 0 {
		return 0
	}
	bins := len(dst)
	if bins > samples {
		bins = samples
	}
	per := samples / bins
	for b := 0; b < bins; b++ {
		var sum int64
		start := b * per
		end := start + per
		if b == bins-1 {
			end = samples
		}
		for i := start; i < end; i++ {
			v := int64(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
			if v < 0 {
				v = -v
			}
			sum += v
		}
		avg := sum / int64(end-start)
		dst[b] = byte(avg * 255 / 32768)
	}
	return bins
}

type wavHeader struct {
	ChunkID       [4]byte
	ChunkSize     uint32
	Format        [4]byte
	FmtID         [4]byte
	FmtSize       uint32
	AudioFormat   uint16
	NumChannels   uint16
	SampleRate    uint32
	ByteRate      uint32
	BlockAlign    uint16
	BitsPerSample uint16
	DataID        [4]byte
	DataSize      uint32
}

// WriteWAV writes mono PCM16LE samples as a WAV stream.
func WriteWAV(out io.Writer, pcm []byte, sampleRate int) error {
	if sampleRate <= 0 {
		sampleRate = DefaultSampleRate
	}
	h := wavHeader{
		ChunkID:       [4]byte{'R', 'I', 'F', 'F'},
		ChunkSize:     uint32(36 + len(pcm)),
		Format:        [4]byte{'W', 'A', 'V', 'E'},
		FmtID:         [4]byte{'f', 'm', 't', ' '},
		FmtSize:       16,
		AudioFormat:   1,
		NumChannels:   1,
		SampleRate:    uint32(sampleRate),
		ByteRate:      uint32(sampleRate * 2),
		BlockAlign:    2,
		BitsPerSample: 16,
		DataID:        [4]byte{'d', 'a', 't', 'a'},
		DataSize:      uint32(len(pcm)),
	}
	w := bufio.NewWriter(out)
	if err := binary.Write(w, binary.LittleEndian, h); err != nil {
		return fmt.Errorf("write wav header: %w", err)
	}
	if _, err := w.Write(pcm); err != nil {
		return fmt.Errorf("write wav data: %w", err)
	}
	return w.Flush()
}

var ErrRecorderClosed = errors.New("recorder closed")

// Recorder buffers PCM16 chunks of one capture and writes them to a WAV file
// on Close.
type Recorder struct {
	mu         sync.Mutex
	path       string
	sampleRate int
	pcm        []byte
	closed     bool
}

func NewRecorder(path string, sampleRate int) *Recorder {
	return &Recorder{path: path, sampleRate: sampleRate}
}

func (r *Recorder) Write(pcm []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrRecorderClosed
	}
	r.pcm = append(r.pcm, pcm...)
	return len(pcm), nil
}

// Close writes the WAV file. It reports written=false when nothing was recorded.
func (r *Recorder) Close() (written bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false, nil
	}
	r.closed = true
	if len(r.pcm) == 0 {
		return false, nil
	}
	f, err := os.Create(r.path)
	if err != nil {
		return false, fmt.Errorf("create recording: %w", err)
	}
	defer f.Close()
	if err := WriteWAV(f, r.pcm, r.sampleRate); err != nil {
		return false, err
	}
	return true, nil
}

func (r *Recorder) Path() string { return r.path }
