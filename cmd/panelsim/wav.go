package main

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ent0n29/mockpanel/internal/audio"
)

var errShortWAV = errors.New("wav too short")

type wavFormat struct {
	encoding   uint16
	channels   int
	sampleRate int
	bits       uint16
}

// decodeWAVPCM16 returns mono PCM16LE samples and the sample rate of a RIFF
// file. Multi-channel input is averaged down to one channel.
func decodeWAVPCM16(data []byte) ([]byte, int, error) {
	if len(data) < 12 {
		return nil, 0, errShortWAV
	}
	if string(data[:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, 0, fmt.Errorf("not a RIFF/WAVE file")
	}

	var (
		format *wavFormat
		pcm    []byte
	)
	err := walkChunks(data[12:], func(id string, body []byte) error {
		switch id {
		case "fmt ":
			if len(body) < 16 {
				return fmt.Errorf("fmt chunk is %d bytes", len(body))
			}
			format = &wavFormat{
				encoding:   binary.LittleEndian.Uint16(body[0:2]),
				channels:   int(binary.LittleEndian.Uint16(body[2:4])),
				sampleRate: int(binary.LittleEndian.Uint32(body[4:8])),
				bits:       binary.LittleEndian.Uint16(body[14:16]),
			}
		case "data":
			pcm = body
		}
		return nil
	})
	if err != nil {
		return nil, 0, err
	}

	switch {
	case format == nil:
		return nil, 0, fmt.Errorf("missing fmt chunk")
	case len(pcm) == 0:
		return nil, 0, fmt.Errorf("missing data chunk")
	case format.encoding != 1:
		return nil, 0, fmt.Errorf("audio format %d is not PCM", format.encoding)
	case format.bits != 16:
		return nil, 0, fmt.Errorf("%d-bit samples are not supported", format.bits)
	case format.channels <= 0:
		return nil, 0, fmt.Errorf("channel count %d", format.channels)
	}
	rate := format.sampleRate
	if rate <= 0 {
		rate = audio.DefaultSampleRate
	}
	return downmix(pcm, format.channels), rate, nil
}

func walkChunks(data []byte, fn func(id string, body []byte) error) error {
	for off := 0; off+8 <= len(data); {
		id := string(data[off : off+4])
		size := int(binary.LittleEndian.Uint32(data[off+4 : off+8]))
		off += 8
		if size < 0 || off+size > len(data) {
			return fmt.Errorf("chunk %q overruns file", id)
		}
		if err := fn(id, data[off:off+size]); err != nil {
			return err
		}
		// Chunks are word aligned.
		off += size + size%2
	}
	return nil
}

func downmix(pcm []byte, channels int) []byte {
	if channels == 1 {
		out := make([]byte, len(pcm)-len(pcm)%2)
		copy(out, pcm)
		return out
	}
	frame := channels * 2
	frames := len(pcm) / frame
	out := make([]byte, frames*2)
	for i := 0; i < frames; i++ {
		sum := 0
		for ch := 0; ch < channels; ch++ {
			at := i*frame + ch*2
			sum += int(int16(binary.LittleEndian.Uint16(pcm[at : at+2])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(sum/channels)))
	}
	return out
}
