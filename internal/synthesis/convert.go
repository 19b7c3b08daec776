package synthesis

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ameerhamza-spec/voxionAIBot/internal/audio"
	"github.com/ameerhamza-spec/voxionAIBot/internal/transcoder"
)

// TelephonyRate is the sample rate of all synthesized output
const TelephonyRate = 8000

// converter turns provider audio into 8 kHz mu-law, chunk by chunk
type converter interface {
	convert(chunk []byte) ([]byte, error)
	close()
}

// newConverter parses a provider output format such as "ulaw_8000" or
// "pcm_16000"
func newConverter(format string) (converter, error) {
	kind, rateStr, ok := strings.Cut(format, "_")
	if !ok {
		return nil, fmt.Errorf("invalid output format: %s", format)
	}
	rate, err := strconv.Atoi(rateStr)
	if err != nil || rate <= 0 {
		return nil, fmt.Errorf("invalid output format rate: %s", format)
	}

	switch kind {
	case "ulaw":
		if rate != TelephonyRate {
			return nil, fmt.Errorf("mu-law output must be %d Hz: %s", TelephonyRate, format)
		}
		return passthrough{}, nil
	case "pcm":
		if rate == TelephonyRate {
			return &pcmEncoder{}, nil
		}
		return newResamplingEncoder(rate)
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}

type passthrough struct{}

func (passthrough) convert(chunk []byte) ([]byte, error) { return chunk, nil }
func (passthrough) close()                               {}

// pcmEncoder encodes 8 kHz PCM16, carrying an odd byte between chunks
type pcmEncoder struct {
	carry []byte
}

func (p *pcmEncoder) convert(chunk []byte) ([]byte, error) {
	data := chunk
	if len(p.carry) > 0 {
		data = append(p.carry, chunk...)
		p.carry = nil
	}
	if len(data)%2 == 1 {
		p.carry = []byte{data[len(data)-1]}
		data = data[:len(data)-1]
	}
	return audio.EncodeMulawBuffer(data), nil
}

func (p *pcmEncoder) close() {}

// resamplingEncoder converts PCM16 at another rate down to 8 kHz first
type resamplingEncoder struct {
	rs  *transcoder.Resampler
	out []byte
}

func newResamplingEncoder(rate int) (*resamplingEncoder, error) {
	e := &resamplingEncoder{}
	rs, err := transcoder.StartResampler(rate, TelephonyRate, func(pcm []byte) {
		e.out = append(e.out, pcm...)
	})
	if err != nil {
		return nil, err
	}
	e.rs = rs
	return e, nil
}

func (e *resamplingEncoder) convert(chunk []byte) ([]byte, error) {
	e.out = e.out[:0]
	if err := e.rs.Write(chunk); err != nil {
		return nil, err
	}
	return audio.EncodeMulawBuffer(e.out), nil
}

func (e *resamplingEncoder) close() {
	_ = e.rs.Stop()
}
