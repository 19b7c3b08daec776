package transcoder

import (
	"fmt"
	"sync"

	resampling "github.com/tphakala/go-audio-resampling"

	"github.com/ameerhamza-spec/voxionAIBot/internal/audio"
)

// Resampler converts in-process. Output is delivered synchronously from Write.
type Resampler struct {
	resampler resampling.Resampler
	onOutput  func([]byte)

	mu       sync.Mutex
	leftover []byte
	stopped  bool
}

// StartResampler creates a mono resampler from inRate to outRate
func StartResampler(inRate, outRate int, onOutput func([]byte)) (*Resampler, error) {
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(inRate),
		OutputRate: float64(outRate),
		Channels:   1,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create resampler: %w", err)
	}
	return &Resampler{resampler: rs, onOutput: onOutput}, nil
}

// Write resamples pcm and invokes the output callback with any samples the
// filter produced. An odd trailing byte is held until the next Write.
func (r *Resampler) Write(pcm []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return ErrStopped
	}

	data := pcm
	if len(r.leftover) > 0 {
		data = append(r.leftover, pcm...)
		r.leftover = nil
	}
	if len(data)%2 == 1 {
		r.leftover = []byte{data[len(data)-1]}
		data = data[:len(data)-1]
	}
	if len(data) == 0 {
		return nil
	}

	samples := audio.BytesToSamples(data)
	input := make([]float64, len(samples))
	for i, s := range samples {
		input[i] = float64(s) / 32768.0
	}

	output, err := r.resampler.Process(input)
	if err != nil {
		return fmt.Errorf("resample error: %w", err)
	}
	if len(output) == 0 || r.onOutput == nil {
		return nil
	}

	out := make([]int16, len(output))
	for i, s := range output {
		switch {
		case s >= 1.0:
			out[i] = 32767
		case s < -1.0:
			out[i] = -32768
		default:
			out[i] = int16(s * 32767.0)
		}
	}
	r.onOutput(audio.SamplesToBytes(out))
	return nil
}

// Stop marks the resampler stopped. Safe to call more than once.
func (r *Resampler) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.leftover = nil
	return nil
}
