package rtc

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// ErrMediaAccessDenied signals that no capture device is available or access
// to it was refused. Negotiation never proceeds past step one in that case.
var ErrMediaAccessDenied = errors.New("rtc: media access denied")

// Capture format: mono 24kHz PCM16LE, 20ms frames.
const (
	captureSampleRate = 24000
	captureFrameBytes = captureSampleRate / 50 * 2
)

// Microphone supplies local audio as 24kHz mono PCM16LE frames. Implementations
// own the device; Stop releases it and closes the frame channel.
type Microphone interface {
	Start() (<-chan []byte, error)
	Stop() error
}

// PipeMicrophone reads raw PCM from a file or named pipe, e.g. an
// `arecord -f S16_LE -r 24000 -c 1` pipe. Echo cancellation and noise
// suppression are expected from the capture chain feeding the pipe.
type PipeMicrophone struct {
	Path string

	mu      sync.Mutex
	f       *os.File
	frames  chan []byte
	stopCh  chan struct{}
	started bool
}

func NewPipeMicrophone(path string) *PipeMicrophone {
	return &PipeMicrophone{Path: path}
}

// Start opens the capture source and begins emitting 20ms frames.
func (m *PipeMicrophone) Start() (<-chan []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil, errors.New("rtc: microphone already started")
	}
	if m.Path == "" {
		return nil, fmt.Errorf("%w: no capture source configured", ErrMediaAccessDenied)
	}
	f, err := os.Open(m.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMediaAccessDenied, err)
	}
	m.f = f
	m.frames = make(chan []byte, 64)
	m.stopCh = make(chan struct{})
	m.started = true
	go m.read(f, m.frames, m.stopCh)
	return m.frames, nil
}

func (m *PipeMicrophone) read(f *os.File, frames chan<- []byte, stop <-chan struct{}) {
	defer close(frames)
	for {
		buf := make([]byte, captureFrameBytes)
		if _, err := io.ReadFull(f, buf); err != nil {
			return
		}
		select {
		case frames <- buf:
		case <-stop:
			return
		}
	}
}

// Stop releases the capture source. Safe to call more than once.
func (m *PipeMicrophone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	close(m.stopCh)
	return m.f.Close()
}
