package rtc

import (
	"encoding/binary"
	"io"
	"log"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
)

// sampleWriter is the slice of TrackLocalStaticSample the writer needs.
type sampleWriter interface {
	WriteSample(s media.Sample) error
}

// OpusPacedWriter encodes incoming 24kHz PCM mono to Opus frames and writes
// them paced to the outbound WebRTC track. Muting drops input without
// renegotiation; the track stays attached.
type OpusPacedWriter struct {
	enc          *opus.Encoder
	track        sampleWriter
	pcmBuf       []int16
	frameSamples int
	frames       chan []byte
	stopCh       chan struct{}
	stopped      bool
	muted        bool
	mu           sync.Mutex
}

// NewOpusPacedWriter constructs a paced writer with 20ms frames at 24kHz mono.
func NewOpusPacedWriter(track sampleWriter) (*OpusPacedWriter, error) {
	enc, err := opus.NewEncoder(captureSampleRate, 1, opus.AppVoIP)
	if err != nil {
		return nil, err
	}
	w := &OpusPacedWriter{
		enc:          enc,
		track:        track,
		frameSamples: captureSampleRate / 50, // 20ms
		frames:       make(chan []byte, 512),
		stopCh:       make(chan struct{}),
	}
	go w.pacer()
	return w, nil
}

// WritePCM buffers PCM 24kHz mono data and emits encoded Opus frames paced to
// the track. Input is dropped while muted.
func (w *OpusPacedWriter) WritePCM(pcmBytes []byte) {
	if len(pcmBytes) < 2 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.muted || w.stopped {
		return
	}
	need := len(pcmBytes) / 2
	startLen := len(w.pcmBuf)
	if cap(w.pcmBuf)-startLen < need {
		tmp := make([]int16, startLen, startLen+need+2048)
		copy(tmp, w.pcmBuf)
		w.pcmBuf = tmp
	}
	w.pcmBuf = w.pcmBuf[:startLen+need]
	for i := 0; i < need; i++ {
		w.pcmBuf[startLen+i] = int16(uint16(pcmBytes[2*i]) | uint16(pcmBytes[2*i+1])<<8)
	}

	opusBuf := make([]byte, 4000)
	for len(w.pcmBuf) >= w.frameSamples {
		frame := w.pcmBuf[:w.frameSamples]
		n, _ := w.enc.Encode(frame, opusBuf)
		if n > 0 {
			pkt := make([]byte, n)
			copy(pkt, opusBuf[:n])
			w.pushFrameLocked(pkt)
		}
		copy(w.pcmBuf, w.pcmBuf[w.frameSamples:])
		w.pcmBuf = w.pcmBuf[:len(w.pcmBuf)-w.frameSamples]
	}
}

// SetMuted flips whether incoming PCM is encoded. Muting also drops anything
// already queued so the cut is immediate.
func (w *OpusPacedWriter) SetMuted(muted bool) {
	w.mu.Lock()
	w.muted = muted
	w.mu.Unlock()
	if muted {
		w.Reset()
	}
}

// Close stops the pacer. Safe to call more than once.
func (w *OpusPacedWriter) Close() {
	w.mu.Lock()
	if !w.stopped {
		w.stopped = true
		close(w.stopCh)
	}
	w.mu.Unlock()
}

func (w *OpusPacedWriter) pacer() {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			select {
			case frame := <-w.frames:
				_ = w.track.WriteSample(media.Sample{Data: frame, Duration: 20 * time.Millisecond})
			default:
			}
		}
	}
}

// pushFrameLocked enqueues a frame without blocking the encode loop forever:
// if the queue is full the oldest frame is dropped.
func (w *OpusPacedWriter) pushFrameLocked(pkt []byte) {
	for {
		select {
		case <-w.stopCh:
			return
		case w.frames <- pkt:
			return
		default:
			select {
			case <-w.frames:
			default:
			}
		}
	}
}

// Reset clears any queued frames and pending PCM.
func (w *OpusPacedWriter) Reset() {
	w.mu.Lock()
	for {
		select {
		case <-w.frames:
		default:
			w.pcmBuf = w.pcmBuf[:0]
			w.mu.Unlock()
			return
		}
	}
}

// PlayRemoteTrack decodes the remote Opus track to 24kHz PCM16LE and writes
// it to sink until the track ends. This feeds whatever plays the assistant's
// audio locally.
func PlayRemoteTrack(callID string, remote *webrtc.TrackRemote, sink io.Writer) {
	dec, err := opus.NewDecoder(captureSampleRate, 1)
	if err != nil {
		log.Printf("[%s] Opus decoder error: %v", callID, err)
		return
	}
	samples := make([]int16, 1920)
	out := make([]byte, len(samples)*2)
	for {
		pkt, _, readErr := remote.ReadRTP()
		if readErr != nil {
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		n, decErr := dec.Decode(pkt.Payload, samples)
		if decErr != nil {
			continue
		}
		buf := out[:n*2]
		for i := 0; i < n; i++ {
			binary.LittleEndian.PutUint16(buf[i*2:(i+1)*2], uint16(samples[i]))
		}
		if _, err := sink.Write(buf); err != nil {
			return
		}
	}
}
