package pace

import (
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Constants
const (
	SampleRate     = 48000
	Channels       = 2
	BytesPerSample = 2

	// BytesPerMillisecond is the byte rate of the fixed stream format:
	// 48 kHz * 2 channels * 2 bytes per sample / 1000.
	BytesPerMillisecond = SampleRate * Channels * BytesPerSample / 1000

	// TickInterval is how often the pacer checks for a gap in real audio.
	TickInterval = 50 * time.Millisecond

	// GapThreshold is the longest quiet stretch tolerated before the pacer
	// starts synthesizing silence to keep the outbound byte rate alive.
	GapThreshold = 100 * time.Millisecond

	// MaxAudioChunk caps real audio payloads; MaxSilenceChunk caps
	// synthesized silence more conservatively since a long gap can expand
	// into a very large single payload.
	MaxAudioChunk   = 25600
	MaxSilenceChunk = 20000

	outputDepth = 256
)

var (
	ErrClosed        = errors.New("pace: pacer closed")
	ErrOutputStalled = errors.New("pace: output buffer stalled")
)

// TimeProvider abstracts the wall clock so gap arithmetic is testable.
type TimeProvider interface {
	Now() time.Time
}

type realTimeProvider struct{}

func (realTimeProvider) Now() time.Time { return time.Now() }

// Pacer converts a bursty stream of audio bytes into a steadily paced one.
// Real audio pushed into it is forwarded immediately, split into chunks no
// larger than MaxAudioChunk. Whenever more than GapThreshold passes without
// real audio, the periodic tick fills the whole elapsed gap with zero bytes
// at the stream byte rate, split into chunks no larger than MaxSilenceChunk.
//
// Output ordering matches push/synthesis order. The pacer never blocks on a
// slow consumer: a full output buffer on Push reports ErrOutputStalled, and
// a full buffer during silence synthesis closes the pacer, since partially
// emitted silence cannot be taken back. Err reports the stall either way so
// the owning session can fail instead of limping on with corrupted pacing.
type Pacer struct {
	clock  TimeProvider
	logger *log.Logger

	mu        sync.Mutex
	lastAudio time.Time
	closed    bool
	stalled   bool

	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a Pacer and starts its pacing tick.
func New(logger *log.Logger) *Pacer {
	p := newPacer(realTimeProvider{}, logger)
	go p.run()
	return p
}

// newPacer builds a pacer without starting the tick goroutine, so tests can
// drive the clock by hand.
func newPacer(clock TimeProvider, logger *log.Logger) *Pacer {
	return &Pacer{
		clock:     clock,
		logger:    logger,
		lastAudio: clock.Now(),
		out:       make(chan []byte, outputDepth),
		done:      make(chan struct{}),
	}
}

// Out is the ordered stream of paced chunks. It is closed by Close.
func (p *Pacer) Out() <-chan []byte {
	return p.out
}

// Push forwards a chunk of real audio, splitting it if it exceeds
// MaxAudioChunk. The gap timestamp is bumped even for empty input.
func (p *Pacer) Push(audio []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}

	p.lastAudio = p.clock.Now()

	for _, chunk := range split(audio, MaxAudioChunk) {
		if !p.emit(chunk) {
			return ErrOutputStalled
		}
	}
	return nil
}

// Err reports whether paced output could not be delivered in order.
func (p *Pacer) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stalled {
		return ErrOutputStalled
	}
	return nil
}

// Close cancels the pacing tick and closes the output stream. It is
// idempotent; no synthesis happens after it returns.
func (p *Pacer) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		close(p.out)
	})
}

func (p *Pacer) run() {
	ticker := time.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case now := <-ticker.C:
			p.tick(now)
		}
	}
}

// tick synthesizes silence covering the elapsed gap since the last real
// audio. The timestamp advances with the synthesis, so rapid stop/start
// never double-counts elapsed time. A stall mid-synthesis is fatal: chunks
// already emitted cannot be recalled, so re-synthesizing the gap later would
// duplicate silence. The pacer closes instead and the owning session winds
// down.
func (p *Pacer) tick(now time.Time) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return
	}

	elapsed := now.Sub(p.lastAudio)
	if elapsed <= GapThreshold {
		p.mu.Unlock()
		return
	}

	needed := int(elapsed.Nanoseconds() * BytesPerMillisecond / int64(time.Millisecond))
	for _, chunk := range split(make([]byte, needed), MaxSilenceChunk) {
		if !p.emit(chunk) {
			p.logger.Error(
				"paced output stalled, closing pacer",
				"bytes", needed,
			)
			p.mu.Unlock()
			p.Close()
			return
		}
	}

	p.lastAudio = now
	p.mu.Unlock()
}

func (p *Pacer) emit(chunk []byte) bool {
	select {
	case p.out <- chunk:
		return true
	default:
		p.stalled = true
		return false
	}
}

// split slices b into pieces of at most max bytes, preserving order and
// total length. Aliasing the input is fine; callers hand over ownership.
func split(b []byte, max int) [][]byte {
	if len(b) == 0 {
		return nil
	}

	chunks := make([][]byte, 0, (len(b)+max-1)/max)
	for len(b) > max {
		chunks = append(chunks, b[:max])
		b = b[max:]
	}
	return append(chunks, b)
}
