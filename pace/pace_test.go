package pace

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

type MockTimeProvider struct {
	currentTime time.Time
}

func (m *MockTimeProvider) Now() time.Time {
	return m.currentTime
}

func (m *MockTimeProvider) Advance(d time.Duration) {
	m.currentTime = m.currentTime.Add(d)
}

func newTestPacer() (*Pacer, *MockTimeProvider) {
	clock := &MockTimeProvider{currentTime: time.Unix(1000, 0)}
	return newPacer(clock, log.New(io.Discard)), clock
}

func drain(p *Pacer) [][]byte {
	var chunks [][]byte
	for {
		select {
		case chunk, ok := <-p.Out():
			if !ok {
				return chunks
			}
			chunks = append(chunks, chunk)
		default:
			return chunks
		}
	}
}

func totalLen(chunks [][]byte) int {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	return total
}

func TestNoSynthesisAtOrBelowThreshold(t *testing.T) {
	p, clock := newTestPacer()

	clock.Advance(GapThreshold)
	p.tick(clock.Now())

	if chunks := drain(p); len(chunks) != 0 {
		t.Fatalf("expected no synthesis for a gap of exactly %v, got %d chunks", GapThreshold, len(chunks))
	}
}

func TestSynthesisCoversFullElapsedGap(t *testing.T) {
	p, clock := newTestPacer()

	clock.Advance(GapThreshold + time.Millisecond)
	p.tick(clock.Now())

	chunks := drain(p)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	want := 101 * BytesPerMillisecond
	if len(chunks[0]) != want {
		t.Errorf("expected %d bytes covering the whole gap, got %d", want, len(chunks[0]))
	}
}

func TestLongGapSplitsIntoCappedChunks(t *testing.T) {
	p, clock := newTestPacer()

	clock.Advance(500 * time.Millisecond)
	p.tick(clock.Now())

	chunks := drain(p)
	if len(chunks) != 5 {
		t.Fatalf("expected 5 chunks, got %d", len(chunks))
	}
	sizes := []int{20000, 20000, 20000, 20000, 16000}
	for i, chunk := range chunks {
		if len(chunk) != sizes[i] {
			t.Errorf("chunk %d: expected %d bytes, got %d", i, sizes[i], len(chunk))
		}
		for _, b := range chunk {
			if b != 0 {
				t.Fatalf("chunk %d: synthesized silence contains non-zero byte", i)
			}
		}
	}
	if got := totalLen(chunks); got != 500*BytesPerMillisecond {
		t.Errorf("expected %d total bytes, got %d", 500*BytesPerMillisecond, got)
	}
}

func TestTickDoesNotDoubleCountElapsedTime(t *testing.T) {
	p, clock := newTestPacer()

	clock.Advance(300 * time.Millisecond)
	p.tick(clock.Now())
	drain(p)

	// The previous tick consumed the gap; a short follow-up interval is
	// under the threshold and must synthesize nothing.
	clock.Advance(TickInterval)
	p.tick(clock.Now())

	if chunks := drain(p); len(chunks) != 0 {
		t.Fatalf("expected no synthesis right after a consumed gap, got %d chunks", len(chunks))
	}
}

func TestPushResetsGap(t *testing.T) {
	p, clock := newTestPacer()

	clock.Advance(90 * time.Millisecond)
	if err := p.Push([]byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	drain(p)

	clock.Advance(TickInterval)
	p.tick(clock.Now())

	if chunks := drain(p); len(chunks) != 0 {
		t.Fatalf("expected no synthesis %v after real audio, got %d chunks", TickInterval, len(chunks))
	}
}

func TestSmallPushForwardedUnsplit(t *testing.T) {
	p, _ := newTestPacer()

	audio := bytes.Repeat([]byte{7}, 9600)
	if err := p.Push(audio); err != nil {
		t.Fatal(err)
	}

	chunks := drain(p)
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	if !bytes.Equal(chunks[0], audio) {
		t.Error("forwarded chunk differs from input")
	}
}

func TestLargePushSplitsInOrder(t *testing.T) {
	p, _ := newTestPacer()

	audio := make([]byte, 60000)
	for i := range audio {
		audio[i] = byte(i)
	}
	if err := p.Push(audio); err != nil {
		t.Fatal(err)
	}

	chunks := drain(p)
	sizes := []int{25600, 25600, 8800}
	if len(chunks) != len(sizes) {
		t.Fatalf("expected %d chunks, got %d", len(sizes), len(chunks))
	}
	var rejoined []byte
	for i, chunk := range chunks {
		if len(chunk) != sizes[i] {
			t.Errorf("chunk %d: expected %d bytes, got %d", i, sizes[i], len(chunk))
		}
		rejoined = append(rejoined, chunk...)
	}
	if !bytes.Equal(rejoined, audio) {
		t.Error("rejoined chunks differ from input; bytes lost or duplicated")
	}
}

func TestSilenceThenSpeechScenario(t *testing.T) {
	p, clock := newTestPacer()

	clock.Advance(500 * time.Millisecond)
	p.tick(clock.Now())
	if err := p.Push(bytes.Repeat([]byte{1}, 9600)); err != nil {
		t.Fatal(err)
	}

	chunks := drain(p)
	sizes := []int{20000, 20000, 20000, 20000, 16000, 9600}
	if len(chunks) != len(sizes) {
		t.Fatalf("expected %d chunks, got %d", len(sizes), len(chunks))
	}
	for i, chunk := range chunks {
		if len(chunk) != sizes[i] {
			t.Errorf("chunk %d: expected %d bytes, got %d", i, sizes[i], len(chunk))
		}
	}
}

func TestCloseStopsSynthesis(t *testing.T) {
	p, clock := newTestPacer()

	p.Close()
	p.Close()

	clock.Advance(time.Second)
	p.tick(clock.Now())

	if err := p.Push([]byte{1}); err != ErrClosed {
		t.Errorf("expected ErrClosed from Push after Close, got %v", err)
	}

	// Out must be closed and empty.
	if chunk, ok := <-p.Out(); ok {
		t.Fatalf("expected closed output channel, got chunk of %d bytes", len(chunk))
	}
}

func TestStalledSynthesisClosesPacer(t *testing.T) {
	p, clock := newTestPacer()

	// Leave exactly one free slot in the output buffer so a long gap can
	// emit one silence chunk and then stall.
	for i := 0; i < outputDepth-1; i++ {
		if err := p.Push([]byte{0}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	clock.Advance(500 * time.Millisecond)
	p.tick(clock.Now())

	chunks := drain(p)
	silence := totalLen(chunks) - (outputDepth - 1)
	if silence != MaxSilenceChunk {
		t.Fatalf("expected one silence chunk before the stall, got %d bytes", silence)
	}
	if err := p.Err(); err != ErrOutputStalled {
		t.Errorf("expected the stall to be recorded, got %v", err)
	}

	// The chunk that went out cannot be recalled, so resynthesizing the
	// gap would duplicate silence. The pacer must be closed instead.
	clock.Advance(TickInterval)
	p.tick(clock.Now())
	if extra := drain(p); len(extra) != 0 {
		t.Fatalf("expected no synthesis after a fatal stall, got %d extra chunks", len(extra))
	}
	if err := p.Push([]byte{0}); err != ErrClosed {
		t.Errorf("expected ErrClosed after a fatal stall, got %v", err)
	}
	if _, ok := <-p.Out(); ok {
		t.Fatal("expected the output channel to be closed")
	}
}

func TestStalledOutputReported(t *testing.T) {
	p, _ := newTestPacer()

	for i := 0; i < outputDepth; i++ {
		if err := p.Push([]byte{0}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	if err := p.Push([]byte{0}); err != ErrOutputStalled {
		t.Errorf("expected ErrOutputStalled, got %v", err)
	}
	if err := p.Err(); err != ErrOutputStalled {
		t.Errorf("expected pacer to record the stall, got %v", err)
	}
}
