package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
)

type mockSession struct {
	mu      sync.Mutex
	results chan Result
	err     error
	sent    [][]byte
	stopped bool
	sendErr error
}

func newMockSession() *mockSession {
	return &mockSession{results: make(chan Result, 8)}
}

func (m *mockSession) SendAudio(data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, data)
	return nil
}

func (m *mockSession) Receive() <-chan Result { return m.results }

func (m *mockSession) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

func (m *mockSession) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *mockSession) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func (m *mockSession) wasStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

type mockRecognition struct {
	session  *mockSession
	startErr error
}

func (m *mockRecognition) Start(ctx context.Context) (LiveSession, error) {
	if m.startErr != nil {
		return nil, m.startErr
	}
	return m.session, nil
}

func TestCheckConnectivitySucceedsOnFirstInboundMessage(t *testing.T) {
	session := newMockSession()
	session.results <- Result{}

	ok := checkConnectivity(
		context.Background(),
		&mockRecognition{session: session},
		log.New(io.Discard),
		time.Second,
	)
	if !ok {
		t.Fatal("expected success on first inbound message")
	}
	if !session.wasStopped() {
		t.Error("expected probe session to be torn down")
	}
}

func TestCheckConnectivityFailsOnExplicitError(t *testing.T) {
	session := newMockSession()
	session.err = errors.New("stream rejected")
	close(session.results)

	ok := checkConnectivity(
		context.Background(),
		&mockRecognition{session: session},
		log.New(io.Discard),
		time.Second,
	)
	if ok {
		t.Fatal("expected failure on explicit error")
	}
	if !session.wasStopped() {
		t.Error("expected probe session to be torn down")
	}
}

func TestCheckConnectivityQuietTimeout(t *testing.T) {
	session := newMockSession()

	ok := checkConnectivity(
		context.Background(),
		&mockRecognition{session: session},
		log.New(io.Discard),
		250*time.Millisecond,
	)
	if !ok {
		t.Fatal("expected a quiet grace period to count as success")
	}
	if session.sentCount() == 0 {
		t.Fatal("expected at least one silence probe to be sent")
	}
	m := session
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, probe := range m.sent {
		if len(probe) != checkProbeSize {
			t.Errorf("probe %d: expected %d bytes, got %d", i, checkProbeSize, len(probe))
		}
	}
}

func TestCheckConnectivityFailsOnProbeSendError(t *testing.T) {
	session := newMockSession()
	session.sendErr = fmt.Errorf("write: %w", ErrSessionClosed)

	ok := checkConnectivity(
		context.Background(),
		&mockRecognition{session: session},
		log.New(io.Discard),
		time.Second,
	)
	if ok {
		t.Fatal("expected failure when the probe cannot be written")
	}
}

func TestCheckConnectivityFailsWhenSessionCannotOpen(t *testing.T) {
	ok := checkConnectivity(
		context.Background(),
		&mockRecognition{startErr: errors.New("dial failed")},
		log.New(io.Discard),
		time.Second,
	)
	if ok {
		t.Fatal("expected failure when the session cannot be opened")
	}
}
