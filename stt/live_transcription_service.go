package stt

import (
	"context"
)

// Result is one unit of recognition output. Partial results may be revised
// by the service; only final results are stable.
type Result struct {
	Text       string
	IsFinal    bool
	Confidence float64
}

// LiveSession is one bidirectional exchange with the recognition service.
// Receive delivers one Result per inbound message, empty ones included, and
// is closed when the stream ends; Err reports the terminal cause, nil for a
// clean close.
type LiveSession interface {
	SendAudio(data []byte) error
	Receive() <-chan Result
	Stop() error
	Err() error
}

type SpeechRecognition interface {
	Start(ctx context.Context) (LiveSession, error)
}
