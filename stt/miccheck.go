package stt

import (
	"context"
	"time"

	"github.com/charmbracelet/log"
)

const (
	checkProbeSize     = 19200
	checkProbeInterval = 100 * time.Millisecond
	checkGrace         = 2 * time.Second
)

// CheckConnectivity opens a short-lived recognition session and feeds it
// synthetic silence as a keepalive probe. The first inbound message of any
// kind counts as proof of life, and so does a quiet two seconds; only an
// explicit error event or I/O failure fails the check. The probe session is
// always torn down, whatever the verdict.
func CheckConnectivity(
	ctx context.Context,
	recognition SpeechRecognition,
	logger *log.Logger,
) bool {
	return checkConnectivity(ctx, recognition, logger, checkGrace)
}

func checkConnectivity(
	ctx context.Context,
	recognition SpeechRecognition,
	logger *log.Logger,
	grace time.Duration,
) bool {
	session, err := recognition.Start(ctx)
	if err != nil {
		logger.Error("mic check failed to open session", "error", err)
		return false
	}
	defer func() {
		session.Stop()
		// Discard whatever the probe session still delivers so its
		// receiver can wind down.
		go func() {
			for range session.Receive() {
			}
		}()
	}()

	probe := time.NewTicker(checkProbeInterval)
	defer probe.Stop()
	deadline := time.NewTimer(grace)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Error("mic check cancelled", "error", ctx.Err())
			return false

		case _, ok := <-session.Receive():
			if !ok {
				if err := session.Err(); err != nil {
					logger.Error("mic check failed", "error", err)
					return false
				}
				return true
			}
			return true

		case <-probe.C:
			if err := session.SendAudio(make([]byte, checkProbeSize)); err != nil {
				logger.Error("mic check failed to send probe", "error", err)
				return false
			}

		case <-deadline.C:
			// No explicit error within the grace period counts as
			// success.
			return true
		}
	}
}
