package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

var (
	ErrAlreadyListening = errors.New(
		"session: guild already has a listening session",
	)
	ErrNotListening = errors.New(
		"session: no listening session for guild",
	)
	ErrConnectivity = errors.New(
		"session: speech service connectivity check failed",
	)
)

// Transcript is one finalized unit of recognition output, attributed to a
// speaker and the listening session it belongs to.
type Transcript struct {
	SessionID   string
	SpeakerID   string
	SpeakerName string
	Text        string
}

// Store is the persistence collaborator. The registry calls it but owns no
// storage schema.
type Store interface {
	BeginSession(
		ctx context.Context,
		guildID, channelID, channelName string,
	) (string, error)
	EndSession(ctx context.Context, guildID string) error
	RecordFinalTranscript(ctx context.Context, transcript Transcript) error
}

// SpeakerSession is the live pipeline for one speaker. Close must be
// idempotent and non-blocking.
type SpeakerSession interface {
	Close()
}

// Starter opens the live pipeline for one speaker of a listening session.
type Starter func(
	ctx context.Context,
	sessionID, guildID, speakerID, speakerName string,
) (SpeakerSession, error)

// Preflight reports whether the recognition service is reachable.
type Preflight func(ctx context.Context) bool

type listening struct {
	sessionID string
	channelID string
	speakers  map[string]SpeakerSession
}

// Registry enforces the singleton invariants: at most one listening session
// per guild and at most one recognition session per (guild, speaker). All
// lifecycle transitions go through it, serialized by one mutex.
type Registry struct {
	mu        sync.Mutex
	logger    *log.Logger
	store     Store
	preflight Preflight
	start     Starter
	guilds    map[string]*listening
}

func NewRegistry(
	store Store,
	preflight Preflight,
	start Starter,
	logger *log.Logger,
) *Registry {
	return &Registry{
		logger:    logger,
		store:     store,
		preflight: preflight,
		start:     start,
		guilds:    make(map[string]*listening),
	}
}

// BeginListening reserves the guild slot, runs the connectivity check, and
// persists the new session. The reservation happens before the check so two
// concurrent calls cannot both pass it.
func (r *Registry) BeginListening(
	ctx context.Context,
	guildID, channelID, channelName string,
) (string, error) {
	r.mu.Lock()
	if _, exists := r.guilds[guildID]; exists {
		r.mu.Unlock()
		return "", ErrAlreadyListening
	}
	entry := &listening{
		channelID: channelID,
		speakers:  make(map[string]SpeakerSession),
	}
	r.guilds[guildID] = entry
	r.mu.Unlock()

	if !r.preflight(ctx) {
		r.remove(guildID)
		return "", ErrConnectivity
	}

	sessionID, err := r.store.BeginSession(ctx, guildID, channelID, channelName)
	if err != nil {
		r.remove(guildID)
		return "", fmt.Errorf("begin session: %w", err)
	}

	r.mu.Lock()
	if r.guilds[guildID] != entry {
		// Torn down while the session was being created.
		r.mu.Unlock()
		if err := r.store.EndSession(ctx, guildID); err != nil {
			r.logger.Error(
				"failed to end orphaned session",
				"guild", guildID,
				"error", err,
			)
		}
		return "", ErrNotListening
	}
	entry.sessionID = sessionID
	r.mu.Unlock()

	r.logger.Info(
		"listening session started",
		"guild", guildID,
		"channel", channelID,
		"session", sessionID,
	)

	return sessionID, nil
}

// SessionID returns the active listening session for a guild, if any.
func (r *Registry) SessionID(guildID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.guilds[guildID]
	if !ok || entry.sessionID == "" {
		return "", false
	}
	return entry.sessionID, true
}

// AttachSpeaker starts a recognition session for a speaker. A speaker that
// already has one is a no-op; the slot is reserved before the starter runs
// so concurrent attaches yield exactly one session.
func (r *Registry) AttachSpeaker(
	ctx context.Context,
	guildID, speakerID, speakerName string,
) error {
	r.mu.Lock()
	entry, ok := r.guilds[guildID]
	if !ok || entry.sessionID == "" {
		r.mu.Unlock()
		return ErrNotListening
	}
	if _, exists := entry.speakers[speakerID]; exists {
		r.mu.Unlock()
		return nil
	}
	entry.speakers[speakerID] = nil
	sessionID := entry.sessionID
	r.mu.Unlock()

	speaker, err := r.start(ctx, sessionID, guildID, speakerID, speakerName)
	if err != nil {
		r.DetachSpeaker(guildID, speakerID)
		return fmt.Errorf("start speaker session: %w", err)
	}

	r.mu.Lock()
	entry, ok = r.guilds[guildID]
	if !ok {
		r.mu.Unlock()
		// Listening ended while the session was being opened.
		speaker.Close()
		return nil
	}
	if _, reserved := entry.speakers[speakerID]; !reserved {
		r.mu.Unlock()
		// The pipeline died and detached itself before the starter
		// returned. Storing it now would wedge the slot with a dead
		// session until EndListening.
		speaker.Close()
		return nil
	}
	entry.speakers[speakerID] = speaker
	r.mu.Unlock()

	r.logger.Info(
		"speaker attached",
		"guild", guildID,
		"speaker", speakerName,
		"session", sessionID,
	)

	return nil
}

// DetachSpeaker frees the speaker's slot so a later speech event can open a
// fresh session. Unknown speakers and guilds are no-ops.
func (r *Registry) DetachSpeaker(guildID, speakerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.guilds[guildID]; ok {
		delete(entry.speakers, speakerID)
	}
}

// EndListening tears down every speaker session for the guild and ends the
// stored session. Idempotent; safe when no session exists.
func (r *Registry) EndListening(ctx context.Context, guildID string) error {
	r.mu.Lock()
	entry, ok := r.guilds[guildID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.guilds, guildID)
	speakers := entry.speakers
	sessionID := entry.sessionID
	r.mu.Unlock()

	for speakerID, speaker := range speakers {
		if speaker != nil {
			speaker.Close()
		}
		r.logger.Debug(
			"speaker session closed",
			"guild", guildID,
			"speaker", speakerID,
		)
	}

	if sessionID == "" {
		return nil
	}

	if err := r.store.EndSession(ctx, guildID); err != nil {
		return fmt.Errorf("end session: %w", err)
	}

	r.logger.Info(
		"listening session ended",
		"guild", guildID,
		"session", sessionID,
	)

	return nil
}

func (r *Registry) remove(guildID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.guilds, guildID)
}
