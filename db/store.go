package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"scribe.zone/session"
)

// SessionStore implements session.Store on top of the postgres queries.
type SessionStore struct {
	queries *Queries
	region  string
	model   string
}

func NewSessionStore(queries *Queries, region, model string) *SessionStore {
	return &SessionStore{
		queries: queries,
		region:  region,
		model:   model,
	}
}

func (s *SessionStore) BeginSession(
	ctx context.Context,
	guildID, channelID, channelName string,
) (string, error) {
	sessionID := uuid.New().String()
	err := s.queries.CreateSession(ctx, CreateSessionParams{
		ID:          sessionID,
		GuildID:     guildID,
		ChannelID:   channelID,
		ChannelName: channelName,
		Region:      s.region,
		Model:       s.model,
	})
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return sessionID, nil
}

func (s *SessionStore) EndSession(ctx context.Context, guildID string) error {
	if err := s.queries.EndSessionsForGuild(ctx, guildID); err != nil {
		return fmt.Errorf("end sessions for guild: %w", err)
	}
	return nil
}

func (s *SessionStore) RecordFinalTranscript(
	ctx context.Context,
	transcript session.Transcript,
) error {
	err := s.queries.SaveTranscript(ctx, SaveTranscriptParams{
		ID:          uuid.New().String(),
		Session:     transcript.SessionID,
		SpeakerID:   transcript.SpeakerID,
		SpeakerName: transcript.SpeakerName,
		Text:        transcript.Text,
	})
	if err != nil {
		return fmt.Errorf("save transcript: %w", err)
	}
	return nil
}
