package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

type Queries struct {
	conn *pgx.Conn
}

func New(conn *pgx.Conn) *Queries {
	return &Queries{conn: conn}
}

type CreateSessionParams struct {
	ID          string
	GuildID     string
	ChannelID   string
	ChannelName string
	Region      string
	Model       string
}

func (q *Queries) CreateSession(
	ctx context.Context,
	arg CreateSessionParams,
) error {
	_, err := q.conn.Exec(ctx, `
		INSERT INTO sessions (
			id, guild_id, channel_id, channel_name, region, model
		) VALUES ($1, $2, $3, $4, $5, $6)
	`, arg.ID, arg.GuildID, arg.ChannelID, arg.ChannelName, arg.Region, arg.Model)
	return err
}

func (q *Queries) EndSessionsForGuild(
	ctx context.Context,
	guildID string,
) error {
	_, err := q.conn.Exec(ctx, `
		UPDATE sessions
		SET ended_at = now(), status = 'ended'
		WHERE guild_id = $1 AND status = 'active'
	`, guildID)
	return err
}

type SaveTranscriptParams struct {
	ID          string
	Session     string
	SpeakerID   string
	SpeakerName string
	Text        string
}

func (q *Queries) SaveTranscript(
	ctx context.Context,
	arg SaveTranscriptParams,
) error {
	_, err := q.conn.Exec(ctx, `
		INSERT INTO transcripts (
			id, session, speaker_id, speaker_name, text
		) VALUES ($1, $2, $3, $4, $5)
	`, arg.ID, arg.Session, arg.SpeakerID, arg.SpeakerName, arg.Text)
	return err
}

type SessionWithDetailsRow struct {
	ID              string
	GuildID         string
	ChannelName     string
	Status          string
	StartedAt       time.Time
	TranscriptCount int64
}

func (q *Queries) GetSessionsWithDetails(
	ctx context.Context,
) ([]SessionWithDetailsRow, error) {
	rows, err := q.conn.Query(ctx, `
		SELECT s.id, s.guild_id, s.channel_name, s.status, s.started_at,
		       count(t.id) AS transcript_count
		FROM sessions s
		LEFT JOIN transcripts t ON t.session = s.id
		GROUP BY s.id
		ORDER BY s.started_at DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []SessionWithDetailsRow
	for rows.Next() {
		var row SessionWithDetailsRow
		if err := rows.Scan(
			&row.ID,
			&row.GuildID,
			&row.ChannelName,
			&row.Status,
			&row.StartedAt,
			&row.TranscriptCount,
		); err != nil {
			return nil, err
		}
		sessions = append(sessions, row)
	}
	return sessions, rows.Err()
}

type RecentTranscriptRow struct {
	SpeakerName string
	Text        string
	CreatedAt   time.Time
}

func (q *Queries) GetRecentTranscripts(
	ctx context.Context,
	limit int32,
) ([]RecentTranscriptRow, error) {
	rows, err := q.conn.Query(ctx, `
		SELECT speaker_name, text, created_at
		FROM transcripts
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var transcripts []RecentTranscriptRow
	for rows.Next() {
		var row RecentTranscriptRow
		if err := rows.Scan(&row.SpeakerName, &row.Text, &row.CreatedAt); err != nil {
			return nil, err
		}
		transcripts = append(transcripts, row)
	}
	return transcripts, rows.Err()
}
