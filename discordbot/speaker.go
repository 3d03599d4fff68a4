package discordbot

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
	"gopkg.in/hraban/opus.v2"

	"scribe.zone/pace"
	"scribe.zone/session"
	"scribe.zone/stt"
)

// maxOpusFrameSamples is the largest opus frame at 48 kHz, 120ms per channel.
const maxOpusFrameSamples = 5760

// speakerPipeline carries one speaker's audio from opus packets through the
// pacer into a live recognition session, and their transcripts back out.
type speakerPipeline struct {
	log *log.Logger

	sessionID   string
	guildID     string
	speakerID   string
	speakerName string

	decoder *opus.Decoder
	pacer   *pace.Pacer
	session stt.LiveSession
	store   session.Store

	echo   func(text string)
	detach func()

	closeOnce sync.Once
}

func (bot *Bot) startSpeaker(
	ctx context.Context,
	sessionID, guildID, speakerID, speakerName string,
) (session.SpeakerSession, error) {
	liveSession, err := bot.recognition.Start(ctx)
	if err != nil {
		return nil, fmt.Errorf("start recognition session: %w", err)
	}

	decoder, err := opus.NewDecoder(pace.SampleRate, pace.Channels)
	if err != nil {
		if stopErr := liveSession.Stop(); stopErr != nil {
			bot.log.Error("failed to stop recognition session", "error", stopErr)
		}
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}

	bot.mu.Lock()
	call := bot.voiceCalls[guildID]
	bot.mu.Unlock()

	p := &speakerPipeline{
		log:         bot.log,
		sessionID:   sessionID,
		guildID:     guildID,
		speakerID:   speakerID,
		speakerName: speakerName,
		decoder:     decoder,
		pacer:       pace.New(bot.log),
		session:     liveSession,
		store:       bot.store,
		echo: func(text string) {
			bot.echoTranscript(guildID, speakerName, text)
		},
		detach: func() {
			if call != nil {
				call.removePipeline(speakerID)
			}
			bot.registry.DetachSpeaker(guildID, speakerID)
		},
	}

	if call != nil {
		call.setPipeline(speakerID, p)
	}

	go p.pump()
	go p.listen()

	bot.log.Info(
		"speaker stream opened",
		"guild", guildID,
		"speaker", speakerName,
	)

	return p, nil
}

// Consume decodes one opus packet and hands the PCM bytes to the pacer.
func (p *speakerPipeline) Consume(opusData []byte) error {
	pcm := make([]int16, maxOpusFrameSamples*pace.Channels)
	n, err := p.decoder.Decode(opusData, pcm)
	if err != nil {
		p.log.Error(
			"failed to decode opus packet",
			"speaker", p.speakerName,
			"error", err,
		)
		p.Close()
		return fmt.Errorf("decode opus packet: %w", err)
	}

	data := make([]byte, n*pace.Channels*pace.BytesPerSample)
	for i := 0; i < n*pace.Channels; i++ {
		binary.LittleEndian.PutUint16(data[i*2:], uint16(pcm[i]))
	}

	if err := p.pacer.Push(data); err != nil {
		if errors.Is(err, pace.ErrClosed) {
			return nil
		}
		p.log.Error(
			"failed to pace audio",
			"speaker", p.speakerName,
			"error", err,
		)
		p.Close()
		return fmt.Errorf("pace audio: %w", err)
	}

	return nil
}

// pump forwards paced chunks into the recognition stream. When the pacer
// closes, the stream's send side is finished.
func (p *speakerPipeline) pump() {
	for chunk := range p.pacer.Out() {
		if err := p.session.SendAudio(chunk); err != nil {
			if errors.Is(err, stt.ErrSessionClosed) {
				continue
			}
			p.log.Error(
				"failed to forward audio",
				"speaker", p.speakerName,
				"error", err,
			)
			p.Close()
		}
	}

	// The pacer output is closed. A recorded stall means the stream's byte
	// rate is already broken, so the whole pipeline goes down with it.
	if err := p.pacer.Err(); err != nil {
		p.log.Error(
			"paced output failed",
			"speaker", p.speakerName,
			"error", err,
		)
		p.Close()
	}

	if err := p.session.Stop(); err != nil {
		p.log.Error(
			"failed to stop recognition session",
			"speaker", p.speakerName,
			"error", err,
		)
	}
}

// listen drains recognition results until the session ends, saving and
// echoing final transcripts.
func (p *speakerPipeline) listen() {
	ctx := context.Background()

	for result := range p.session.Receive() {
		if result.Text == "" {
			continue
		}

		if !result.IsFinal {
			p.log.Debug(
				"hear",
				"speaker", p.speakerName,
				"tmp", result.Text,
			)
			continue
		}

		p.log.Info(
			"hear",
			"speaker", p.speakerName,
			"txt", result.Text,
			"confidence", result.Confidence,
		)

		if err := p.store.RecordFinalTranscript(ctx, session.Transcript{
			SessionID:   p.sessionID,
			SpeakerID:   p.speakerID,
			SpeakerName: p.speakerName,
			Text:        result.Text,
		}); err != nil {
			p.log.Error("failed to save transcript", "error", err)
		}

		p.echo(result.Text)
	}

	if err := p.session.Err(); err != nil {
		p.log.Error(
			"recognition session failed",
			"speaker", p.speakerName,
			"error", err,
		)
	}

	p.Close()
}

// Close shuts the pipeline down and frees the speaker's slot so their next
// speech opens a fresh session. Idempotent and non-blocking.
func (p *speakerPipeline) Close() {
	p.closeOnce.Do(func() {
		p.pacer.Close()
		p.detach()
		p.log.Info(
			"speaker stream closed",
			"guild", p.guildID,
			"speaker", p.speakerName,
		)
	})
}
