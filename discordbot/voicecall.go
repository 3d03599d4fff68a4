package discordbot

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bwmarrin/discordgo"

	"scribe.zone/session"
)

// VoiceCall tracks one voice channel connection: the SSRC to user mapping
// learned from speaking updates and the live pipeline per speaking user.
type VoiceCall struct {
	sync.RWMutex

	Conn      *discordgo.VoiceConnection
	GuildID   string
	ChannelID string

	InboundAudioPackets chan *discordgo.Packet

	ssrcToUser map[uint32]string
	users      map[string]*discordgo.User
	pipelines  map[string]*speakerPipeline
}

func (call *VoiceCall) userForSSRC(ssrc uint32) (string, bool) {
	call.RLock()
	defer call.RUnlock()
	userID, ok := call.ssrcToUser[ssrc]
	return userID, ok
}

func (call *VoiceCall) setSpeaker(ssrc uint32, userID string) {
	call.Lock()
	defer call.Unlock()
	call.ssrcToUser[ssrc] = userID
}

func (call *VoiceCall) pipeline(userID string) *speakerPipeline {
	call.RLock()
	defer call.RUnlock()
	return call.pipelines[userID]
}

func (call *VoiceCall) setPipeline(userID string, p *speakerPipeline) {
	call.Lock()
	defer call.Unlock()
	call.pipelines[userID] = p
}

func (call *VoiceCall) removePipeline(userID string) {
	call.Lock()
	defer call.Unlock()
	delete(call.pipelines, userID)
}

func (bot *Bot) joinVoiceCall(guildID, channelID string) error {
	bot.mu.Lock()
	defer bot.mu.Unlock()

	if call, ok := bot.voiceCalls[guildID]; ok {
		if err := call.Conn.Disconnect(); err != nil {
			return fmt.Errorf(
				"failed to disconnect from voice channel: %w",
				err,
			)
		}
		delete(bot.voiceCalls, guildID)
	}

	vc, err := bot.conn.ChannelVoiceJoin(guildID, channelID, false, false)
	if err != nil {
		return fmt.Errorf("failed to join voice channel: %w", err)
	}

	call := &VoiceCall{
		Conn:      vc,
		GuildID:   guildID,
		ChannelID: channelID,

		// three seconds of 20ms frames
		InboundAudioPackets: make(chan *discordgo.Packet, 3*1000/20),

		ssrcToUser: make(map[uint32]string),
		users:      make(map[string]*discordgo.User),
		pipelines:  make(map[string]*speakerPipeline),
	}

	vc.AddHandler(func(
		_ *discordgo.VoiceConnection,
		v *discordgo.VoiceSpeakingUpdate,
	) {
		bot.log.Debug(
			"speaking update",
			"ssrc", v.SSRC,
			"user", v.UserID,
			"speaking", v.Speaking,
		)
		call.setSpeaker(uint32(v.SSRC), v.UserID)
	})

	bot.voiceCalls[guildID] = call

	go bot.acceptInboundAudioPackets(call)
	go bot.processInboundAudioPackets(call)

	return nil
}

func (bot *Bot) leaveVoiceCall(guildID string) error {
	bot.mu.Lock()
	call, ok := bot.voiceCalls[guildID]
	if ok {
		delete(bot.voiceCalls, guildID)
	}
	bot.mu.Unlock()

	if !ok {
		return fmt.Errorf("not in a voice call for guild %s", guildID)
	}

	if err := call.Conn.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from voice channel: %w", err)
	}

	return nil
}

func (bot *Bot) acceptInboundAudioPackets(call *VoiceCall) {
	for packet := range call.Conn.OpusRecv {
		select {
		case call.InboundAudioPackets <- packet:
			// enqueued
		default:
			bot.log.Warn(
				"voice packet dropped",
				"guild", call.GuildID,
				"ssrc", packet.SSRC,
			)
		}
	}
	close(call.InboundAudioPackets)
}

func (bot *Bot) processInboundAudioPackets(call *VoiceCall) {
	for packet := range call.InboundAudioPackets {
		if err := bot.processInboundAudioPacket(call, packet); err != nil {
			bot.log.Error(
				"failed to process audio packet",
				"guild", call.GuildID,
				"ssrc", packet.SSRC,
				"error", err,
			)
		}
	}

	// The voice connection is gone. Tear down every recognition session
	// that belonged to it.
	bot.log.Info("voice connection closed", "guild", call.GuildID)

	if err := bot.registry.EndListening(
		context.Background(),
		call.GuildID,
	); err != nil {
		bot.log.Error(
			"failed to end listening session",
			"guild", call.GuildID,
			"error", err,
		)
	}

	bot.mu.Lock()
	if bot.voiceCalls[call.GuildID] == call {
		delete(bot.voiceCalls, call.GuildID)
	}
	bot.mu.Unlock()
}

func (bot *Bot) processInboundAudioPacket(
	call *VoiceCall,
	packet *discordgo.Packet,
) error {
	userID, ok := call.userForSSRC(packet.SSRC)
	if !ok {
		// No speaking update seen for this SSRC yet.
		return nil
	}

	pipeline := call.pipeline(userID)
	if pipeline == nil {
		user, err := bot.resolveUser(call, userID)
		if err != nil {
			return fmt.Errorf("resolve user %s: %w", userID, err)
		}
		if user.Bot {
			return nil
		}

		err = bot.registry.AttachSpeaker(
			context.Background(),
			call.GuildID,
			userID,
			user.Username,
		)
		if err != nil {
			if errors.Is(err, session.ErrNotListening) {
				return nil
			}
			return fmt.Errorf("attach speaker: %w", err)
		}

		pipeline = call.pipeline(userID)
		if pipeline == nil {
			return nil
		}
	}

	return pipeline.Consume(packet.Opus)
}

func (bot *Bot) resolveUser(
	call *VoiceCall,
	userID string,
) (*discordgo.User, error) {
	call.RLock()
	user, ok := call.users[userID]
	call.RUnlock()
	if ok {
		return user, nil
	}

	user, err := bot.conn.User(userID)
	if err != nil {
		return nil, err
	}

	if myID, err := bot.conn.MyUserID(); err == nil && userID == myID {
		// Never transcribe our own outbound audio.
		user = &discordgo.User{ID: userID, Username: user.Username, Bot: true}
	}

	call.Lock()
	call.users[userID] = user
	call.Unlock()

	return user, nil
}
