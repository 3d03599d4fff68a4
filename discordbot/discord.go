package discordbot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/charmbracelet/log"

	"scribe.zone/session"
	"scribe.zone/stt"
)

type Bot struct {
	mu sync.Mutex

	log         *log.Logger
	conn        Discord
	recognition stt.SpeechRecognition
	store       session.Store
	registry    *session.Registry

	voiceCalls map[string]*VoiceCall

	// text channel in which !listen was issued, per guild, used for
	// echoing final transcripts back
	echoChannels map[string]string
}

func NewBot(
	discord Discord,
	recognition stt.SpeechRecognition,
	store session.Store,
	logger *log.Logger,
) (*Bot, error) {
	bot := &Bot{
		log:          logger,
		conn:         discord,
		recognition:  recognition,
		store:        store,
		voiceCalls:   make(map[string]*VoiceCall),
		echoChannels: make(map[string]string),
	}

	bot.registry = session.NewRegistry(
		store,
		bot.checkConnectivity,
		bot.startSpeaker,
		logger,
	)

	discord.AddHandler(bot.handleGuildCreate)
	discord.AddHandler(bot.handleMessageCreate)

	if err := discord.Open(); err != nil {
		return nil, fmt.Errorf("error opening Discord session: %w", err)
	}

	return bot, nil
}

func (bot *Bot) Close() error {
	bot.mu.Lock()
	calls := make([]*VoiceCall, 0, len(bot.voiceCalls))
	for _, call := range bot.voiceCalls {
		calls = append(calls, call)
	}
	bot.mu.Unlock()

	for _, call := range calls {
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
		if err := call.Conn.Disconnect(); err != nil {
			bot.log.Error(
				"failed to disconnect from voice channel",
				"guild", call.GuildID,
				"error", err,
			)
		}
	}

	return bot.conn.Close()
}

func (bot *Bot) checkConnectivity(ctx context.Context) bool {
	return stt.CheckConnectivity(ctx, bot.recognition, bot.log)
}

func (bot *Bot) handleGuildCreate(
	_ *discordgo.Session,
	event *discordgo.GuildCreate,
) {
	bot.log.Info("joined guild", "guild", event.Guild.Name)
}

func (bot *Bot) handleMessageCreate(
	_ *discordgo.Session,
	m *discordgo.MessageCreate,
) {
	if myID, err := bot.conn.MyUserID(); err == nil && m.Author.ID == myID {
		return
	}

	if !strings.HasPrefix(m.Content, "!") {
		return
	}

	args := strings.Fields(m.Content[1:])
	if len(args) == 0 {
		return
	}

	switch args[0] {
	case "listen":
		bot.handleListenCommand(m)
	case "leave":
		bot.handleLeaveCommand(m)
	}
}

func (bot *Bot) handleListenCommand(m *discordgo.MessageCreate) {
	channelID, err := bot.voiceChannelOf(m.GuildID, m.Author.ID)
	if err != nil {
		bot.log.Error(
			"failed to find voice channel",
			"user", m.Author.Username,
			"error", err,
		)
		bot.reply(m.ChannelID, "Join a voice channel first, then try again.")
		return
	}

	channelName := channelID
	if channel, err := bot.conn.Channel(channelID); err == nil {
		channelName = channel.Name
	}

	ctx := context.Background()

	sessionID, err := bot.registry.BeginListening(
		ctx,
		m.GuildID,
		channelID,
		channelName,
	)
	switch {
	case errors.Is(err, session.ErrAlreadyListening):
		bot.reply(m.ChannelID, "Already listening in this server.")
		return
	case errors.Is(err, session.ErrConnectivity):
		bot.reply(
			m.ChannelID,
			"Can't reach the speech service right now, try again later.",
		)
		return
	case err != nil:
		bot.log.Error("failed to begin listening", "error", err)
		bot.reply(m.ChannelID, "Something went wrong starting the session.")
		return
	}

	if err := bot.joinVoiceCall(m.GuildID, channelID); err != nil {
		bot.log.Error("failed to join voice call", "error", err)
		if endErr := bot.registry.EndListening(ctx, m.GuildID); endErr != nil {
			bot.log.Error("failed to end listening session", "error", endErr)
		}
		bot.reply(m.ChannelID, "Couldn't join the voice channel.")
		return
	}

	bot.mu.Lock()
	bot.echoChannels[m.GuildID] = m.ChannelID
	bot.mu.Unlock()

	bot.log.Info(
		"listening",
		"guild", m.GuildID,
		"channel", channelName,
		"session", sessionID,
	)
	bot.reply(m.ChannelID, fmt.Sprintf("Listening in **%s**.", channelName))
}

func (bot *Bot) handleLeaveCommand(m *discordgo.MessageCreate) {
	if err := bot.registry.EndListening(
		context.Background(),
		m.GuildID,
	); err != nil {
		bot.log.Error("failed to end listening session", "error", err)
	}

	if err := bot.leaveVoiceCall(m.GuildID); err != nil {
		bot.log.Error("failed to leave voice call", "error", err)
		bot.reply(m.ChannelID, "Wasn't in a voice channel.")
		return
	}

	bot.reply(m.ChannelID, "Left the voice channel.")
}

func (bot *Bot) voiceChannelOf(guildID, userID string) (string, error) {
	states, err := bot.conn.GuildVoiceStates(guildID)
	if err != nil {
		return "", fmt.Errorf("voice states for guild %s: %w", guildID, err)
	}
	for _, vs := range states {
		if vs.UserID == userID {
			return vs.ChannelID, nil
		}
	}
	return "", fmt.Errorf("user %s is not in a voice channel", userID)
}

func (bot *Bot) reply(channelID, content string) {
	if _, err := bot.conn.ChannelMessageSend(channelID, content); err != nil {
		bot.log.Error(
			"failed to send message",
			"channel", channelID,
			"error", err,
		)
	}
}

func (bot *Bot) echoTranscript(guildID, speakerName, text string) {
	bot.mu.Lock()
	channelID := bot.echoChannels[guildID]
	bot.mu.Unlock()

	if channelID == "" {
		return
	}

	bot.reply(channelID, fmt.Sprintf("> **%s**: %s", speakerName, text))
}
