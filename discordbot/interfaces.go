package discordbot

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

type Discord interface {
	AddHandler(handler interface{}) func()
	Open() error
	Close() error
	ChannelMessageSend(
		channelID string,
		content string,
		options ...discordgo.RequestOption,
	) (*discordgo.Message, error)
	ChannelVoiceJoin(
		gID, cID string,
		mute, deaf bool,
	) (voice *discordgo.VoiceConnection, err error)
	Channel(
		channelID string,
		options ...discordgo.RequestOption,
	) (st *discordgo.Channel, err error)
	User(
		userID string,
		options ...discordgo.RequestOption,
	) (*discordgo.User, error)
	MyUserID() (userID string, err error)
	GuildVoiceStates(guildID string) ([]*discordgo.VoiceState, error)
}

// DiscordSession wraps discordgo.Session to satisfy the Discord interface.
type DiscordSession struct {
	*discordgo.Session
}

func (s *DiscordSession) MyUserID() (string, error) {
	if s.State == nil || s.State.User == nil {
		return "", fmt.Errorf("session state not ready")
	}
	return s.State.User.ID, nil
}

func (s *DiscordSession) GuildVoiceStates(
	guildID string,
) ([]*discordgo.VoiceState, error) {
	guild, err := s.State.Guild(guildID)
	if err != nil {
		return nil, fmt.Errorf("guild state: %w", err)
	}
	return guild.VoiceStates, nil
}
