// Package discord sends notifications to a Discord channel and answers the
// !status and !agenda commands.
package discord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/mklimuk/atelier-pilot/pkg/model"
	"github.com/mklimuk/atelier-pilot/pkg/notify"
	"github.com/sirupsen/logrus"
)

const prefix = "!"

// Bot wraps the Discord session and dependencies
type Bot struct {
	Session   *discordgo.Session
	ChannelID string
	Agenda    notify.AgendaSource
	log       *logrus.Entry
}

// NewBot creates a new Discord bot posting notifications to channelID.
func NewBot(token, channelID string, agenda notify.AgendaSource) (*Bot, error) {
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("error creating Discord session: %w", err)
	}

	bot := &Bot{
		Session:   dg,
		ChannelID: channelID,
		Agenda:    agenda,
		log:       logrus.WithField("component", "discord"),
	}

	dg.AddHandler(bot.messageCreate)

	return bot, nil
}

// Name implements notify.Sender.
func (b *Bot) Name() string { return "discord" }

// Send implements notify.Sender by posting text to the configured channel.
func (b *Bot) Send(ctx context.Context, text string) error {
	if _, err := b.Session.ChannelMessageSend(b.ChannelID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("failed to send Discord message: %w", err)
	}
	return nil
}

// Start opens the websocket connection
func (b *Bot) Start() error {
	return b.Session.Open()
}

// Stop closes the websocket connection
func (b *Bot) Stop() error {
	return b.Session.Close()
}

func (b *Bot) messageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore messages from self
	if m.Author == nil || (s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID) {
		return
	}

	command, args := ParseCommand(m.Content)
	if command == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	text := notify.Reply(ctx, b.Agenda, model.DateOf(time.Now()), command, args)
	if text == "" {
		return
	}
	if _, err := s.ChannelMessageSend(m.ChannelID, text); err != nil {
		b.log.WithError(err).WithField("command", command).Warn("failed to send Discord reply")
	}
}

// ParseCommand extracts a known "!command" and its arguments.
func ParseCommand(text string) (command, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, prefix) {
		return "", text
	}
	head, rest, _ := strings.Cut(text, " ")
	name := strings.ToLower(strings.TrimPrefix(head, prefix))
	switch name {
	case notify.CommandStatus, notify.CommandAgenda:
		return name, strings.TrimSpace(rest)
	}
	return "", text
}
