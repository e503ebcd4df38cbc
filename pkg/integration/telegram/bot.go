// Package telegram sends notifications to a Telegram chat and answers the
// /status and /agenda commands.
package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/mklimuk/atelier-pilot/pkg/model"
	"github.com/mklimuk/atelier-pilot/pkg/notify"
	"github.com/sirupsen/logrus"
)

// Bot wraps the Telegram bot API and dependencies
type Bot struct {
	API    *tgbotapi.BotAPI
	ChatID int64
	Agenda notify.AgendaSource
	log    *logrus.Entry
	stopCh chan struct{}
}

// NewBot creates a new Telegram bot posting notifications to chatID.
func NewBot(token string, chatID int64, agenda notify.AgendaSource) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("error creating Telegram bot: %w", err)
	}

	return &Bot{
		API:    api,
		ChatID: chatID,
		Agenda: agenda,
		log:    logrus.WithField("component", "telegram"),
		stopCh: make(chan struct{}),
	}, nil
}

// Name implements notify.Sender.
func (b *Bot) Name() string { return "telegram" }

// Send implements notify.Sender by posting text to the configured chat.
func (b *Bot) Send(_ context.Context, text string) error {
	if _, err := b.API.Send(tgbotapi.NewMessage(b.ChatID, text)); err != nil {
		return fmt.Errorf("failed to send Telegram message: %w", err)
	}
	return nil
}

// Start begins polling for updates in a goroutine
func (b *Bot) Start() error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.API.GetUpdatesChan(u)

	go func() {
		for {
			select {
			case <-b.stopCh:
				return
			case update, ok := <-updates:
				if !ok {
					return
				}
				if update.Message != nil {
					b.handleMessage(update.Message)
				}
			}
		}
	}()

	return nil
}

// Stop stops polling for updates
func (b *Bot) Stop() {
	close(b.stopCh)
	b.API.StopReceivingUpdates()
}

func (b *Bot) handleMessage(msg *tgbotapi.Message) {
	command, args := ParseCommand(msg.Text)
	if command == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	text := notify.Reply(ctx, b.Agenda, model.DateOf(time.Now()), command, args)
	if text == "" {
		return
	}
	if _, err := b.API.Send(tgbotapi.NewMessage(msg.Chat.ID, text)); err != nil {
		b.log.WithError(err).WithField("command", command).Warn("failed to send Telegram reply")
	}
}

// ParseCommand extracts a known command (without its slash and any
// @botname suffix) and its arguments from a message text.
func ParseCommand(text string) (command, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	head, rest, _ := strings.Cut(text, " ")
	name, _, _ := strings.Cut(strings.TrimPrefix(head, "/"), "@")
	switch name {
	case notify.CommandStatus, notify.CommandAgenda:
		return name, strings.TrimSpace(rest)
	}
	return "", text
}
