package notifier

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"
)

// ErrNoToken is returned by NewTelegram when no bot token is configured.
var ErrNoToken = errors.New("telegram token is empty")

// Telegram sends alerts through the Bot API. It never polls for updates.
type Telegram struct {
	bot *tele.Bot
}

func NewTelegram(token string) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrNoToken
	}
	b, err := tele.NewBot(tele.Settings{
		Token:   token,
		Offline: true,
		Client:  &http.Client{Timeout: 8 * time.Second},
	})
	if err != nil {
		return nil, err
	}
	return &Telegram{bot: b}, nil
}

func (t *Telegram) Send(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(&tele.Chat{ID: chatID}, text, &tele.SendOptions{DisableWebPagePreview: true})
	return err
}
