// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package sender formats feed entries and delivers them to a Telegram chat.
package sender

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"sync"

	"go.astrophena.name/tgrssbot/cmd/tgrssbot/internal/feed"
	"go.astrophena.name/tgrssbot/cmd/tgrssbot/internal/telegram"

	"github.com/microcosm-cc/bluemonday"
)

// MessageSender is the part of the Telegram client used by [Sender].
type MessageSender interface {
	SendMessage(ctx context.Context, msg *telegram.Message) error
}

// SendError is returned when an entry can't be delivered.
type SendError struct {
	EntryID string
	Err     error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("sending entry %q: %v", e.EntryID, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }

// ErrorKind returns the error kind used by the supervisor.
func (e *SendError) ErrorKind() string { return "send" }

// Config configures a [Sender].
type Config struct {
	Client MessageSender
	ChatID string
	// Sanitize restricts descriptions to the HTML subset Telegram accepts.
	Sanitize bool
	Logger   *slog.Logger
}

// Sender sends feed entries to a single chat.
type Sender struct {
	client   MessageSender
	chatID   string
	sanitize bool
	slog     *slog.Logger
}

// New returns a new Sender.
func New(cfg Config) *Sender {
	s := &Sender{
		client:   cfg.Client,
		chatID:   cfg.ChatID,
		sanitize: cfg.Sanitize,
		slog:     cfg.Logger,
	}
	if s.slog == nil {
		s.slog = slog.Default()
	}
	return s
}

// Send delivers e with link previews disabled.
func (s *Sender) Send(ctx context.Context, e feed.Entry) error {
	desc := e.Description
	if s.sanitize {
		desc = Sanitize(desc)
	}
	text := format(e.Title, e.Link, desc)

	s.slog.Debug("sending message", "chat_id", s.chatID, "entry", e.ID, "message", text)
	if err := s.client.SendMessage(ctx, &telegram.Message{
		ChatID:             s.chatID,
		Text:               text,
		ParseMode:          telegram.ParseModeHTML,
		LinkPreviewOptions: &telegram.LinkPreviewOptions{IsDisabled: true},
	}); err != nil {
		return &SendError{EntryID: e.ID, Err: err}
	}
	return nil
}

// Format renders e as an HTML message: a bold title linking to the entry,
// followed by the description on the next line.
func Format(e feed.Entry) string { return format(e.Title, e.Link, e.Description) }

func format(title, link, desc string) string {
	return fmt.Sprintf(`<a href="%s"><b>%s</b></a>`+"\n%s", html.EscapeString(link), html.EscapeString(title), desc)
}

var telegramPolicy = sync.OnceValue(func() *bluemonday.Policy {
	// https://core.telegram.org/bots/api#html-style
	p := bluemonday.NewPolicy()
	p.AllowElements("b", "strong", "i", "em", "u", "ins", "s", "strike", "del", "code", "pre", "blockquote")
	p.AllowAttrs("href").OnElements("a")
	p.RequireParseableURLs(true)
	p.AllowURLSchemes("http", "https", "mailto", "tg")
	return p
})

// Sanitize strips every tag Telegram doesn't support from s, keeping the text
// inside them.
func Sanitize(s string) string { return telegramPolicy().Sanitize(s) }
