// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package responder answers every message sent to the bot with a fixed
// notice.
package responder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.astrophena.name/tgrssbot/cmd/tgrssbot/internal/telegram"
)

// DefaultPollTimeout is the default long polling timeout.
const DefaultPollTimeout = 25 * time.Second

// Updater receives updates and replies to them.
type Updater interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]json.RawMessage, error)
	SendMessage(ctx context.Context, msg *telegram.Message) error
}

// SubscriptionError is returned when receiving updates fails.
type SubscriptionError struct {
	Err error
}

func (e *SubscriptionError) Error() string { return "receiving updates: " + e.Err.Error() }

// Unwrap returns the underlying error.
func (e *SubscriptionError) Unwrap() error { return e.Err }

// ErrorKind returns the kind of the error.
func (e *SubscriptionError) ErrorKind() string { return "subscription" }

var errStuck = errors.New("received updates that can't be acknowledged")

// Notice returns the text sent in reply to inbound messages.
func Notice(rssURL, receiverID string) string {
	return fmt.Sprintf("This bot is not interactive. It just sends items from %s to %s.", rssURL, receiverID)
}

// Config configures a Responder.
type Config struct {
	Client Updater
	// Text is the reply text.
	Text string
	// PollTimeout is the long polling timeout. Defaults to DefaultPollTimeout.
	PollTimeout time.Duration
	Logger      *slog.Logger
}

// Responder replies to inbound messages.
type Responder struct {
	client      Updater
	text        string
	pollTimeout time.Duration
	slog        *slog.Logger

	// offset is kept across calls to Run, so a restarted pipeline doesn't
	// answer the same messages twice.
	offset int64
}

// New returns a new Responder.
func New(cfg Config) *Responder {
	r := &Responder{
		client:      cfg.Client,
		text:        cfg.Text,
		pollTimeout: cfg.PollTimeout,
		slog:        cfg.Logger,
	}
	if r.pollTimeout == 0 {
		r.pollTimeout = DefaultPollTimeout
	}
	if r.slog == nil {
		r.slog = slog.Default()
	}
	return r
}

// Run receives updates and replies to them until ctx is done, in which case
// it returns nil. A failure to receive updates, or a batch of updates none of
// which has a readable identifier, is returned as *SubscriptionError.
func (r *Responder) Run(ctx context.Context) error {
	for {
		updates, err := r.client.GetUpdates(ctx, r.offset, r.pollTimeout)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return &SubscriptionError{Err: err}
		}
		prev := r.offset
		for _, raw := range updates {
			r.handle(ctx, raw)
		}
		if len(updates) > 0 && r.offset == prev {
			// Polling again right away would return the same updates.
			return &SubscriptionError{Err: errStuck}
		}
	}
}

func (r *Responder) handle(ctx context.Context, raw json.RawMessage) {
	var u telegram.Update
	if err := json.Unmarshal(raw, &u); err != nil {
		r.slog.Warn("skipping malformed update", "error", err)
		r.skipMalformed(raw)
		return
	}
	r.offset = max(r.offset, u.UpdateID+1)

	if u.Message == nil {
		r.slog.Debug("skipping update without message", "update_id", u.UpdateID)
		return
	}

	chatID := strconv.FormatInt(u.Message.Chat.ID, 10)
	if err := r.client.SendMessage(ctx, &telegram.Message{
		ChatID: chatID,
		Text:   r.text,
	}); err != nil {
		r.slog.Warn("replying to message", "chat_id", chatID, "update_id", u.UpdateID, "error", err)
		return
	}
	r.slog.Info("replied to message", "chat_id", chatID, "update_id", u.UpdateID)
}

// skipMalformed advances the offset past an update that can't be decoded as
// a whole, if at least its identifier is readable.
func (r *Responder) skipMalformed(raw json.RawMessage) {
	var id struct {
		UpdateID int64 `json:"update_id"`
	}
	if err := json.Unmarshal(raw, &id); err == nil && id.UpdateID != 0 {
		r.offset = max(r.offset, id.UpdateID+1)
	}
}
