// © 2025 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package telegram is a minimal Telegram Bot API client: it sends messages and
// long-polls for updates.
package telegram

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.astrophena.name/tgrssbot/internal/request"
)

const (
	// DefaultAPIURL is the Telegram Bot API endpoint.
	DefaultAPIURL = "https://api.telegram.org"
	// DefaultTimeout bounds a single API call when [Config] doesn't set one.
	DefaultTimeout = 30 * time.Second

	sendRetryLimit = 5 // N attempts to retry message sending
)

// ParseModeHTML tells Telegram to interpret message text as HTML.
const ParseModeHTML = "HTML"

// ErrClosed is returned by calls made after [Client.Close].
var ErrClosed = errors.New("telegram: client is closed")

// Config configures a [Client].
type Config struct {
	Token string
	// APIURL overrides DefaultAPIURL. Used in tests.
	APIURL     string
	HTTPClient *http.Client
	// Timeout bounds every API call. Long polls are bounded by their poll
	// timeout plus this value.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Client calls the Telegram Bot API. It's safe for concurrent use.
type Client struct {
	token    string
	apiURL   string
	httpc    *http.Client
	timeout  time.Duration
	scrubber *strings.Replacer
	slog     *slog.Logger
	closed   atomic.Bool
	sleep    func(context.Context, time.Duration) bool
}

// New returns a new Client.
func New(cfg Config) *Client {
	c := &Client{
		token:   cfg.Token,
		apiURL:  strings.TrimSuffix(cmp.Or(cfg.APIURL, DefaultAPIURL), "/"),
		httpc:   cfg.HTTPClient,
		timeout: cmp.Or(cfg.Timeout, DefaultTimeout),
		slog:    cfg.Logger,
		sleep:   sleep,
	}
	if c.httpc == nil {
		// Long polls outlive request.DefaultClient's timeout, so rely on
		// per-call contexts instead.
		c.httpc = &http.Client{}
	}
	if c.slog == nil {
		c.slog = slog.Default()
	}
	if c.token != "" {
		c.scrubber = strings.NewReplacer(c.token, "[EXPUNGED]")
	}
	return c
}

// Message is an outgoing message.
//
// See https://core.telegram.org/bots/api#sendmessage.
type Message struct {
	ChatID             string              `json:"chat_id"`
	Text               string              `json:"text"`
	ParseMode          string              `json:"parse_mode,omitempty"`
	LinkPreviewOptions *LinkPreviewOptions `json:"link_preview_options,omitempty"`
}

// LinkPreviewOptions controls link preview generation.
type LinkPreviewOptions struct {
	IsDisabled bool `json:"is_disabled"`
}

// Update is an incoming update. Only messages are requested from Telegram.
//
// See https://core.telegram.org/bots/api#update.
type Update struct {
	UpdateID int64            `json:"update_id"`
	Message  *IncomingMessage `json:"message,omitempty"`
}

// IncomingMessage is a message sent to the bot.
type IncomingMessage struct {
	MessageID int64  `json:"message_id"`
	Chat      Chat   `json:"chat"`
	From      *User  `json:"from,omitempty"`
	Text      string `json:"text,omitempty"`
}

// Chat is a Telegram chat.
type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type"`
}

// User is a Telegram user or bot.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

// APIError is an error reported by the Bot API.
type APIError struct {
	Method      string
	Code        int
	Description string
	// RetryAfter is set when the request was rate limited.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram: %s: %d %s", e.Method, e.Code, e.Description)
}

type response[T any] struct {
	OK          bool   `json:"ok"`
	Result      T      `json:"result"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  struct {
		RetryAfter int `json:"retry_after,omitempty"`
	} `json:"parameters"`
}

// SendMessage sends msg, retrying when Telegram asks to slow down.
func (c *Client) SendMessage(ctx context.Context, msg *Message) error {
	var err error
	for range sendRetryLimit {
		_, err = call[json.RawMessage](ctx, c, "sendMessage", msg, c.timeout)
		if err == nil {
			return nil
		}

		var apiErr *APIError
		if !errors.As(err, &apiErr) || apiErr.RetryAfter == 0 {
			return err
		}

		c.slog.Warn("sending rate limited, waiting", slog.String("chat_id", msg.ChatID), slog.Duration("wait", apiErr.RetryAfter))
		if !c.sleep(ctx, apiErr.RetryAfter) {
			return ctx.Err()
		}
	}
	return err
}

type getUpdatesParams struct {
	Offset         int64    `json:"offset,omitempty"`
	Timeout        int      `json:"timeout"`
	AllowedUpdates []string `json:"allowed_updates"`
}

// GetUpdates long-polls for message updates with identifiers starting from
// offset, waiting up to timeout for at least one to arrive.
//
// Updates are returned undecoded, so a single update Telegram sends in an
// unexpected shape can be skipped without losing the others.
func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]json.RawMessage, error) {
	return call[[]json.RawMessage](ctx, c, "getUpdates", getUpdatesParams{
		Offset:         offset,
		Timeout:        int(timeout / time.Second),
		AllowedUpdates: []string{"message"},
	}, timeout+c.timeout)
}

// Close releases idle connections. Calls made after Close fail with
// [ErrClosed].
func (c *Client) Close() error {
	c.closed.Store(true)
	c.httpc.CloseIdleConnections()
	return nil
}

func call[T any](ctx context.Context, c *Client, method string, args any, timeout time.Duration) (T, error) {
	var zero T
	if c.closed.Load() {
		return zero, ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := request.MakeJSON[response[T]](ctx, request.Params{
		Method:     http.MethodPost,
		URL:        c.apiURL + "/bot" + c.token + "/" + method,
		Body:       args,
		HTTPClient: c.httpc,
		Scrubber:   c.scrubber,
	})
	if err != nil {
		var statusErr *request.StatusError
		if errors.As(err, &statusErr) {
			return zero, apiError(method, statusErr)
		}
		return zero, err
	}
	if !resp.OK {
		return zero, &APIError{Method: method, Code: resp.ErrorCode, Description: resp.Description}
	}
	return resp.Result, nil
}

func apiError(method string, statusErr *request.StatusError) error {
	var resp response[json.RawMessage]
	if err := json.Unmarshal(statusErr.Body, &resp); err != nil || resp.Description == "" {
		return &APIError{Method: method, Code: statusErr.StatusCode, Description: http.StatusText(statusErr.StatusCode)}
	}
	return &APIError{
		Method:      method,
		Code:        cmp.Or(resp.ErrorCode, statusErr.StatusCode),
		Description: resp.Description,
		RetryAfter:  time.Duration(resp.Parameters.RetryAfter) * time.Second,
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
