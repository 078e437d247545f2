// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package main

import (
	"cmp"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.astrophena.name/tgrssbot/cmd/tgrssbot/internal/feed"
	"go.astrophena.name/tgrssbot/cmd/tgrssbot/internal/relay"
	"go.astrophena.name/tgrssbot/cmd/tgrssbot/internal/responder"
	"go.astrophena.name/tgrssbot/cmd/tgrssbot/internal/rules"
	"go.astrophena.name/tgrssbot/cmd/tgrssbot/internal/sender"
	"go.astrophena.name/tgrssbot/cmd/tgrssbot/internal/supervisor"
	"go.astrophena.name/tgrssbot/cmd/tgrssbot/internal/telegram"
	"go.astrophena.name/tgrssbot/cmd/tgrssbot/internal/watermark"
	"go.astrophena.name/tgrssbot/internal/cli"
	"go.astrophena.name/tgrssbot/internal/filelock"
	"go.astrophena.name/tgrssbot/internal/httplogger"
	"go.astrophena.name/tgrssbot/internal/logger"
	"go.astrophena.name/tgrssbot/internal/systemd"

	"github.com/go-playground/validator/v10"
)

func main() { cli.Main(new(bot)) }

type bot struct {
	// configuration
	interval    int
	verbosity   counter
	timeout     time.Duration
	rulesFile   string
	sanitize    bool
	stateDir    string
	logFile     string
	maxRestarts int

	// for tests
	httpc       *http.Client
	apiURL      string
	pollTimeout time.Duration
	onReady     func()
}

func (b *bot) Flags(fs *flag.FlagSet) {
	fs.IntVar(&b.interval, "i", 60, "Feed polling `interval` in seconds.")
	fs.IntVar(&b.interval, "interval", 60, "Feed polling `interval` in seconds.")
	fs.Var(&b.verbosity, "v", "Log more. Repeat or set to a number to log even more.")
	fs.Var(&b.verbosity, "verbose", "Log more. Repeat or set to a number to log even more.")
	fs.DurationVar(&b.timeout, "timeout", 30*time.Second, "Timeout of network requests.")
	fs.StringVar(&b.rulesFile, "rules", "", "Starlark `file` with item filtering rules.")
	fs.BoolVar(&b.sanitize, "sanitize", false, "Strip HTML that Telegram doesn't support from item descriptions.")
	fs.StringVar(&b.stateDir, "state-dir", "", "`Directory` with the state file. Defaults to $STATE_DIRECTORY or the current directory.")
	fs.StringVar(&b.logFile, "log-file", "", "Write logs to this `file` instead of stderr.")
	fs.IntVar(&b.maxRestarts, "max-restarts", 0, "Exit after a pipeline failed this many times in a row. A run longer than the interval resets the count. Zero means never.")
}

// config is the validated configuration of a bot.
type config struct {
	Token      string        `validate:"required"`
	FeedURL    string        `validate:"required,http_url"`
	ReceiverID string        `validate:"required"`
	Interval   time.Duration `validate:"gte=1s"`
	Timeout    time.Duration `validate:"gte=1s"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c config) validate() error {
	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	var msgs []string
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return fmt.Errorf("%w: %s", cli.ErrInvalidArgs, strings.Join(msgs, "; "))
}

func describe(fe validator.FieldError) string {
	name := map[string]string{
		"Token":      "bot token",
		"FeedURL":    "RSS URL",
		"ReceiverID": "receiver ID",
		"Interval":   "interval",
		"Timeout":    "timeout",
	}[fe.Field()]
	switch fe.Tag() {
	case "required":
		return name + " is required"
	case "http_url":
		return fmt.Sprintf("%s %q is not a valid HTTP URL", name, fe.Value())
	case "gte":
		return fmt.Sprintf("%s must be at least %s", name, fe.Param())
	default:
		return fmt.Sprintf("%s is invalid (%s)", name, fe.Tag())
	}
}

func (b *bot) Run(ctx context.Context, env *cli.Env) (err error) {
	if len(env.Args) != 3 {
		return fmt.Errorf("%w: want 3 arguments (bot-token rss-url receiver-id), got %d", cli.ErrInvalidArgs, len(env.Args))
	}
	cfg := config{
		Token:      env.Args[0],
		FeedURL:    env.Args[1],
		ReceiverID: env.Args[2],
		Interval:   time.Duration(b.interval) * time.Second,
		Timeout:    b.timeout,
	}
	if err := cfg.validate(); err != nil {
		return err
	}
	stateDir := cmp.Or(b.stateDir, env.Getenv("STATE_DIRECTORY"), ".")

	level := new(slog.LevelVar)
	level.Set(logger.LevelFromVerbosity(int(b.verbosity)))
	log, closeLog := logger.New(logger.Options{
		Writer: env.Stderr,
		File:   b.logFile,
		Level:  level,
	})
	defer closeLog()

	var filter relay.Filter
	if b.rulesFile != "" {
		r, err := rules.Load(b.rulesFile, nil, log)
		if err != nil {
			return fmt.Errorf("%w: loading rules: %v", cli.ErrInvalidArgs, err)
		}
		filter = r
	}

	lock, err := filelock.Acquire(filepath.Join(stateDir, watermark.FileName+".lock"))
	if err != nil {
		return fmt.Errorf("locking state directory: %w", err)
	}
	defer func() { err = errors.Join(err, lock.Release()) }()

	store := watermark.Open(stateDir, log)
	st := &relay.State{Watermark: store.Load()}
	// Creates the state file on the first run, so a restart before anything
	// was relayed doesn't relay history.
	if err := store.Save(st.Watermark); err != nil {
		log.Warn("saving watermark", "error", err)
	}

	httpc := b.httpc
	if httpc == nil {
		// Requests are bounded by contexts, not by a client timeout, so both
		// long polls and feed fetches can share a client.
		httpc = &http.Client{}
	}
	if b.verbosity >= 2 {
		httpc = &http.Client{
			Transport: httplogger.New(httpc.Transport, log, cfg.Token),
		}
	}

	client := telegram.New(telegram.Config{
		Token:      cfg.Token,
		APIURL:     b.apiURL,
		HTTPClient: httpc,
		Timeout:    cfg.Timeout,
		Logger:     log,
	})
	engine := relay.New(relay.Config{
		URL: cfg.FeedURL,
		Fetcher: feed.New(feed.Config{
			HTTPClient: httpc,
			Timeout:    cfg.Timeout,
			Logger:     log,
		}),
		Sender: sender.New(sender.Config{
			Client:   client,
			ChatID:   cfg.ReceiverID,
			Sanitize: b.sanitize,
			Logger:   log,
		}),
		Store:  store,
		Filter: filter,
		Logger: log,
	})
	resp := responder.New(responder.Config{
		Client:      client,
		Text:        responder.Notice(cfg.FeedURL, cfg.ReceiverID),
		PollTimeout: b.pollTimeout,
		Logger:      log,
	})

	sup := supervisor.New(supervisor.Config{
		Interval:    cfg.Interval,
		MaxRestarts: b.maxRestarts,
		Logger:      log,
	})
	sup.Add("feed", func(ctx context.Context) error {
		return engine.Run(ctx, st, cfg.Interval)
	})
	sup.Add("inbound", resp.Run)
	sup.OnStop(client.Close)

	logf := logger.Printf(log, slog.LevelDebug)
	systemd.Notify(env.Getenv, logf, systemd.Ready)
	go systemd.WatchdogLoop(ctx, env.Getenv, logf)
	log.Info("started",
		"feed", cfg.FeedURL,
		"receiver", cfg.ReceiverID,
		"interval", cfg.Interval,
		"watermark", st.Watermark,
		"state", store.Path(),
	)
	if b.onReady != nil {
		b.onReady()
	}

	err = sup.Run(ctx)
	systemd.Notify(env.Getenv, logf, systemd.Stopping)
	if err != nil {
		return err
	}
	log.Info("stopped")
	return nil
}

// counter is a flag that counts how many times it was given. It can also be
// set to a number, as in -v=2.
type counter int

func (c *counter) String() string { return strconv.Itoa(int(*c)) }

func (c *counter) Set(s string) error {
	if v, err := strconv.ParseBool(s); err == nil {
		if v {
			*c++
		} else {
			*c = 0
		}
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	*c = counter(n)
	return nil
}

func (c *counter) IsBoolFlag() bool { return true }
