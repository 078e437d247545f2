// © 2026 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

/*
Tgrssbot relays new items of an RSS or Atom feed to a Telegram chat.

# Usage

	$ tgrssbot [flags...] <bot-token> <rss-url> <receiver-id>

The receiver is a chat ID or a public channel username, like @example. The bot
must be able to post to it.

Every interval (60 seconds by default, see -i) tgrssbot fetches the feed and
sends items published after the last relayed one, oldest first. Each item is
sent as a message with a bold linked title followed by the item description,
formatted as Telegram HTML. Link previews are disabled.

Anyone who writes to the bot gets a short reply explaining that the bot is not
interactive.

tgrssbot runs until it receives SIGINT or SIGTERM. Failures of fetching the
feed, sending messages or receiving updates are logged and retried after the
interval; they never stop the program.

# State

tgrssbot remembers the publication time of the last relayed item in the
date_tuple.txt file, stored in the directory given by -state-dir, the
$STATE_DIRECTORY environment variable or the current directory, in that order.
The file contains a single line of nine space-separated integers in UTC: year,
month, day, hour, minute, second, weekday (Monday is 0), day of the year and
DST flag (always 0):

	2026 3 1 12 0 0 6 60 0

When the file is missing or can't be parsed, tgrssbot starts from the current
time and doesn't relay older items.

Only one instance can use a state directory at a time.

# Filtering

The -rules flag points to a file written in Starlark that defines block_rule,
keep_rule or both. Each takes an item and returns a boolean:

	def block_rule(item):
	    return "sponsored" in item.title.lower()

	def keep_rule(item):
	    return item.url.startswith("https://go.dev/")

If block_rule returns true, the item is skipped. If keep_rule is defined, only
items for which it returns true are sent. The item is a struct with the
following fields:

  - id: The GUID of the item, or its link if it has none.
  - title: The title of the item.
  - url: The link of the item.
  - description: The description of the item.
  - published: The publication date, as written in the feed.

# Logging

Logs are written to stderr, or to the file given by -log-file, which is
rotated when it grows large. By default only warnings and errors are logged.
Pass -v to also log relayed items and -v=2 (or -v -v) to log everything.

# systemd

When run under systemd with Type=notify, tgrssbot reports readiness and
shutdown, and sends watchdog keepalives if WatchdogSec is set.
*/
package main

import (
	_ "embed"

	"go.astrophena.name/tgrssbot/internal/cli"
)

//go:embed doc.go
var doc []byte

func init() { cli.SetDocComment(doc) }
