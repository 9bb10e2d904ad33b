package bridge

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// MonitorConfig bounds the post-pairing watch loop.
type MonitorConfig struct {
	Iterations         int
	SyncTimeout        time.Duration
	PollInterval       time.Duration
	CommandDelay       time.Duration
	RecentMessageLimit int
}

// OutcomeKind is a terminal monitoring result.
type OutcomeKind string

const (
	// OutcomeConnected means the bot confirmed the network session.
	OutcomeConnected OutcomeKind = "connected"
	// OutcomeFailed means the bot reported a login error.
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeTimeout means the watch window closed without a verdict.
	OutcomeTimeout OutcomeKind = "timeout"
)

// Outcome is what the monitor observed. Message carries the bot's text for
// failed outcomes.
type Outcome struct {
	Kind    OutcomeKind
	Message string
}

// Monitor watches a management room after pairing and reports what the
// bridge bot decided. It only observes; record and registry changes are the
// caller's job.
type Monitor struct {
	cfg MonitorConfig
	log *slog.Logger
}

func NewMonitor(cfg MonitorConfig, log *slog.Logger) *Monitor {
	if cfg.RecentMessageLimit <= 0 {
		cfg.RecentMessageLimit = 5
	}
	return &Monitor{cfg: cfg, log: log}
}

// Watch polls the management room until the bot reports login success or an
// error, or the configured iterations run out. A sync or read failure aborts
// the watch with an error and no outcome.
func (mo *Monitor) Watch(ctx context.Context, client Client, profile Profile, botID id.UserID, roomID id.RoomID) (Outcome, error) {
	for attempt := 0; attempt < mo.cfg.Iterations; attempt++ {
		if err := client.SyncOnce(ctx, mo.cfg.SyncTimeout); err != nil {
			return Outcome{}, err
		}
		events, err := client.RecentMessages(ctx, roomID, mo.cfg.RecentMessageLimit)
		if err != nil {
			return Outcome{}, err
		}
		for _, evt := range events {
			if evt.Sender != botID {
				continue
			}
			content, ok := evt.Content.Parsed.(*event.MessageEventContent)
			if !ok {
				continue
			}
			if content.MsgType != event.MsgNotice && content.MsgType != event.MsgText {
				continue
			}
			body := content.Body
			if strings.Contains(body, profile.SuccessMarker) {
				return Outcome{Kind: OutcomeConnected}, nil
			}
			if matchesErrorPattern(profile, body) {
				return Outcome{Kind: OutcomeFailed, Message: body}, nil
			}
		}
		if err := waitFor(ctx, mo.cfg.PollInterval); err != nil {
			return Outcome{}, err
		}
	}
	return Outcome{Kind: OutcomeTimeout}, nil
}

func matchesErrorPattern(profile Profile, body string) bool {
	lower := strings.ToLower(body)
	for _, pattern := range profile.ErrorPatterns {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
