package bridge

import (
	"context"
	"log/slog"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/haasonsaas/trestle/internal/observability"
)

// DisconnectorConfig paces the teardown command sequence.
type DisconnectorConfig struct {
	// SyncStartDelay is how long to let a temporary sync run before sending
	// teardown commands, so the bridge bot sees them.
	SyncStartDelay time.Duration
	// CommandDelay is the pause after each teardown command, giving the
	// bridge time to act on it before the next one.
	CommandDelay time.Duration
}

// Disconnector walks a bridge through its logout sequence. Every command is
// best effort; a bridge that is already gone must not block the teardown of
// the user's record.
type Disconnector struct {
	cfg     DisconnectorConfig
	log     *slog.Logger
	metrics *observability.Metrics
}

func NewDisconnector(cfg DisconnectorConfig, log *slog.Logger, metrics *observability.Metrics) *Disconnector {
	if cfg.SyncStartDelay <= 0 {
		cfg.SyncStartDelay = 2 * time.Second
	}
	if cfg.CommandDelay <= 0 {
		cfg.CommandDelay = 5 * time.Second
	}
	return &Disconnector{cfg: cfg, log: log, metrics: metrics}
}

// Teardown sends the profile's disconnect commands to the management room
// and optionally leaves it. It returns early only when ctx is cancelled.
func (d *Disconnector) Teardown(ctx context.Context, client Client, profile Profile, roomID id.RoomID) error {
	if roomID == "" {
		return nil
	}

	if profile.SyncOnDisconnect {
		// Some bridges only process commands from a live session, so run a
		// temporary sync for the duration of the teardown.
		syncCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			if err := client.Sync(syncCtx); err != nil && syncCtx.Err() == nil {
				d.log.Warn("teardown sync failed", "network", profile.Network, "error", err)
			}
		}()
		if err := waitFor(ctx, d.cfg.SyncStartDelay); err != nil {
			return err
		}
	}

	for _, command := range profile.DisconnectCommands {
		if err := client.SendText(ctx, roomID, command); err != nil {
			d.log.Warn("teardown command failed",
				"network", profile.Network, "command", command, "error", err)
		} else {
			d.metrics.BridgeCommands.WithLabelValues(string(profile.Network)).Inc()
		}
		if err := waitFor(ctx, d.cfg.CommandDelay); err != nil {
			return err
		}
	}

	if profile.LeaveOnDisconnect {
		if err := client.LeaveRoom(ctx, roomID); err != nil {
			d.log.Warn("leaving management room failed",
				"network", profile.Network, "room_id", roomID, "error", err)
		}
	}
	return nil
}
