// Package bridge implements the connection lifecycle for messaging network
// bridges running over a Matrix homeserver: pairing negotiation with the
// bridge bot, post-pairing monitoring, persistent sync, resync, and
// disconnection.
package bridge

import (
	"context"
	"sort"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/haasonsaas/trestle/internal/store"
)

// Client is the slice of the Matrix client surface the bridge lifecycle
// uses. It is satisfied by *matrix.Client.
type Client interface {
	UserID() id.UserID
	CreateRoom(ctx context.Context) (id.RoomID, error)
	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]struct{}, error)
	RoomMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]struct{}, error)
	SendText(ctx context.Context, roomID id.RoomID, body string) error
	RecentMessages(ctx context.Context, roomID id.RoomID, limit int) ([]*event.Event, error)
	DownloadBytes(ctx context.Context, uri id.ContentURI) ([]byte, error)
	LeaveRoom(ctx context.Context, roomID id.RoomID) error
	OnMessage(handler func(ctx context.Context, evt *event.Event))
	SyncOnce(ctx context.Context, timeout time.Duration) error
	Sync(ctx context.Context) error
	StopSync()
}

// ClientFactory produces a logged-in Matrix client for an app user,
// provisioning the homeserver account if needed. Every call builds a fresh
// client; caching is the registry's concern.
type ClientFactory func(ctx context.Context, userID int64) (Client, error)

// SessionResetter wipes the on-disk session state for a homeserver account
// localpart. Used during one-time-key conflict recovery and after the last
// bridge of a user is disconnected.
type SessionResetter interface {
	Clear(localpart string) error
}

// Bots maps each supported network to its configured bridge bot.
type Bots map[store.BridgeType]id.UserID

// For returns the bot for the network, if one is configured.
func (b Bots) For(network store.BridgeType) (id.UserID, bool) {
	bot, ok := b[network]
	if !ok || bot == "" {
		return "", false
	}
	return bot, true
}

// Networks lists the configured networks in stable order.
func (b Bots) Networks() []store.BridgeType {
	networks := make([]store.BridgeType, 0, len(b))
	for network, bot := range b {
		if bot == "" {
			continue
		}
		networks = append(networks, network)
	}
	sort.Slice(networks, func(i, j int) bool { return networks[i] < networks[j] })
	return networks
}

// NetworkOf resolves which network a room event belongs to, by exact bot
// match or by the bridge's puppet localpart prefix ("whatsapp_..." users are
// mautrix-whatsapp ghosts, and so on).
func (b Bots) NetworkOf(sender id.UserID) (store.BridgeType, bool) {
	for network, bot := range b {
		if sender == bot {
			return network, true
		}
	}
	localpart := strings.TrimPrefix(string(sender), "@")
	if i := strings.IndexByte(localpart, ':'); i >= 0 {
		localpart = localpart[:i]
	}
	for network := range b {
		profile, ok := ProfileFor(network)
		if !ok || profile.PuppetPrefix == "" {
			continue
		}
		if strings.HasPrefix(localpart, profile.PuppetPrefix) {
			return network, true
		}
	}
	return "", false
}

// waitFor sleeps for d unless the context ends first.
func waitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
