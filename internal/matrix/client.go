package matrix

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Client wraps a mautrix client with the small set of operations the bridge
// lifecycle needs: room setup, bot command messages, timeline reads, and
// sync control.
type Client struct {
	mau *mautrix.Client
	log *slog.Logger
}

func (c *Client) UserID() id.UserID {
	return c.mau.UserID
}

// CreateRoom creates a new private, unnamed room. Bridge management rooms
// carry no alias or name; the bridge bot identifies them by membership.
func (c *Client) CreateRoom(ctx context.Context) (id.RoomID, error) {
	resp, err := c.mau.CreateRoom(ctx, &mautrix.ReqCreateRoom{})
	if err != nil {
		return "", fmt.Errorf("create room: %w", err)
	}
	return resp.RoomID, nil
}

func (c *Client) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := c.mau.InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	if err != nil {
		return fmt.Errorf("invite %s: %w", userID, err)
	}
	return nil
}

// JoinedMembers returns the set of users currently joined to the room.
func (c *Client) JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]struct{}, error) {
	resp, err := c.mau.JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("joined members: %w", err)
	}
	members := make(map[id.UserID]struct{}, len(resp.Joined))
	for userID := range resp.Joined {
		members[userID] = struct{}{}
	}
	return members, nil
}

// RoomMembers returns every user with a membership event in the room,
// regardless of state. Bots that are still in the invited state show up
// here but not in JoinedMembers.
func (c *Client) RoomMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]struct{}, error) {
	resp, err := c.mau.Members(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("room members: %w", err)
	}
	members := make(map[id.UserID]struct{}, len(resp.Chunk))
	for _, evt := range resp.Chunk {
		if evt.StateKey != nil {
			members[id.UserID(*evt.StateKey)] = struct{}{}
		}
	}
	return members, nil
}

func (c *Client) SendText(ctx context.Context, roomID id.RoomID, body string) error {
	_, err := c.mau.SendMessageEvent(ctx, roomID, event.EventMessage, &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    body,
	})
	if err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// RecentMessages fetches up to limit message events from the room timeline,
// newest first. Events that fail to parse are dropped rather than surfaced;
// the callers only care about well-formed bot messages.
func (c *Client) RecentMessages(ctx context.Context, roomID id.RoomID, limit int) ([]*event.Event, error) {
	filter := &mautrix.FilterPart{Types: []event.Type{event.EventMessage}}
	resp, err := c.mau.Messages(ctx, roomID, "", "", mautrix.DirectionBackward, filter, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}
	events := make([]*event.Event, 0, len(resp.Chunk))
	for _, evt := range resp.Chunk {
		if err := evt.Content.ParseRaw(evt.Type); err != nil {
			c.log.Debug("dropping unparseable timeline event", "event_id", evt.ID, "error", err)
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

func (c *Client) DownloadBytes(ctx context.Context, uri id.ContentURI) ([]byte, error) {
	data, err := c.mau.DownloadBytes(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("download media: %w", err)
	}
	return data, nil
}

func (c *Client) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.mau.LeaveRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("leave room: %w", err)
	}
	return nil
}

// OnMessage registers a handler for room message events seen by the sync
// loop. Handlers must be registered before Sync starts.
func (c *Client) OnMessage(handler func(ctx context.Context, evt *event.Event)) {
	syncer := c.mau.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, handler)
}

// SyncOnce runs the sync loop for at most the given duration, long enough
// for the server to deliver pending to-device events and timeline updates.
// Hitting the deadline is the expected way out and is not an error.
func (c *Client) SyncOnce(ctx context.Context, timeout time.Duration) error {
	syncCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := c.mau.SyncWithContext(syncCtx)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return nil
	}
	return err
}

// Sync runs the long-poll sync loop until the context is cancelled or the
// homeserver rejects the session. Transient request failures are retried
// internally by the syncer.
func (c *Client) Sync(ctx context.Context) error {
	return c.mau.SyncWithContext(ctx)
}

func (c *Client) StopSync() {
	c.mau.StopSync()
}
