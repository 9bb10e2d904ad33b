package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/haasonsaas/trestle/internal/observability"
)

// NegotiatorConfig bounds the pairing negotiation: how long to wait for the
// bot to join the management room and how long to poll for the artifact.
type NegotiatorConfig struct {
	InviteSyncTimeout      time.Duration
	JoinPollAttempts       int
	JoinPollInterval       time.Duration
	ArtifactPollIterations int
	ArtifactSyncTimeout    time.Duration
	ArtifactPollDelay      time.Duration
	RecentMessageLimit     int
}

// NegotiationResult is a successful pairing negotiation: the management room
// and the artifact the user needs to approve the link.
type NegotiationResult struct {
	RoomID   id.RoomID
	Artifact Artifact
}

// Negotiator drives pairing negotiations with bridge bots.
type Negotiator struct {
	cfg     NegotiatorConfig
	log     *slog.Logger
	metrics *observability.Metrics
}

func NewNegotiator(cfg NegotiatorConfig, log *slog.Logger, metrics *observability.Metrics) *Negotiator {
	if cfg.RecentMessageLimit <= 0 {
		cfg.RecentMessageLimit = 5
	}
	return &Negotiator{cfg: cfg, log: log, metrics: metrics}
}

// Negotiate drives one pairing attempt: create the management room, get the
// bot into it, issue the login command, and poll the room until the bot
// produces the pairing artifact.
func (n *Negotiator) Negotiate(ctx context.Context, client Client, profile Profile, botID id.UserID, input string) (result *NegotiationResult, err error) {
	start := time.Now()
	defer func() {
		network := string(profile.Network)
		n.metrics.NegotiationDuration.WithLabelValues(network).Observe(time.Since(start).Seconds())
		n.metrics.NegotiationCounter.WithLabelValues(network, negotiationOutcome(err)).Inc()
	}()

	roomID, err := client.CreateRoom(ctx)
	if err != nil {
		return nil, fmt.Errorf("create management room: %w", err)
	}
	n.log.Debug("created management room", "network", profile.Network, "room_id", roomID)

	if err = client.InviteUser(ctx, roomID, botID); err != nil {
		return nil, fmt.Errorf("invite bridge bot: %w", err)
	}
	// One bounded sync so the server processes the invite.
	if err = client.SyncOnce(ctx, n.cfg.InviteSyncTimeout); err != nil {
		return nil, err
	}

	joined := false
	for attempt := 0; attempt < n.cfg.JoinPollAttempts; attempt++ {
		var members map[id.UserID]struct{}
		members, err = client.JoinedMembers(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if _, ok := members[botID]; ok {
			joined = true
			break
		}
		if err = waitFor(ctx, n.cfg.JoinPollInterval); err != nil {
			return nil, err
		}
	}
	if !joined {
		// The bot may still be sitting in the invited state. Only complete
		// absence from the member list means the invite went nowhere.
		var members map[id.UserID]struct{}
		members, err = client.RoomMembers(ctx, roomID)
		if err != nil {
			return nil, err
		}
		if _, ok := members[botID]; !ok {
			err = Errorf(CodeBotJoinFailed, "bot %s failed to join room", botID)
			return nil, err
		}
		n.log.Debug("bot not joined yet, proceeding on pending invite",
			"network", profile.Network, "bot", botID)
	}

	if profile.CancelCommand != "" {
		if err = client.SendText(ctx, roomID, profile.CancelCommand); err != nil {
			return nil, fmt.Errorf("send cancel command: %w", err)
		}
	}
	if err = client.SendText(ctx, roomID, profile.LoginCommand(input)); err != nil {
		return nil, fmt.Errorf("send login command: %w", err)
	}

	var artifact *Artifact
	artifact, err = n.awaitArtifact(ctx, client, profile, botID, roomID)
	if err != nil {
		return nil, err
	}
	n.log.Info("pairing artifact obtained",
		"network", profile.Network, "room_id", roomID, "kind", artifact.Kind)
	return &NegotiationResult{RoomID: roomID, Artifact: *artifact}, nil
}

func (n *Negotiator) awaitArtifact(ctx context.Context, client Client, profile Profile, botID id.UserID, roomID id.RoomID) (*Artifact, error) {
	for attempt := 0; attempt < n.cfg.ArtifactPollIterations; attempt++ {
		if err := client.SyncOnce(ctx, n.cfg.ArtifactSyncTimeout); err != nil {
			return nil, err
		}
		events, err := client.RecentMessages(ctx, roomID, n.cfg.RecentMessageLimit)
		if err != nil {
			return nil, err
		}
		for _, evt := range events {
			if evt.Sender != botID {
				continue
			}
			content, ok := evt.Content.Parsed.(*event.MessageEventContent)
			if !ok {
				continue
			}
			artifact, err := n.inspectMessage(ctx, client, profile, content)
			if err != nil {
				return nil, err
			}
			if artifact != nil {
				return artifact, nil
			}
		}
		if err := waitFor(ctx, n.cfg.ArtifactPollDelay); err != nil {
			return nil, err
		}
	}
	return nil, Errorf(CodeArtifactTimeout, "timed out waiting for %s from the %s bridge",
		artifactNoun(profile.ArtifactKind), profile.Network)
}

// inspectMessage checks one bot message for the pairing artifact, or for an
// error the profile treats as fatal.
func (n *Negotiator) inspectMessage(ctx context.Context, client Client, profile Profile, content *event.MessageEventContent) (*Artifact, error) {
	switch content.MsgType {
	case event.MsgNotice, event.MsgText:
		body := content.Body
		if profile.FailFastOnErrorText && strings.Contains(strings.ToLower(body), "error") {
			return nil, Errorf(CodeBridgeBotError, "bridge bot reported: %s", body)
		}
		if profile.ArtifactKind != ArtifactPairingCode {
			return nil, nil
		}
		for _, marker := range profile.SkipMarkers {
			if strings.Contains(body, marker) {
				return nil, nil
			}
		}
		if code, ok := ExtractPairingCode(body); ok {
			return &Artifact{Kind: ArtifactPairingCode, Code: code}, nil
		}
	case event.MsgImage:
		if profile.ArtifactKind != ArtifactQRCode {
			return nil, nil
		}
		if content.URL == "" {
			// Encrypted media keeps its source in the file block instead.
			// Management rooms are unencrypted, so treat this as noise.
			n.log.Warn("bridge sent QR image without a plain mxc URL", "network", profile.Network)
			return nil, nil
		}
		uri, err := content.URL.Parse()
		if err != nil {
			n.log.Warn("bridge sent unparseable QR image URL",
				"network", profile.Network, "error", err)
			return nil, nil
		}
		png, err := client.DownloadBytes(ctx, uri)
		if err != nil {
			return nil, fmt.Errorf("download QR image: %w", err)
		}
		return &Artifact{Kind: ArtifactQRCode, DataURL: qrDataURL(png)}, nil
	}
	return nil, nil
}

func artifactNoun(kind ArtifactKind) string {
	if kind == ArtifactQRCode {
		return "QR code"
	}
	return "pairing code"
}

func negotiationOutcome(err error) string {
	if err == nil {
		return "success"
	}
	if IsKeyConflict(err) {
		return "key_conflict"
	}
	switch CodeOf(err) {
	case CodeBotJoinFailed:
		return "bot_join_failed"
	case CodeArtifactTimeout:
		return "timeout"
	case CodeBridgeBotError:
		return "bot_error"
	}
	return "error"
}
