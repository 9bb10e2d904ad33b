package bridge

import (
	"github.com/haasonsaas/trestle/internal/store"
)

// Profile describes how one network's bridge bot behaves: the commands it
// accepts, the messages it emits, and which kind of pairing artifact it
// produces. Everything network-specific in the lifecycle lives here; the
// negotiator, monitor, and disconnector are profile-driven.
type Profile struct {
	Network store.BridgeType

	// ArtifactKind is what the bot hands back during pairing: a short code
	// the user types into their phone, or a QR image they scan.
	ArtifactKind ArtifactKind

	// RequiresInput marks profiles whose login command needs a user-supplied
	// value (the phone number for WhatsApp's code-based pairing).
	RequiresInput bool

	// LoginCommand builds the bot command that starts pairing.
	LoginCommand func(input string) string

	// CancelCommand aborts any pairing the bot has in flight. Empty when the
	// bot has no such command.
	CancelCommand string

	// SuccessMarker is the substring the bot includes in its message once
	// the network session is established.
	SuccessMarker string

	// ErrorPatterns are matched case-insensitively against bot messages
	// during monitoring; any hit fails the connection attempt.
	ErrorPatterns []string

	// SkipMarkers identify instructional bot messages that must not be
	// mistaken for pairing artifacts.
	SkipMarkers []string

	// FailFastOnErrorText aborts negotiation as soon as a bot message
	// mentions an error, instead of waiting out the artifact poll.
	FailFastOnErrorText bool

	// PuppetPrefix is the localpart prefix of the bridge's ghost users,
	// used to attribute room traffic to a network.
	PuppetPrefix string

	// PostConnectCommands are issued right after the session is established.
	PostConnectCommands []string

	// ResyncCommands are issued by the manual resync operation.
	ResyncCommands []string

	// DisconnectCommands tear the session down on the bot side.
	DisconnectCommands []string

	// LeaveOnDisconnect makes the disconnector leave the management room
	// after the teardown commands.
	LeaveOnDisconnect bool

	// SyncOnDisconnect runs a temporary sync loop while the teardown
	// commands execute, so the bot's confirmations are received.
	SyncOnDisconnect bool
}

var profiles = map[store.BridgeType]Profile{
	store.BridgeWhatsApp: {
		Network:       store.BridgeWhatsApp,
		ArtifactKind:  ArtifactPairingCode,
		RequiresInput: true,
		LoginCommand: func(input string) string {
			return "!wa login phone " + input
		},
		CancelCommand: "!wa cancel",
		SuccessMarker: "Successfully logged in as",
		ErrorPatterns: []string{
			"error",
			"failed",
			"timeout",
			"disconnected",
			"invalid code",
			"connection lost",
			"authentication failed",
			"login failed",
		},
		SkipMarkers:  []string{"Input the pairing code"},
		PuppetPrefix: "whatsapp_",
		PostConnectCommands: []string{
			"!wa sync contacts --create-portals",
			"!wa sync groups --create-portals",
		},
		ResyncCommands: []string{
			"!wa sync contacts --create-portals",
			"!wa sync groups --create-portals",
		},
		DisconnectCommands: []string{
			"!wa logout",
			"!wa delete-all-portals",
			"!wa delete-session",
		},
	},
	store.BridgeSignal: {
		Network:      store.BridgeSignal,
		ArtifactKind: ArtifactQRCode,
		LoginCommand: func(string) string {
			return "!signal login"
		},
		SuccessMarker: "Successfully logged in",
		ErrorPatterns: []string{
			"error",
			"failed",
			"timeout",
			"disconnected",
			"invalid",
			"connection lost",
			"authentication failed",
			"login failed",
		},
		FailFastOnErrorText: true,
		PuppetPrefix:        "signal_",
		// Signal portals are created on message receipt; resync just asks
		// the bot to tidy up room state.
		ResyncCommands: []string{"!signal clean-rooms"},
		DisconnectCommands: []string{
			"!signal logout",
			"!signal delete-all-portals",
			"!signal clean-rooms",
			"!signal delete-session",
		},
		LeaveOnDisconnect: true,
		SyncOnDisconnect:  true,
	},
}

// ProfileFor returns the lifecycle profile for a network. Networks without a
// profile (telegram, messenger) are recognized bridge types that this
// service cannot negotiate yet.
func ProfileFor(network store.BridgeType) (Profile, bool) {
	p, ok := profiles[network]
	return p, ok
}
