package bridge

import (
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/haasonsaas/trestle/internal/store"
)

func TestProfileFor(t *testing.T) {
	wa, ok := ProfileFor(store.BridgeWhatsApp)
	if !ok {
		t.Fatal("ProfileFor(whatsapp) ok = false, want true")
	}
	if !wa.RequiresInput {
		t.Error("whatsapp profile RequiresInput = false, want true")
	}
	if got := wa.LoginCommand("+15551234567"); got != "!wa login phone +15551234567" {
		t.Errorf("LoginCommand() = %q", got)
	}
	if wa.ArtifactKind != ArtifactPairingCode {
		t.Errorf("whatsapp ArtifactKind = %q, want %q", wa.ArtifactKind, ArtifactPairingCode)
	}

	signal, ok := ProfileFor(store.BridgeSignal)
	if !ok {
		t.Fatal("ProfileFor(signal) ok = false, want true")
	}
	if signal.RequiresInput {
		t.Error("signal profile RequiresInput = true, want false")
	}
	if signal.ArtifactKind != ArtifactQRCode {
		t.Errorf("signal ArtifactKind = %q, want %q", signal.ArtifactKind, ArtifactQRCode)
	}
	if got := signal.LoginCommand("ignored"); got != "!signal login" {
		t.Errorf("LoginCommand() = %q", got)
	}

	if _, ok := ProfileFor(store.BridgeTelegram); ok {
		t.Error("ProfileFor(telegram) ok = true, want false")
	}
	if _, ok := ProfileFor(store.BridgeType("irc")); ok {
		t.Error("ProfileFor(irc) ok = true, want false")
	}
}

func TestBotsFor(t *testing.T) {
	bots := Bots{
		store.BridgeWhatsApp: testWABot,
		store.BridgeSignal:   "",
	}
	if bot, ok := bots.For(store.BridgeWhatsApp); !ok || bot != testWABot {
		t.Errorf("For(whatsapp) = %q, %v", bot, ok)
	}
	if _, ok := bots.For(store.BridgeSignal); ok {
		t.Error("For(signal) ok = true for empty bot, want false")
	}
	if _, ok := bots.For(store.BridgeTelegram); ok {
		t.Error("For(telegram) ok = true, want false")
	}
}

func TestBotsNetworkOf(t *testing.T) {
	bots := Bots{
		store.BridgeWhatsApp: testWABot,
		store.BridgeSignal:   testSignalBot,
	}
	tests := []struct {
		name   string
		sender string
		want   store.BridgeType
		ok     bool
	}{
		{"bridge bot itself", string(testWABot), store.BridgeWhatsApp, true},
		{"whatsapp puppet", "@whatsapp_15551234567:example.com", store.BridgeWhatsApp, true},
		{"signal puppet", "@signal_b1c2d3:example.com", store.BridgeSignal, true},
		{"plain user", "@alice:example.com", "", false},
		{"prefix in domain only", "@alice:whatsapp_example.com", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := bots.NetworkOf(id.UserID(tt.sender))
			if ok != tt.ok || got != tt.want {
				t.Errorf("NetworkOf(%q) = %q, %v, want %q, %v", tt.sender, got, ok, tt.want, tt.ok)
			}
		})
	}
}
