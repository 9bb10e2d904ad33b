package bridge

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestExtractPairingCode(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
		ok   bool
	}{
		{
			name: "backtick wrapped",
			body: "Scan the QR code or enter the following code on your phone: `WXYZ-1234`",
			want: "WXYZ-1234",
			ok:   true,
		},
		{
			name: "bold wrapped",
			body: "Your code is **ABCD-9876**",
			want: "ABCD-9876",
			ok:   true,
		},
		{
			name: "bare code",
			body: "K7PQ-2RST",
			want: "K7PQ-2RST",
			ok:   true,
		},
		{
			name: "no code",
			body: "Connecting to WhatsApp...",
			ok:   false,
		},
		{
			name: "lowercase not matched",
			body: "abcd-1234",
			ok:   false,
		},
		{
			name: "too short",
			body: "ABC-123",
			ok:   false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractPairingCode(tt.body)
			if ok != tt.ok {
				t.Fatalf("ExtractPairingCode(%q) ok = %v, want %v", tt.body, ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("ExtractPairingCode(%q) = %q, want %q", tt.body, got, tt.want)
			}
		})
	}
}

func TestQRDataURL(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G'}
	got := qrDataURL(png)
	const prefix = "data:image/png;base64,"
	if !strings.HasPrefix(got, prefix) {
		t.Fatalf("qrDataURL() = %q, want %q prefix", got, prefix)
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(got, prefix))
	if err != nil {
		t.Fatalf("decoding payload: %v", err)
	}
	if string(decoded) != string(png) {
		t.Errorf("payload = %v, want %v", decoded, png)
	}
}
