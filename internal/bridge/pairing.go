package bridge

import (
	"encoding/base64"
	"regexp"
	"strings"
)

// ArtifactKind distinguishes the two pairing artifact shapes bridge bots
// produce.
type ArtifactKind string

const (
	ArtifactPairingCode ArtifactKind = "pairing_code"
	ArtifactQRCode      ArtifactKind = "qr_code"
)

// Artifact is the credential material a user needs to approve the bridge on
// their phone: a short pairing code, or a QR image as a data URL.
type Artifact struct {
	Kind    ArtifactKind `json:"kind"`
	Code    string       `json:"code,omitempty"`
	DataURL string       `json:"data_url,omitempty"`
}

// Pairing codes come through as XXXX-XXXX, uppercase alphanumeric.
var pairingCodePattern = regexp.MustCompile(`([A-Z0-9]{4}-[A-Z0-9]{4})`)

var markdownStripper = strings.NewReplacer("`", "", "*", "")

// ExtractPairingCode pulls a pairing code out of a bot message. The bot
// wraps codes in markdown emphasis, so backticks and asterisks are stripped
// before matching.
func ExtractPairingCode(body string) (string, bool) {
	cleaned := markdownStripper.Replace(body)
	match := pairingCodePattern.FindStringSubmatch(cleaned)
	if match == nil {
		return "", false
	}
	return match[1], true
}

// qrDataURL wraps PNG bytes in a data URL the frontend can render directly.
func qrDataURL(png []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
}
