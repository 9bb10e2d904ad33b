package server

import (
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/skip2/go-qrcode"

	"github.com/haasonsaas/trestle/internal/bridge"
	"github.com/haasonsaas/trestle/internal/store"
)

const qrDataURLPrefix = "data:image/png;base64,"

// apiQR handles GET /api/bridges/{network}/qr: the current pairing artifact
// rendered as a PNG, or as JSON with format=text.
func (s *Server) apiQR(w http.ResponseWriter, r *http.Request, userID int64, network store.BridgeType) {
	artifact, ok := s.config.Bridges.Artifact(userID, network)
	if !ok {
		s.jsonError(w, "No pairing in progress", http.StatusNotFound)
		return
	}

	if strings.EqualFold(r.URL.Query().Get("format"), "text") {
		s.jsonResponse(w, artifact)
		return
	}

	size := parseIntParam(r, "size", 256)
	if size < 128 {
		size = 128
	}
	if size > 512 {
		size = 512
	}

	png, err := artifactPNG(artifact, size)
	if err != nil {
		s.logger.Error("qr render error", "network", network, "error", err)
		s.jsonError(w, "Failed to render QR code", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

// artifactPNG turns a pairing artifact into PNG bytes. QR artifacts carry
// the bot's rendered image and pass through; pairing codes are encoded
// fresh at the requested size.
func artifactPNG(artifact bridge.Artifact, size int) ([]byte, error) {
	switch artifact.Kind {
	case bridge.ArtifactQRCode:
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(artifact.DataURL, qrDataURLPrefix))
	default:
		return qrcode.Encode(artifact.Code, qrcode.Medium, size)
	}
}
