package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/haasonsaas/trestle/internal/bridge"
	"github.com/haasonsaas/trestle/internal/store"
)

// connectRequest is the JSON body for POST /api/bridges/{network}/connect.
type connectRequest struct {
	// PhoneNumber is required for networks that pair by code (WhatsApp).
	PhoneNumber string `json:"phone_number"`
}

// connectResponse is the JSON response for a started connection.
type connectResponse struct {
	Network  store.BridgeType `json:"network"`
	Status   string           `json:"status"`
	Artifact *bridge.Artifact `json:"artifact,omitempty"`
}

// disconnectResponse is the JSON response for a disconnect.
type disconnectResponse struct {
	Network      store.BridgeType `json:"network"`
	Disconnected bool             `json:"disconnected"`
}

// resyncResponse is the JSON response for a resync.
type resyncResponse struct {
	Network  store.BridgeType `json:"network"`
	Resynced bool             `json:"resynced"`
}

// bridgeListResponse is the JSON response for the bridge list.
type bridgeListResponse struct {
	Bridges []bridge.Status `json:"bridges"`
	Total   int             `json:"total"`
}

// handleBridgeList handles GET /api/bridges: the status of every network
// this deployment can bridge.
func (s *Server) handleBridgeList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	userID := s.userID(r)
	statuses := make([]bridge.Status, 0, 4)
	for _, network := range s.config.Bridges.Networks() {
		status, err := s.config.Bridges.GetStatus(r.Context(), userID, network)
		if err != nil {
			s.bridgeError(w, err)
			return
		}
		statuses = append(statuses, status)
	}
	s.jsonResponse(w, bridgeListResponse{Bridges: statuses, Total: len(statuses)})
}

// handleBridge dispatches /api/bridges/{network}[/{action}].
func (s *Server) handleBridge(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/bridges/")
	parts := strings.SplitN(rest, "/", 3)
	if parts[0] == "" {
		s.jsonError(w, "Network required", http.StatusBadRequest)
		return
	}
	if len(parts) > 2 && parts[2] != "" {
		s.jsonError(w, "Not found", http.StatusNotFound)
		return
	}
	network := store.BridgeType(strings.ToLower(parts[0]))
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}
	userID := s.userID(r)

	switch action {
	case "connect":
		if r.Method != http.MethodPost {
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.apiConnect(w, r, userID, network)
	case "status":
		if r.Method != http.MethodGet {
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.apiStatus(w, r, userID, network)
	case "disconnect":
		if r.Method != http.MethodDelete {
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.apiDisconnect(w, r, userID, network)
	case "resync":
		if r.Method != http.MethodPost {
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.apiResync(w, r, userID, network)
	case "qr":
		if r.Method != http.MethodGet {
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		s.apiQR(w, r, userID, network)
	case "":
		// Bare /api/bridges/{network} mirrors the explicit action routes.
		switch r.Method {
		case http.MethodGet:
			s.apiStatus(w, r, userID, network)
		case http.MethodDelete:
			s.apiDisconnect(w, r, userID, network)
		default:
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	default:
		s.jsonError(w, "Not found", http.StatusNotFound)
	}
}

// apiConnect handles POST /api/bridges/{network}/connect.
func (s *Server) apiConnect(w http.ResponseWriter, r *http.Request, userID int64, network store.BridgeType) {
	var req connectRequest
	if err := decodeJSON(r, &req); err != nil {
		s.jsonError(w, "Invalid JSON body", http.StatusBadRequest)
		return
	}

	artifact, err := s.config.Bridges.StartConnection(r.Context(), userID, network, req.PhoneNumber)
	if err != nil {
		s.bridgeError(w, err)
		return
	}
	s.jsonResponse(w, connectResponse{
		Network:  network,
		Status:   string(store.StatusConnecting),
		Artifact: artifact,
	})
}

// apiStatus handles GET /api/bridges/{network}/status.
func (s *Server) apiStatus(w http.ResponseWriter, r *http.Request, userID int64, network store.BridgeType) {
	status, err := s.config.Bridges.GetStatus(r.Context(), userID, network)
	if err != nil {
		s.bridgeError(w, err)
		return
	}
	s.jsonResponse(w, status)
}

// apiDisconnect handles DELETE /api/bridges/{network}/disconnect.
func (s *Server) apiDisconnect(w http.ResponseWriter, r *http.Request, userID int64, network store.BridgeType) {
	disconnected, err := s.config.Bridges.Disconnect(r.Context(), userID, network)
	if err != nil {
		s.bridgeError(w, err)
		return
	}
	s.jsonResponse(w, disconnectResponse{Network: network, Disconnected: disconnected})
}

// apiResync handles POST /api/bridges/{network}/resync.
func (s *Server) apiResync(w http.ResponseWriter, r *http.Request, userID int64, network store.BridgeType) {
	if err := s.config.Bridges.Resync(r.Context(), userID, network); err != nil {
		s.bridgeError(w, err)
		return
	}
	s.jsonResponse(w, resyncResponse{Network: network, Resynced: true})
}

// bridgeError maps a classified bridge failure to an HTTP response. Client
// mistakes come back 400, a colliding operation 409, everything else 500.
func (s *Server) bridgeError(w http.ResponseWriter, err error) {
	switch bridge.CodeOf(err) {
	case bridge.CodeUnsupportedNetwork, bridge.CodeInvalidInput, bridge.CodeNotConnected:
		s.jsonError(w, err.Error(), http.StatusBadRequest)
	case bridge.CodeBusy:
		s.jsonError(w, err.Error(), http.StatusConflict)
	case bridge.CodeInternal:
		s.logger.Error("bridge operation failed", "error", err)
		s.jsonError(w, "Bridge operation failed", http.StatusInternalServerError)
	default:
		s.logger.Error("bridge operation failed", "error", err)
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
	}
}

// jsonResponse writes a JSON response.
func (s *Server) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}

// jsonError writes a JSON error response.
func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// decodeJSON decodes a JSON request body into dst. An empty body leaves dst
// zero-valued.
func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
