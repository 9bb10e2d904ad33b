package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/haasonsaas/trestle/internal/bridge"
	"github.com/haasonsaas/trestle/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeBridges is a programmable Bridges implementation recording the calls
// the handlers make.
type fakeBridges struct {
	mu sync.Mutex

	networks []store.BridgeType

	artifact    *bridge.Artifact
	connectErr  error
	lastUserID  int64
	lastNetwork store.BridgeType
	lastInput   string

	statuses  map[store.BridgeType]bridge.Status
	statusErr error

	disconnected  bool
	disconnectErr error

	resyncErr   error
	resyncCalls int

	pending map[store.BridgeType]bridge.Artifact
}

func newFakeBridges() *fakeBridges {
	return &fakeBridges{
		networks: []store.BridgeType{store.BridgeSignal, store.BridgeWhatsApp},
		statuses: map[store.BridgeType]bridge.Status{},
		pending:  map[store.BridgeType]bridge.Artifact{},
	}
}

func (f *fakeBridges) StartConnection(ctx context.Context, userID int64, network store.BridgeType, input string) (*bridge.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUserID = userID
	f.lastNetwork = network
	f.lastInput = input
	if f.connectErr != nil {
		return nil, f.connectErr
	}
	return f.artifact, nil
}

func (f *fakeBridges) GetStatus(ctx context.Context, userID int64, network store.BridgeType) (bridge.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUserID = userID
	f.lastNetwork = network
	if f.statusErr != nil {
		return bridge.Status{}, f.statusErr
	}
	status, ok := f.statuses[network]
	if !ok {
		return bridge.Status{Network: network, State: "not_connected"}, nil
	}
	return status, nil
}

func (f *fakeBridges) Disconnect(ctx context.Context, userID int64, network store.BridgeType) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUserID = userID
	f.lastNetwork = network
	if f.disconnectErr != nil {
		return false, f.disconnectErr
	}
	return f.disconnected, nil
}

func (f *fakeBridges) Resync(ctx context.Context, userID int64, network store.BridgeType) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastUserID = userID
	f.lastNetwork = network
	f.resyncCalls++
	return f.resyncErr
}

func (f *fakeBridges) Artifact(userID int64, network store.BridgeType) (bridge.Artifact, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	artifact, ok := f.pending[network]
	return artifact, ok
}

func (f *fakeBridges) Networks() []store.BridgeType {
	return f.networks
}

func (f *fakeBridges) setStatus(network store.BridgeType, status bridge.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses[network] = status
}

func (f *fakeBridges) setPending(network store.BridgeType, artifact bridge.Artifact) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[network] = artifact
}

func (f *fakeBridges) last() (int64, store.BridgeType, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastUserID, f.lastNetwork, f.lastInput
}

func newTestServer(t *testing.T, fake *fakeBridges, mutate ...func(*Config)) *Server {
	t.Helper()
	cfg := &Config{
		Bridges: fake,
		Logger:  testLogger(),
	}
	for _, fn := range mutate {
		fn(cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return srv
}

func newRequest(method, path string) (*http.Request, *httptest.ResponseRecorder) {
	return httptest.NewRequest(method, path, nil), httptest.NewRecorder()
}

func doJSON(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	decoded := map[string]any{}
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") && rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("response body is not JSON: %v\n%s", err, rec.Body.String())
		}
	}
	return rec, decoded
}

func TestNewRequiresBridges(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil config")
	}
	if _, err := New(&Config{}); err == nil {
		t.Fatal("expected error for missing bridge manager")
	}
}

func TestConnectReturnsArtifact(t *testing.T) {
	fake := newFakeBridges()
	fake.artifact = &bridge.Artifact{Kind: bridge.ArtifactPairingCode, Code: "WXYZ-1234"}
	srv := newTestServer(t, fake)

	rec, body := doJSON(t, srv, http.MethodPost, "/api/bridges/whatsapp/connect", `{"phone_number":"+15551234567"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}
	if body["network"] != "whatsapp" || body["status"] != "connecting" {
		t.Fatalf("unexpected body: %v", body)
	}
	artifact, ok := body["artifact"].(map[string]any)
	if !ok || artifact["code"] != "WXYZ-1234" {
		t.Fatalf("unexpected artifact: %v", body["artifact"])
	}

	userID, network, input := fake.last()
	if userID != 1 {
		t.Fatalf("userID = %d, want default 1", userID)
	}
	if network != store.BridgeWhatsApp || input != "+15551234567" {
		t.Fatalf("recorded call = (%s, %q)", network, input)
	}
}

func TestConnectNormalizesNetworkCase(t *testing.T) {
	fake := newFakeBridges()
	fake.artifact = &bridge.Artifact{Kind: bridge.ArtifactQRCode, DataURL: "data:image/png;base64,AA=="}
	srv := newTestServer(t, fake)

	rec, _ := doJSON(t, srv, http.MethodPost, "/api/bridges/Signal/connect", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if _, network, _ := fake.last(); network != store.BridgeSignal {
		t.Fatalf("network = %q, want signal", network)
	}
}

func TestConnectRejectsInvalidJSON(t *testing.T) {
	srv := newTestServer(t, newFakeBridges())

	rec, body := doJSON(t, srv, http.MethodPost, "/api/bridges/whatsapp/connect", `{"phone_number":`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if body["error"] != "Invalid JSON body" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestConnectMethodNotAllowed(t *testing.T) {
	srv := newTestServer(t, newFakeBridges())

	rec, _ := doJSON(t, srv, http.MethodGet, "/api/bridges/whatsapp/connect", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestBridgeErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{
			name:     "unsupported network",
			err:      bridge.Errorf(bridge.CodeUnsupportedNetwork, "unsupported network telegram"),
			wantCode: http.StatusBadRequest,
			wantMsg:  "unsupported network telegram",
		},
		{
			name:     "invalid input",
			err:      bridge.Errorf(bridge.CodeInvalidInput, "phone number is required to connect whatsapp"),
			wantCode: http.StatusBadRequest,
			wantMsg:  "phone number is required to connect whatsapp",
		},
		{
			name:     "busy",
			err:      bridge.Errorf(bridge.CodeBusy, "another bridge operation is in progress"),
			wantCode: http.StatusConflict,
			wantMsg:  "another bridge operation is in progress",
		},
		{
			name:     "artifact timeout",
			err:      bridge.Errorf(bridge.CodeArtifactTimeout, "bridge bot never produced a pairing code"),
			wantCode: http.StatusInternalServerError,
			wantMsg:  "bridge bot never produced a pairing code",
		},
		{
			name:     "plain error hides detail",
			err:      context.DeadlineExceeded,
			wantCode: http.StatusInternalServerError,
			wantMsg:  "Bridge operation failed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeBridges()
			fake.connectErr = tt.err
			srv := newTestServer(t, fake)

			rec, body := doJSON(t, srv, http.MethodPost, "/api/bridges/whatsapp/connect", `{"phone_number":"+1555"}`)
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if body["error"] != tt.wantMsg {
				t.Fatalf("error = %v, want %q", body["error"], tt.wantMsg)
			}
		})
	}
}

func TestStatusRoute(t *testing.T) {
	fake := newFakeBridges()
	fake.setStatus(store.BridgeWhatsApp, bridge.Status{
		Network:   store.BridgeWhatsApp,
		Connected: true,
		State:     "connected",
		CreatedAt: 1700000000,
	})
	srv := newTestServer(t, fake)

	for _, path := range []string{"/api/bridges/whatsapp/status", "/api/bridges/whatsapp"} {
		rec, body := doJSON(t, srv, http.MethodGet, path, "")
		if rec.Code != http.StatusOK {
			t.Fatalf("GET %s status = %d: %s", path, rec.Code, rec.Body.String())
		}
		if body["connected"] != true || body["state"] != "connected" {
			t.Fatalf("GET %s body = %v", path, body)
		}
	}
}

func TestStatusNotConnected(t *testing.T) {
	srv := newTestServer(t, newFakeBridges())

	rec, body := doJSON(t, srv, http.MethodGet, "/api/bridges/signal/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if body["state"] != "not_connected" || body["connected"] != false {
		t.Fatalf("body = %v", body)
	}
}

func TestDisconnectRoute(t *testing.T) {
	fake := newFakeBridges()
	fake.disconnected = true
	srv := newTestServer(t, fake)

	rec, body := doJSON(t, srv, http.MethodDelete, "/api/bridges/whatsapp/disconnect", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if body["disconnected"] != true {
		t.Fatalf("body = %v", body)
	}

	rec, _ = doJSON(t, srv, http.MethodPost, "/api/bridges/whatsapp/disconnect", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST disconnect status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
}

func TestDisconnectBarePath(t *testing.T) {
	fake := newFakeBridges()
	srv := newTestServer(t, fake)

	rec, body := doJSON(t, srv, http.MethodDelete, "/api/bridges/signal", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if body["disconnected"] != false {
		t.Fatalf("body = %v", body)
	}
}

func TestResyncRoute(t *testing.T) {
	fake := newFakeBridges()
	srv := newTestServer(t, fake)

	rec, body := doJSON(t, srv, http.MethodPost, "/api/bridges/signal/resync", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if body["resynced"] != true {
		t.Fatalf("body = %v", body)
	}
	if fake.resyncCalls != 1 {
		t.Fatalf("resync calls = %d, want 1", fake.resyncCalls)
	}
}

func TestResyncNotConnected(t *testing.T) {
	fake := newFakeBridges()
	fake.resyncErr = bridge.Errorf(bridge.CodeNotConnected, "signal is not connected")
	srv := newTestServer(t, fake)

	rec, body := doJSON(t, srv, http.MethodPost, "/api/bridges/signal/resync", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if body["error"] != "signal is not connected" {
		t.Fatalf("error = %v", body["error"])
	}
}

func TestBridgeListRoute(t *testing.T) {
	fake := newFakeBridges()
	fake.setStatus(store.BridgeWhatsApp, bridge.Status{
		Network:   store.BridgeWhatsApp,
		Connected: true,
		State:     "connected",
	})
	srv := newTestServer(t, fake)

	rec, body := doJSON(t, srv, http.MethodGet, "/api/bridges", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if body["total"] != float64(2) {
		t.Fatalf("total = %v, want 2", body["total"])
	}
	bridges, ok := body["bridges"].([]any)
	if !ok || len(bridges) != 2 {
		t.Fatalf("bridges = %v", body["bridges"])
	}
	first := bridges[0].(map[string]any)
	if first["network"] != "signal" || first["state"] != "not_connected" {
		t.Fatalf("first bridge = %v", first)
	}
}

func TestUnknownRoutes(t *testing.T) {
	srv := newTestServer(t, newFakeBridges())

	rec, _ := doJSON(t, srv, http.MethodGet, "/api/bridges/whatsapp/bogus", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("bogus action status = %d, want %d", rec.Code, http.StatusNotFound)
	}

	rec, body := doJSON(t, srv, http.MethodGet, "/api/bridges/", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty network status = %d, want %d", rec.Code, http.StatusBadRequest)
	}
	if body["error"] != "Network required" {
		t.Fatalf("error = %v", body["error"])
	}

	rec, _ = doJSON(t, srv, http.MethodGet, "/api/bridges/whatsapp/status/extra", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("deep path status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}
