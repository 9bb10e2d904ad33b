package bridge

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/haasonsaas/trestle/internal/observability"
	"github.com/haasonsaas/trestle/internal/store"
)

const (
	testRoomID    = id.RoomID("!mgmt:example.com")
	testWABot     = id.UserID("@whatsappbot:example.com")
	testSignalBot = id.UserID("@signalbot:example.com")
	testSelf      = id.UserID("@appuser_test:example.com")
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *observability.Metrics {
	return observability.NewMetrics(prometheus.NewRegistry())
}

// fakeClient scripts the Matrix client surface. Message batches and sync
// errors are consumed in order; the last batch repeats so polling loops see
// a stable final state.
type fakeClient struct {
	mu sync.Mutex

	userID id.UserID

	createRoomID  id.RoomID
	createRoomErr error
	inviteErr     error

	joinedSeq []map[id.UserID]struct{}
	joinedErr error

	roomMembers    map[id.UserID]struct{}
	roomMembersErr error

	sendErrs  map[string]error
	sentTexts []string

	messageBatches [][]*event.Event
	recentErr      error

	downloads   map[string][]byte
	downloadErr error

	leaveErr  error
	leftRooms []id.RoomID

	handlers []func(ctx context.Context, evt *event.Event)

	syncOnceErrs  []error
	syncOnceCount int

	// Sync blocks until its context ends unless syncErr is set, matching
	// the long-poll loop of the real client.
	syncErr     error
	syncStarts  int
	syncReturns int

	stopCount int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		userID:       testSelf,
		createRoomID: testRoomID,
	}
}

func (f *fakeClient) UserID() id.UserID { return f.userID }

func (f *fakeClient) CreateRoom(ctx context.Context) (id.RoomID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createRoomErr != nil {
		return "", f.createRoomErr
	}
	return f.createRoomID, nil
}

func (f *fakeClient) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inviteErr
}

func (f *fakeClient) JoinedMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.joinedErr != nil {
		return nil, f.joinedErr
	}
	if len(f.joinedSeq) == 0 {
		return map[id.UserID]struct{}{}, nil
	}
	members := f.joinedSeq[0]
	if len(f.joinedSeq) > 1 {
		f.joinedSeq = f.joinedSeq[1:]
	}
	return members, nil
}

func (f *fakeClient) RoomMembers(ctx context.Context, roomID id.RoomID) (map[id.UserID]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.roomMembersErr != nil {
		return nil, f.roomMembersErr
	}
	if f.roomMembers == nil {
		return map[id.UserID]struct{}{}, nil
	}
	return f.roomMembers, nil
}

func (f *fakeClient) SendText(ctx context.Context, roomID id.RoomID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.sendErrs[body]; err != nil {
		return err
	}
	f.sentTexts = append(f.sentTexts, body)
	return nil
}

func (f *fakeClient) RecentMessages(ctx context.Context, roomID id.RoomID, limit int) ([]*event.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	if len(f.messageBatches) == 0 {
		return nil, nil
	}
	batch := f.messageBatches[0]
	if len(f.messageBatches) > 1 {
		f.messageBatches = f.messageBatches[1:]
	}
	return batch, nil
}

func (f *fakeClient) DownloadBytes(ctx context.Context, uri id.ContentURI) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.downloadErr != nil {
		return nil, f.downloadErr
	}
	return f.downloads[uri.String()], nil
}

func (f *fakeClient) LeaveRoom(ctx context.Context, roomID id.RoomID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.leaveErr != nil {
		return f.leaveErr
	}
	f.leftRooms = append(f.leftRooms, roomID)
	return nil
}

func (f *fakeClient) OnMessage(handler func(ctx context.Context, evt *event.Event)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers = append(f.handlers, handler)
}

func (f *fakeClient) SyncOnce(ctx context.Context, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncOnceCount++
	if len(f.syncOnceErrs) == 0 {
		return nil
	}
	err := f.syncOnceErrs[0]
	f.syncOnceErrs = f.syncOnceErrs[1:]
	return err
}

func (f *fakeClient) Sync(ctx context.Context) error {
	f.mu.Lock()
	f.syncStarts++
	err := f.syncErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	<-ctx.Done()
	f.mu.Lock()
	f.syncReturns++
	f.mu.Unlock()
	return ctx.Err()
}

func (f *fakeClient) StopSync() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCount++
}

func (f *fakeClient) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sentTexts...)
}

func (f *fakeClient) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

// emit feeds an event through every registered message handler, the way the
// syncer would during a sync.
func (f *fakeClient) emit(evt *event.Event) {
	f.mu.Lock()
	handlers := append(([]func(ctx context.Context, evt *event.Event))(nil), f.handlers...)
	f.mu.Unlock()
	for _, handler := range handlers {
		handler(context.Background(), evt)
	}
}

func (f *fakeClient) syncOnceCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncOnceCount
}

func (f *fakeClient) syncStartCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncStarts
}

func (f *fakeClient) syncReturnCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncReturns
}

func (f *fakeClient) leftRoomCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.leftRooms)
}

func botMessage(sender id.UserID, msgType event.MessageType, body string) *event.Event {
	return &event.Event{
		Sender:    sender,
		RoomID:    testRoomID,
		Type:      event.EventMessage,
		Timestamp: time.Now().UnixMilli(),
		Content: event.Content{
			Parsed: &event.MessageEventContent{MsgType: msgType, Body: body},
		},
	}
}

func botImage(sender id.UserID, url string) *event.Event {
	return &event.Event{
		Sender:    sender,
		RoomID:    testRoomID,
		Type:      event.EventMessage,
		Timestamp: time.Now().UnixMilli(),
		Content: event.Content{
			Parsed: &event.MessageEventContent{
				MsgType: event.MsgImage,
				Body:    "qr.png",
				URL:     id.ContentURIString(url),
			},
		},
	}
}

func fastNegotiatorConfig() NegotiatorConfig {
	return NegotiatorConfig{
		InviteSyncTimeout:      time.Millisecond,
		JoinPollAttempts:       3,
		JoinPollInterval:       time.Millisecond,
		ArtifactPollIterations: 3,
		ArtifactSyncTimeout:    time.Millisecond,
		ArtifactPollDelay:      time.Millisecond,
		RecentMessageLimit:     5,
	}
}

func fastMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Iterations:         3,
		SyncTimeout:        time.Millisecond,
		PollInterval:       time.Millisecond,
		CommandDelay:       time.Millisecond,
		RecentMessageLimit: 5,
	}
}

type fakeSessions struct {
	mu       sync.Mutex
	cleared  []string
	clearErr error
}

func (f *fakeSessions) Clear(localpart string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.clearErr != nil {
		return f.clearErr
	}
	f.cleared = append(f.cleared, localpart)
	return nil
}

func (f *fakeSessions) clearedLocalparts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cleared...)
}

// managerHarness wires a Manager to in-memory fakes. The factory hands out
// the prepared clients in order and keeps returning the last one.
type managerHarness struct {
	manager  *Manager
	store    *store.Memory
	registry *Registry
	sessions *fakeSessions
	hub      *Hub

	mu     sync.Mutex
	queue  []*fakeClient
	handed []*fakeClient
}

func newHarness(t *testing.T, clients ...*fakeClient) *managerHarness {
	t.Helper()
	if len(clients) == 0 {
		clients = []*fakeClient{newFakeClient()}
	}
	log := testLogger()
	metrics := testMetrics()
	h := &managerHarness{
		store:    store.NewMemory(),
		sessions: &fakeSessions{},
		hub:      NewHub(),
		queue:    clients,
	}
	h.registry = NewRegistry(RegistryConfig{
		RestartDelay: time.Millisecond,
		ErrorBackoff: time.Millisecond,
	}, log, metrics)
	opts := Options{
		Bots: Bots{
			store.BridgeWhatsApp: testWABot,
			store.BridgeSignal:   testSignalBot,
		},
		Negotiation:  fastNegotiatorConfig(),
		Retry:        RetryOptions{Attempts: 2, Delay: time.Millisecond, SettleDelay: time.Millisecond},
		Monitor:      fastMonitorConfig(),
		Resync:       ResyncOptions{SyncStartDelay: time.Millisecond, CommandDelay: time.Millisecond},
		Disconnect:   DisconnectorConfig{SyncStartDelay: time.Millisecond, CommandDelay: time.Millisecond},
		CleanupDelay: time.Millisecond,
	}
	h.manager = NewManager(opts, h.store, h.factory, h.sessions, h.registry, h.hub, log, metrics)
	t.Cleanup(h.manager.Close)
	t.Cleanup(h.hub.Close)
	return h
}

func (h *managerHarness) factory(ctx context.Context, userID int64) (Client, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client := h.queue[0]
	if len(h.queue) > 1 {
		h.queue = h.queue[1:]
	}
	h.handed = append(h.handed, client)
	return client, nil
}

func (h *managerHarness) handedOut() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handed)
}

func (h *managerHarness) seedAccount(t *testing.T, userID int64, localpart string) {
	t.Helper()
	err := h.store.SaveAccount(context.Background(), &store.MatrixAccount{
		UserID:   userID,
		Username: localpart,
		Password: "pw",
	})
	if err != nil {
		t.Fatalf("SaveAccount() error = %v", err)
	}
}

func (h *managerHarness) seedBridge(t *testing.T, userID int64, network store.BridgeType, status store.BridgeStatus, roomID string) {
	t.Helper()
	err := h.store.CreateBridge(context.Background(), &store.BridgeRecord{
		UserID: userID,
		Type:   network,
		Status: status,
		RoomID: roomID,
	})
	if err != nil {
		t.Fatalf("CreateBridge() error = %v", err)
	}
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
