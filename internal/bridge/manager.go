package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/haasonsaas/trestle/internal/observability"
	"github.com/haasonsaas/trestle/internal/retry"
	"github.com/haasonsaas/trestle/internal/store"
)

// RetryOptions bounds the negotiation retry loop for one-time-key
// conflicts.
type RetryOptions struct {
	Attempts int
	Delay    time.Duration
	// SettleDelay is the pause after wiping a session store, before logging
	// in again with a fresh device.
	SettleDelay time.Duration
}

// ResyncOptions paces the manual resync operation.
type ResyncOptions struct {
	SyncStartDelay time.Duration
	CommandDelay   time.Duration
}

// Options collects the tuning knobs for the connection lifecycle.
type Options struct {
	Bots        Bots
	Negotiation NegotiatorConfig
	Retry       RetryOptions
	Monitor     MonitorConfig
	Resync      ResyncOptions
	Disconnect  DisconnectorConfig
	// CleanupDelay is the single pause after firing cleanup commands at a
	// leftover management room during a fresh start.
	CleanupDelay time.Duration
}

// Status is the connection state reported to API clients.
type Status struct {
	Network   store.BridgeType `json:"network"`
	Connected bool             `json:"connected"`
	State     string           `json:"state"`
	CreatedAt int64            `json:"created_at"`
}

type artifactKey struct {
	userID  int64
	network store.BridgeType
}

// Manager drives the bridge connection lifecycle: negotiation, login
// monitoring, teardown, and resync. Mutating operations on the same user
// are serialized; a second caller gets CodeBusy instead of queueing.
type Manager struct {
	opts     Options
	store    store.Store
	factory  ClientFactory
	sessions SessionResetter
	registry *Registry
	sink     Sink
	log      *slog.Logger
	metrics  *observability.Metrics

	negotiator   *Negotiator
	monitor      *Monitor
	disconnector *Disconnector

	// baseCtx outlives request contexts; monitors and sync tasks run on it.
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu        sync.Mutex
	userLocks map[int64]*sync.Mutex
	artifacts map[artifactKey]Artifact
}

func NewManager(opts Options, st store.Store, factory ClientFactory, sessions SessionResetter, registry *Registry, sink Sink, log *slog.Logger, metrics *observability.Metrics) *Manager {
	if opts.Retry.Attempts <= 0 {
		opts.Retry.Attempts = 3
	}
	if opts.Retry.SettleDelay <= 0 {
		opts.Retry.SettleDelay = 2 * time.Second
	}
	if opts.CleanupDelay <= 0 {
		opts.CleanupDelay = 3 * time.Second
	}
	if opts.Resync.SyncStartDelay <= 0 {
		opts.Resync.SyncStartDelay = 2 * time.Second
	}
	if opts.Resync.CommandDelay <= 0 {
		opts.Resync.CommandDelay = 2 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:         opts,
		store:        st,
		factory:      factory,
		sessions:     sessions,
		registry:     registry,
		sink:         sink,
		log:          log,
		metrics:      metrics,
		negotiator:   NewNegotiator(opts.Negotiation, log, metrics),
		monitor:      NewMonitor(opts.Monitor, log),
		disconnector: NewDisconnector(opts.Disconnect, log, metrics),
		baseCtx:      ctx,
		cancel:       cancel,
		userLocks:    make(map[int64]*sync.Mutex),
		artifacts:    make(map[artifactKey]Artifact),
	}
}

// Close stops all background monitors and sync tasks and waits for them.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
	m.registry.Shutdown()
}

// StartConnection negotiates a fresh login with the network's bridge bot
// and returns the artifact (pairing code or QR) the user needs to approve
// it. The record is left in the connecting state; a background monitor
// promotes it once the bot confirms the login.
func (m *Manager) StartConnection(ctx context.Context, userID int64, network store.BridgeType, input string) (*Artifact, error) {
	profile, botID, err := m.profile(network)
	if err != nil {
		return nil, err
	}
	input = strings.TrimSpace(input)
	if profile.RequiresInput && input == "" {
		return nil, Errorf(CodeInvalidInput, "phone number is required to connect %s", network)
	}

	lock := m.userLock(userID)
	if !lock.TryLock() {
		return nil, Errorf(CodeBusy, "another bridge operation is in progress")
	}
	defer lock.Unlock()

	if err := m.freshStart(ctx, userID, network, profile); err != nil {
		return nil, err
	}

	client, err := m.client(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("acquire matrix client: %w", err)
	}

	// One-time-key conflicts come from a homeserver that still holds keys
	// from a dead device. The retry hook wipes the local session store and
	// rebuilds the client so the next attempt registers as a new device.
	attemptClient := client
	var result *NegotiationResult
	hook := func(attempt int, attemptErr error) error {
		m.log.Warn("negotiation hit a one-time-key conflict, resetting session store",
			"user_id", userID, "network", network, "attempt", attempt, "error", attemptErr)
		m.metrics.StoreResets.Inc()
		m.resetSession(ctx, userID)
		if err := waitFor(ctx, m.opts.Retry.SettleDelay); err != nil {
			return err
		}
		fresh, err := m.factory(ctx, userID)
		if err != nil {
			return fmt.Errorf("rebuild matrix client: %w", err)
		}
		attemptClient = fresh
		return nil
	}
	res := retry.Do(ctx, retry.Config{
		MaxAttempts: m.opts.Retry.Attempts,
		Delay:       m.opts.Retry.Delay,
		OnRetry:     hook,
	}, func() error {
		negotiated, err := m.negotiator.Negotiate(ctx, attemptClient, profile, botID, input)
		if err != nil {
			if IsKeyConflict(err) {
				return err
			}
			return retry.Permanent(err)
		}
		result = negotiated
		return nil
	})
	if res.Err != nil {
		if IsKeyConflict(res.Err) {
			return nil, &Error{
				Code:    CodeKeyConflict,
				Message: fmt.Sprintf("negotiation failed after %d attempts", res.Attempts),
				Err:     res.Err,
			}
		}
		return nil, res.Err
	}

	if err := m.store.CreateBridge(ctx, &store.BridgeRecord{
		UserID: userID,
		Type:   network,
		Status: store.StatusConnecting,
		RoomID: string(result.RoomID),
	}); err != nil {
		return nil, fmt.Errorf("record connection attempt: %w", err)
	}
	m.putArtifact(userID, network, result.Artifact)

	m.wg.Add(1)
	go m.runMonitor(attemptClient, profile, botID, userID, result.RoomID)

	m.log.Info("connection negotiated, monitoring login",
		"user_id", userID, "network", network,
		"room_id", result.RoomID, "artifact", result.Artifact.Kind)
	artifact := result.Artifact
	return &artifact, nil
}

// GetStatus reports the persisted connection state. A missing record is
// not an error; it reads as not_connected.
func (m *Manager) GetStatus(ctx context.Context, userID int64, network store.BridgeType) (Status, error) {
	if _, ok := ProfileFor(network); !ok {
		return Status{}, Errorf(CodeUnsupportedNetwork, "unsupported network: %s", network)
	}
	record, err := m.store.GetBridge(ctx, userID, network)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Status{Network: network, State: "not_connected"}, nil
		}
		return Status{}, fmt.Errorf("look up bridge: %w", err)
	}
	return Status{
		Network:   network,
		Connected: record.Status == store.StatusConnected,
		State:     string(record.Status),
		CreatedAt: record.CreatedAt,
	}, nil
}

// Disconnect logs the user out of the network and drops the record. It
// reports false without error when there was nothing to disconnect. When
// the last bridge goes, the user's sync task, cached client, and session
// store go with it.
func (m *Manager) Disconnect(ctx context.Context, userID int64, network store.BridgeType) (bool, error) {
	profile, _, err := m.profile(network)
	if err != nil {
		return false, err
	}

	lock := m.userLock(userID)
	if !lock.TryLock() {
		return false, Errorf(CodeBusy, "another bridge operation is in progress")
	}
	defer lock.Unlock()

	record, err := m.store.GetBridge(ctx, userID, network)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("look up bridge: %w", err)
	}

	client, err := m.client(ctx, userID)
	if err != nil {
		return false, fmt.Errorf("acquire matrix client: %w", err)
	}
	if err := m.disconnector.Teardown(ctx, client, profile, id.RoomID(record.RoomID)); err != nil {
		return false, err
	}
	if err := m.store.DeleteBridge(ctx, userID, network); err != nil {
		return false, fmt.Errorf("drop bridge record: %w", err)
	}

	hasActive, err := m.store.HasActiveBridges(ctx, userID)
	if err != nil {
		m.log.Warn("checking remaining bridges failed", "user_id", userID, "error", err)
	} else if !hasActive {
		m.registry.StopSyncTask(userID)
		m.registry.RemoveClient(userID)
		m.resetSession(ctx, userID)
	}
	m.clearArtifact(userID, network)

	m.log.Info("bridge disconnected", "user_id", userID, "network", network)
	return true, nil
}

// Resync asks the bridge to refresh its portal rooms. It requires an
// existing record but works in any state, so a half-connected bridge can
// still be nudged.
func (m *Manager) Resync(ctx context.Context, userID int64, network store.BridgeType) error {
	profile, _, err := m.profile(network)
	if err != nil {
		return err
	}

	lock := m.userLock(userID)
	if !lock.TryLock() {
		return Errorf(CodeBusy, "another bridge operation is in progress")
	}
	defer lock.Unlock()

	record, err := m.store.GetBridge(ctx, userID, network)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Errorf(CodeNotConnected, "%s is not connected", network)
		}
		return fmt.Errorf("look up bridge: %w", err)
	}
	if record.RoomID == "" {
		return Errorf(CodeNotConnected, "%s bridge has no management room", network)
	}

	client, err := m.client(ctx, userID)
	if err != nil {
		return fmt.Errorf("acquire matrix client: %w", err)
	}
	if m.registry.PutClient(userID, client) {
		client.OnMessage(m.forwarder(userID, client.UserID()))
	}
	m.registry.EnsureSyncTask(m.baseCtx, userID, client)
	if err := waitFor(ctx, m.opts.Resync.SyncStartDelay); err != nil {
		return err
	}

	for _, command := range profile.ResyncCommands {
		if err := client.SendText(ctx, id.RoomID(record.RoomID), command); err != nil {
			return fmt.Errorf("send %q: %w", command, err)
		}
		m.metrics.BridgeCommands.WithLabelValues(string(network)).Inc()
		if err := waitFor(ctx, m.opts.Resync.CommandDelay); err != nil {
			return err
		}
	}

	m.log.Info("bridge resync requested", "user_id", userID, "network", network)
	return nil
}

// Artifact returns the pending login artifact for the user's network, if
// a negotiation produced one and it has not been consumed by a finished
// connection attempt.
func (m *Manager) Artifact(userID int64, network store.BridgeType) (Artifact, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	artifact, ok := m.artifacts[artifactKey{userID: userID, network: network}]
	return artifact, ok
}

// Networks lists the networks this deployment has a bridge bot for.
func (m *Manager) Networks() []store.BridgeType {
	return m.opts.Bots.Networks()
}

func (m *Manager) profile(network store.BridgeType) (Profile, id.UserID, error) {
	profile, ok := ProfileFor(network)
	if !ok {
		return Profile{}, "", Errorf(CodeUnsupportedNetwork, "unsupported network: %s", network)
	}
	botID, ok := m.opts.Bots.For(network)
	if !ok {
		return Profile{}, "", Errorf(CodeUnsupportedNetwork, "no bridge bot configured for %s", network)
	}
	return profile, botID, nil
}

func (m *Manager) userLock(userID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.userLocks[userID]
	if !ok {
		lock = &sync.Mutex{}
		m.userLocks[userID] = lock
	}
	return lock
}

// client returns the cached client if the registry has one, otherwise a
// fresh one from the factory. Fresh clients are not cached here; only a
// confirmed connection or resync registers a client.
func (m *Manager) client(ctx context.Context, userID int64) (Client, error) {
	if client, ok := m.registry.Client(userID); ok {
		return client, nil
	}
	return m.factory(ctx, userID)
}

// freshStart clears the previous record and nudges any leftover management
// room through a quick logout, so the new negotiation is not confused by a
// half-dead session.
func (m *Manager) freshStart(ctx context.Context, userID int64, network store.BridgeType, profile Profile) error {
	record, err := m.store.GetBridge(ctx, userID, network)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("look up existing bridge: %w", err)
	}
	if record.RoomID != "" {
		if client, err := m.client(ctx, userID); err == nil {
			m.cleanupRoom(ctx, client, profile, id.RoomID(record.RoomID))
		} else {
			m.log.Warn("skipping bridge cleanup, no matrix client",
				"user_id", userID, "network", network, "error", err)
		}
	}
	if err := m.store.DeleteBridge(ctx, userID, network); err != nil {
		return fmt.Errorf("drop previous bridge record: %w", err)
	}
	m.clearArtifact(userID, network)
	return nil
}

// cleanupRoom fires the disconnect commands without the full teardown
// pacing; the old session may already be dead and the commands are best
// effort.
func (m *Manager) cleanupRoom(ctx context.Context, client Client, profile Profile, roomID id.RoomID) {
	for _, command := range profile.DisconnectCommands {
		if err := client.SendText(ctx, roomID, command); err != nil {
			m.log.Warn("cleanup command failed", "command", command, "error", err)
		}
	}
	_ = waitFor(ctx, m.opts.CleanupDelay)
}

func (m *Manager) resetSession(ctx context.Context, userID int64) {
	account, err := m.store.GetAccount(ctx, userID)
	if err != nil {
		m.log.Warn("session reset skipped, no homeserver account", "user_id", userID, "error", err)
		return
	}
	if err := m.sessions.Clear(account.Username); err != nil {
		m.log.Warn("session reset failed", "user_id", userID, "error", err)
	}
}

func (m *Manager) runMonitor(client Client, profile Profile, botID id.UserID, userID int64, roomID id.RoomID) {
	defer m.wg.Done()
	ctx := m.baseCtx
	network := string(profile.Network)

	outcome, err := m.monitor.Watch(ctx, client, profile, botID, roomID)
	if err != nil {
		// The record stays connecting; the reaper collects it if the user
		// never retries.
		m.log.Error("login monitor aborted", "user_id", userID, "network", network, "error", err)
		m.metrics.MonitorOutcomes.WithLabelValues(network, "sync_error").Inc()
		return
	}

	switch outcome.Kind {
	case OutcomeConnected:
		if err := m.finalizeConnection(ctx, client, profile, userID, roomID); err != nil {
			m.log.Error("finalizing connection failed",
				"user_id", userID, "network", network, "error", err)
			m.metrics.MonitorOutcomes.WithLabelValues(network, "finalize_error").Inc()
			return
		}
		m.metrics.MonitorOutcomes.WithLabelValues(network, "connected").Inc()
	case OutcomeFailed:
		m.log.Warn("bridge login failed",
			"user_id", userID, "network", network, "message", outcome.Message)
		m.dropConnecting(ctx, userID, profile.Network)
		m.metrics.MonitorOutcomes.WithLabelValues(network, "failed").Inc()
	case OutcomeTimeout:
		m.log.Warn("bridge login timed out", "user_id", userID, "network", network)
		m.dropConnecting(ctx, userID, profile.Network)
		m.metrics.MonitorOutcomes.WithLabelValues(network, "timeout").Inc()
	}
}

// finalizeConnection promotes the connecting record once the bridge
// reports success. The user lock is taken blocking here: a concurrent
// disconnect wins by deleting the record, which makes the re-check below
// drop the promotion.
func (m *Manager) finalizeConnection(ctx context.Context, client Client, profile Profile, userID int64, roomID id.RoomID) error {
	network := profile.Network
	lock := m.userLock(userID)
	lock.Lock()

	record, err := m.store.GetBridge(ctx, userID, network)
	if err != nil || record.Status != store.StatusConnecting || record.RoomID != string(roomID) {
		lock.Unlock()
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("re-check connecting record: %w", err)
		}
		m.log.Info("connecting record vanished before promotion, dropping result",
			"user_id", userID, "network", network)
		return nil
	}

	if err := m.store.DeleteBridge(ctx, userID, network); err != nil {
		lock.Unlock()
		return fmt.Errorf("replace connecting record: %w", err)
	}
	if err := m.store.CreateBridge(ctx, &store.BridgeRecord{
		UserID: userID,
		Type:   network,
		Status: store.StatusConnected,
		RoomID: string(roomID),
	}); err != nil {
		lock.Unlock()
		return fmt.Errorf("record connected bridge: %w", err)
	}

	if m.registry.PutClient(userID, client) {
		client.OnMessage(m.forwarder(userID, client.UserID()))
	}
	m.registry.StartSyncTask(m.baseCtx, userID, client)
	m.clearArtifact(userID, network)
	lock.Unlock()

	m.log.Info("bridge connected", "user_id", userID, "network", network)
	for _, command := range profile.PostConnectCommands {
		if err := client.SendText(ctx, roomID, command); err != nil {
			m.log.Warn("post-connect command failed", "command", command, "error", err)
		} else {
			m.metrics.BridgeCommands.WithLabelValues(string(network)).Inc()
		}
		if waitFor(ctx, m.opts.Resync.CommandDelay) != nil {
			return nil
		}
	}
	return nil
}

func (m *Manager) dropConnecting(ctx context.Context, userID int64, network store.BridgeType) {
	if err := m.store.DeleteBridge(ctx, userID, network); err != nil {
		m.log.Error("dropping failed connection record",
			"user_id", userID, "network", network, "error", err)
	}
	m.clearArtifact(userID, network)
}

// forwarder builds the sync event handler that routes bridged messages
// into the sink. self filters the user's own echoes.
func (m *Manager) forwarder(userID int64, self id.UserID) func(ctx context.Context, evt *event.Event) {
	return func(ctx context.Context, evt *event.Event) {
		content, ok := evt.Content.Parsed.(*event.MessageEventContent)
		if !ok || evt.Sender == self {
			return
		}
		switch content.MsgType {
		case event.MsgText, event.MsgNotice, event.MsgImage:
		default:
			return
		}
		network, known := m.opts.Bots.NetworkOf(evt.Sender)
		label := "unknown"
		if known {
			label = string(network)
		}
		m.metrics.MessagesForwarded.WithLabelValues(label).Inc()
		if m.sink == nil {
			return
		}
		m.sink.Deliver(InboundMessage{
			UserID:    userID,
			Network:   network,
			RoomID:    evt.RoomID,
			Sender:    evt.Sender,
			MsgType:   content.MsgType,
			Body:      content.Body,
			Timestamp: time.UnixMilli(evt.Timestamp),
		})
	}
}

func (m *Manager) putArtifact(userID int64, network store.BridgeType, artifact Artifact) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[artifactKey{userID: userID, network: network}] = artifact
}

func (m *Manager) clearArtifact(userID int64, network store.BridgeType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.artifacts, artifactKey{userID: userID, network: network})
}
