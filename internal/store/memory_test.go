package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryBridgeLifecycle(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.GetBridge(ctx, 1, BridgeWhatsApp); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBridge() on empty store error = %v, want ErrNotFound", err)
	}

	record := &BridgeRecord{UserID: 1, Type: BridgeWhatsApp, Status: StatusConnecting, RoomID: "!r:x"}
	if err := m.CreateBridge(ctx, record); err != nil {
		t.Fatalf("CreateBridge() error = %v", err)
	}
	if record.CreatedAt == 0 {
		t.Error("CreateBridge() did not fill CreatedAt")
	}

	got, err := m.GetBridge(ctx, 1, BridgeWhatsApp)
	if err != nil {
		t.Fatalf("GetBridge() error = %v", err)
	}
	// Returned records are copies; mutating them must not affect the store.
	got.Status = StatusConnected
	again, err := m.GetBridge(ctx, 1, BridgeWhatsApp)
	if err != nil {
		t.Fatalf("GetBridge() error = %v", err)
	}
	if again.Status != StatusConnecting {
		t.Error("GetBridge() returned a shared pointer, want a copy")
	}

	if err := m.DeleteBridge(ctx, 1, BridgeWhatsApp); err != nil {
		t.Fatalf("DeleteBridge() error = %v", err)
	}
	if _, err := m.GetBridge(ctx, 1, BridgeWhatsApp); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBridge() after delete error = %v, want ErrNotFound", err)
	}
}

func TestMemoryHasActiveBridges(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.CreateBridge(ctx, &BridgeRecord{UserID: 1, Type: BridgeWhatsApp, Status: StatusConnecting}); err != nil {
		t.Fatalf("CreateBridge() error = %v", err)
	}
	active, err := m.HasActiveBridges(ctx, 1)
	if err != nil {
		t.Fatalf("HasActiveBridges() error = %v", err)
	}
	if active {
		t.Error("connecting record counted as active")
	}

	if err := m.CreateBridge(ctx, &BridgeRecord{UserID: 1, Type: BridgeSignal, Status: StatusConnected}); err != nil {
		t.Fatalf("CreateBridge() error = %v", err)
	}
	active, err = m.HasActiveBridges(ctx, 1)
	if err != nil {
		t.Fatalf("HasActiveBridges() error = %v", err)
	}
	if !active {
		t.Error("connected record not counted as active")
	}
}

func TestMemoryStaleConnecting(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	old := time.Now().Add(-time.Hour).Unix()
	if err := m.CreateBridge(ctx, &BridgeRecord{UserID: 1, Type: BridgeWhatsApp, Status: StatusConnecting, CreatedAt: old}); err != nil {
		t.Fatalf("CreateBridge() error = %v", err)
	}
	if err := m.CreateBridge(ctx, &BridgeRecord{UserID: 2, Type: BridgeSignal, Status: StatusConnected, CreatedAt: old}); err != nil {
		t.Fatalf("CreateBridge() error = %v", err)
	}

	stale, err := m.StaleConnecting(ctx, time.Now().Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("StaleConnecting() error = %v", err)
	}
	if len(stale) != 1 || stale[0].UserID != 1 {
		t.Errorf("StaleConnecting() = %+v, want one record for user 1", stale)
	}
}

func TestMemoryAccounts(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if _, err := m.GetAccount(ctx, 9); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAccount() error = %v, want ErrNotFound", err)
	}

	if err := m.SaveAccount(ctx, &MatrixAccount{UserID: 9, Username: "appuser_x", Password: "pw"}); err != nil {
		t.Fatalf("SaveAccount() error = %v", err)
	}
	got, err := m.GetAccount(ctx, 9)
	if err != nil {
		t.Fatalf("GetAccount() error = %v", err)
	}
	if got.Username != "appuser_x" {
		t.Errorf("Username = %q, want appuser_x", got.Username)
	}
}

func TestMemoryClosed(t *testing.T) {
	m := NewMemory()
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if _, err := m.GetBridge(context.Background(), 1, BridgeWhatsApp); !errors.Is(err, ErrClosed) {
		t.Errorf("GetBridge() after close error = %v, want ErrClosed", err)
	}
	if err := m.CreateBridge(context.Background(), &BridgeRecord{UserID: 1, Type: BridgeWhatsApp}); !errors.Is(err, ErrClosed) {
		t.Errorf("CreateBridge() after close error = %v, want ErrClosed", err)
	}
}
