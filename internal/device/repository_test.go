package device_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/hearth-core/internal/device"
	"github.com/nerrad567/hearth-core/internal/infrastructure/database"

	// Register embedded migrations.
	_ "github.com/nerrad567/hearth-core/migrations"
)

// openTestRepo creates a migrated temporary database and repository.
func openTestRepo(t *testing.T) *device.SQLiteRepository {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.Open(database.Config{
		Path:        dbPath,
		WALMode:     true,
		BusyTimeout: 5,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	return device.NewSQLiteRepository(db.DB)
}

func seedDevice(t *testing.T, repo *device.SQLiteRepository, homeID, nodeName string) *device.Device {
	t.Helper()

	d := &device.Device{
		ID:       device.GenerateID(),
		HomeID:   homeID,
		NodeName: nodeName,
		Name:     nodeName,
		Online:   true,
	}
	if err := repo.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}
	return d
}

func seedEntity(t *testing.T, repo *device.SQLiteRepository, deviceID string, kind device.Kind, name string) *device.Entity {
	t.Helper()

	e := &device.Entity{
		ID:           device.GenerateID(),
		DeviceID:     deviceID,
		Kind:         kind,
		Name:         name,
		Capabilities: []device.Capability{},
		Controllable: kind.IsControllable(),
		State:        device.State{"value": "ON"},
	}
	if err := repo.CreateEntity(context.Background(), e); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	return e
}

// =============================================================================
// Device CRUD
// =============================================================================

func TestRepository_DeviceRoundtrip(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	created := seedDevice(t, repo, "h1", "node1")

	byID, err := repo.GetDeviceByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetDeviceByID() error = %v", err)
	}
	if byID.HomeID != "h1" || byID.NodeName != "node1" || !byID.Online {
		t.Errorf("GetDeviceByID() = %+v, want seeded device", byID)
	}

	byAddr, err := repo.GetDeviceByAddress(ctx, "h1", "node1")
	if err != nil {
		t.Fatalf("GetDeviceByAddress() error = %v", err)
	}
	if byAddr.ID != created.ID {
		t.Errorf("GetDeviceByAddress() ID = %q, want %q", byAddr.ID, created.ID)
	}
}

func TestRepository_DeviceNotFound(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	if _, err := repo.GetDeviceByID(ctx, "missing"); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("GetDeviceByID() error = %v, want ErrDeviceNotFound", err)
	}
	if _, err := repo.GetDeviceByAddress(ctx, "h1", "ghost"); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("GetDeviceByAddress() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRepository_DeviceDuplicateAddress(t *testing.T) {
	repo := openTestRepo(t)
	seedDevice(t, repo, "h1", "node1")

	dup := &device.Device{
		ID:       device.GenerateID(),
		HomeID:   "h1",
		NodeName: "node1",
		Name:     "node1",
	}
	err := repo.CreateDevice(context.Background(), dup)
	if !errors.Is(err, device.ErrDeviceExists) {
		t.Errorf("CreateDevice() error = %v, want ErrDeviceExists", err)
	}
}

func TestRepository_UpdateDeviceStatus(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	d := seedDevice(t, repo, "h1", "node1")
	seen := time.Now().UTC().Truncate(time.Second)

	if err := repo.UpdateDeviceStatus(ctx, d.ID, false, seen); err != nil {
		t.Fatalf("UpdateDeviceStatus() error = %v", err)
	}

	got, _ := repo.GetDeviceByID(ctx, d.ID)
	if got.Online {
		t.Error("Online = true after marking offline")
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(seen) {
		t.Errorf("LastSeen = %v, want %v", got.LastSeen, seen)
	}

	if err := repo.UpdateDeviceStatus(ctx, "missing", true, seen); !errors.Is(err, device.ErrDeviceNotFound) {
		t.Errorf("UpdateDeviceStatus() error = %v, want ErrDeviceNotFound", err)
	}
}

func TestRepository_MarkStaleOffline(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	fresh := seedDevice(t, repo, "h1", "fresh")
	stale := seedDevice(t, repo, "h1", "stale")
	never := seedDevice(t, repo, "h1", "never-seen")

	now := time.Now().UTC()
	if err := repo.UpdateDeviceStatus(ctx, fresh.ID, true, now); err != nil {
		t.Fatalf("UpdateDeviceStatus() error = %v", err)
	}
	if err := repo.UpdateDeviceStatus(ctx, stale.ID, true, now.Add(-time.Hour)); err != nil {
		t.Fatalf("UpdateDeviceStatus() error = %v", err)
	}

	flipped, err := repo.MarkStaleOffline(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("MarkStaleOffline() error = %v", err)
	}

	if len(flipped) != 2 {
		t.Fatalf("MarkStaleOffline() flipped %d devices, want 2 (stale and never-seen)", len(flipped))
	}
	for _, d := range flipped {
		if d.ID == fresh.ID {
			t.Error("fresh device flipped offline")
		}
		if d.Online {
			t.Error("flipped device still reports online")
		}
	}
	_ = never

	// Re-running the sweep flips nothing.
	again, err := repo.MarkStaleOffline(ctx, now.Add(-5*time.Minute))
	if err != nil {
		t.Fatalf("MarkStaleOffline() error = %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second sweep flipped %d devices, want 0", len(again))
	}
}

// =============================================================================
// Entity CRUD
// =============================================================================

func TestRepository_EntityRoundtrip(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	d := seedDevice(t, repo, "h1", "node1")

	created := &device.Entity{
		ID:           device.GenerateID(),
		DeviceID:     d.ID,
		Kind:         device.KindLight,
		Name:         "ceiling",
		Capabilities: []device.Capability{device.CapBrightness},
		Controllable: true,
		State:        device.State{"power": true, "brightness": float64(75)},
	}
	if err := repo.CreateEntity(ctx, created); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}

	byID, err := repo.GetEntityByID(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetEntityByID() error = %v", err)
	}
	if byID.Kind != device.KindLight || !byID.Controllable {
		t.Errorf("GetEntityByID() = %+v, want seeded entity", byID)
	}
	if byID.State["brightness"] != float64(75) {
		t.Errorf("State = %v, want brightness 75", byID.State)
	}
	if len(byID.Capabilities) != 1 || byID.Capabilities[0] != device.CapBrightness {
		t.Errorf("Capabilities = %v, want [brightness]", byID.Capabilities)
	}

	byAddr, err := repo.GetEntityByAddress(ctx, d.ID, device.KindLight, "ceiling")
	if err != nil {
		t.Fatalf("GetEntityByAddress() error = %v", err)
	}
	if byAddr.ID != created.ID {
		t.Errorf("GetEntityByAddress() ID = %q, want %q", byAddr.ID, created.ID)
	}
}

func TestRepository_EntityDuplicateAddress(t *testing.T) {
	repo := openTestRepo(t)

	d := seedDevice(t, repo, "h1", "node1")
	seedEntity(t, repo, d.ID, device.KindSwitch, "plug")

	dup := &device.Entity{
		ID:           device.GenerateID(),
		DeviceID:     d.ID,
		Kind:         device.KindSwitch,
		Name:         "plug",
		Capabilities: []device.Capability{},
		State:        device.State{},
	}
	err := repo.CreateEntity(context.Background(), dup)
	if !errors.Is(err, device.ErrEntityExists) {
		t.Errorf("CreateEntity() error = %v, want ErrEntityExists", err)
	}
}

func TestRepository_UpdateEntityState(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	d := seedDevice(t, repo, "h1", "node1")
	e := seedEntity(t, repo, d.ID, device.KindSwitch, "plug")

	at := time.Now().UTC().Truncate(time.Second)
	newState := device.State{"value": "OFF"}
	if err := repo.UpdateEntityState(ctx, e.ID, newState, at); err != nil {
		t.Fatalf("UpdateEntityState() error = %v", err)
	}

	got, _ := repo.GetEntityByID(ctx, e.ID)
	if got.State["value"] != "OFF" {
		t.Errorf("State = %v, want wholesale replacement", got.State)
	}
	if got.StateUpdated == nil || !got.StateUpdated.Equal(at) {
		t.Errorf("StateUpdated = %v, want %v", got.StateUpdated, at)
	}

	err := repo.UpdateEntityState(ctx, "missing", newState, at)
	if !errors.Is(err, device.ErrEntityNotFound) {
		t.Errorf("UpdateEntityState() error = %v, want ErrEntityNotFound", err)
	}
}

func TestRepository_ListEntitiesByDevice(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	d1 := seedDevice(t, repo, "h1", "node1")
	d2 := seedDevice(t, repo, "h1", "node2")
	seedEntity(t, repo, d1.ID, device.KindLight, "ceiling")
	seedEntity(t, repo, d1.ID, device.KindSensor, "climate")
	seedEntity(t, repo, d2.ID, device.KindSwitch, "plug")

	ents, err := repo.ListEntitiesByDevice(ctx, d1.ID)
	if err != nil {
		t.Fatalf("ListEntitiesByDevice() error = %v", err)
	}
	if len(ents) != 2 {
		t.Errorf("ListEntitiesByDevice() returned %d entities, want 2", len(ents))
	}
}

// =============================================================================
// Attribute Fan-out
// =============================================================================

func TestRepository_UpsertAttributes(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	d := seedDevice(t, repo, "h1", "node1")
	e := seedEntity(t, repo, d.ID, device.KindSensor, "climate")

	now := time.Now().UTC()
	state := device.State{"temperature": 21.5, "humidity": float64(48)}
	if err := repo.UpsertAttributes(ctx, e.ID, state, now); err != nil {
		t.Fatalf("UpsertAttributes() error = %v", err)
	}

	// Updating an existing key must replace the row, not error.
	state["temperature"] = 22.0
	if err := repo.UpsertAttributes(ctx, e.ID, state, now.Add(time.Minute)); err != nil {
		t.Fatalf("UpsertAttributes() second call error = %v", err)
	}
}
