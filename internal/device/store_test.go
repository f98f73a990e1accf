package device

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func testTime() time.Time {
	return time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
}

// ─── Mock Repository ─────────────────────────────────────────────────────────

// mockRepository is an in-memory Repository for store tests.
type mockRepository struct {
	mu       sync.Mutex
	devices  map[string]*Device
	entities map[string]*Entity
	attrs    map[string]map[string]string // entityID -> key -> value

	updateStateErr error // injectable failure
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		devices:  make(map[string]*Device),
		entities: make(map[string]*Entity),
		attrs:    make(map[string]map[string]string),
	}
}

func (m *mockRepository) GetDeviceByID(_ context.Context, id string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.devices[id]; ok {
		return d.DeepCopy(), nil
	}
	return nil, ErrDeviceNotFound
}

func (m *mockRepository) GetDeviceByAddress(_ context.Context, homeID, nodeName string) (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.devices {
		if d.HomeID == homeID && d.NodeName == nodeName {
			return d.DeepCopy(), nil
		}
	}
	return nil, ErrDeviceNotFound
}

func (m *mockRepository) ListDevices(_ context.Context) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Device
	for _, d := range m.devices {
		out = append(out, *d.DeepCopy())
	}
	return out, nil
}

func (m *mockRepository) ListDevicesByHome(_ context.Context, homeID string) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Device
	for _, d := range m.devices {
		if d.HomeID == homeID {
			out = append(out, *d.DeepCopy())
		}
	}
	return out, nil
}

func (m *mockRepository) CreateDevice(_ context.Context, d *Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.devices {
		if existing.HomeID == d.HomeID && existing.NodeName == d.NodeName {
			return ErrDeviceExists
		}
	}
	if _, ok := m.devices[d.ID]; ok {
		return ErrDeviceExists
	}
	m.devices[d.ID] = d.DeepCopy()
	return nil
}

func (m *mockRepository) UpdateDeviceStatus(_ context.Context, id string, online bool, lastSeen time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.devices[id]
	if !ok {
		return ErrDeviceNotFound
	}
	d.Online = online
	ls := lastSeen
	d.LastSeen = &ls
	return nil
}

func (m *mockRepository) MarkStaleOffline(_ context.Context, cutoff time.Time) ([]Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var flipped []Device
	for _, d := range m.devices {
		if d.Online && (d.LastSeen == nil || d.LastSeen.Before(cutoff)) {
			d.Online = false
			flipped = append(flipped, *d.DeepCopy())
		}
	}
	return flipped, nil
}

func (m *mockRepository) GetEntityByID(_ context.Context, id string) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entities[id]; ok {
		return e.DeepCopy(), nil
	}
	return nil, ErrEntityNotFound
}

func (m *mockRepository) GetEntityByAddress(_ context.Context, deviceID string, kind Kind, name string) (*Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entities {
		if e.DeviceID == deviceID && e.Kind == kind && e.Name == name {
			return e.DeepCopy(), nil
		}
	}
	return nil, ErrEntityNotFound
}

func (m *mockRepository) ListEntities(_ context.Context) ([]Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entity
	for _, e := range m.entities {
		out = append(out, *e.DeepCopy())
	}
	return out, nil
}

func (m *mockRepository) ListEntitiesByDevice(_ context.Context, deviceID string) ([]Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entity
	for _, e := range m.entities {
		if e.DeviceID == deviceID {
			out = append(out, *e.DeepCopy())
		}
	}
	return out, nil
}

func (m *mockRepository) CreateEntity(_ context.Context, e *Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.entities {
		if existing.DeviceID == e.DeviceID && existing.Kind == e.Kind && existing.Name == e.Name {
			return ErrEntityExists
		}
	}
	m.entities[e.ID] = e.DeepCopy()
	return nil
}

func (m *mockRepository) UpdateEntityState(_ context.Context, id string, state State, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateStateErr != nil {
		return m.updateStateErr
	}
	e, ok := m.entities[id]
	if !ok {
		return ErrEntityNotFound
	}
	e.State = deepCopyMap(state)
	su := at
	e.StateUpdated = &su
	return nil
}

func (m *mockRepository) UpsertAttributes(_ context.Context, entityID string, state State, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attrs[entityID] == nil {
		m.attrs[entityID] = make(map[string]string)
	}
	for k, v := range state {
		m.attrs[entityID][k] = attributeString(v)
	}
	return nil
}

// ─── State Ingest ────────────────────────────────────────────────────────────

func TestIngestState_AutoDiscovery(t *testing.T) {
	store := NewStore(newMockRepository())
	ctx := context.Background()

	change, err := store.IngestState(ctx, "h1", "node1", KindLight, "ceiling", []byte(`{"power": true, "brightness": 75}`))
	if err != nil {
		t.Fatalf("IngestState() error = %v", err)
	}

	if !change.IsNewDevice {
		t.Error("IsNewDevice = false for first message from node")
	}
	if !change.IsNewEntity {
		t.Error("IsNewEntity = false for first message from entity")
	}
	if change.Previous != nil {
		t.Errorf("Previous = %v, want nil for new entity", change.Previous)
	}

	ent, err := store.GetEntity(ctx, change.EntityID)
	if err != nil {
		t.Fatalf("GetEntity() error = %v", err)
	}
	if !ent.Controllable {
		t.Error("light entity should be controllable")
	}
	if len(ent.Capabilities) != 1 || ent.Capabilities[0] != CapBrightness {
		t.Errorf("Capabilities = %v, want [brightness]", ent.Capabilities)
	}

	dev, err := store.GetDevice(ctx, change.DeviceID)
	if err != nil {
		t.Fatalf("GetDevice() error = %v", err)
	}
	if !dev.Online {
		t.Error("auto-created device should be online")
	}
	if dev.LastSeen == nil {
		t.Error("auto-created device should have last_seen set")
	}
	if dev.Name != "node1" {
		t.Errorf("device Name = %q, want node name default", dev.Name)
	}
}

func TestIngestState_Idempotent(t *testing.T) {
	store := NewStore(newMockRepository())
	ctx := context.Background()

	first, err := store.IngestState(ctx, "h1", "node1", KindSwitch, "plug", []byte(`ON`))
	if err != nil {
		t.Fatalf("IngestState() error = %v", err)
	}

	second, err := store.IngestState(ctx, "h1", "node1", KindSwitch, "plug", []byte(`OFF`))
	if err != nil {
		t.Fatalf("IngestState() error = %v", err)
	}

	if second.IsNewDevice || second.IsNewEntity {
		t.Error("second ingest should not report new device or entity")
	}
	if second.DeviceID != first.DeviceID {
		t.Errorf("DeviceID changed between ingests: %q vs %q", first.DeviceID, second.DeviceID)
	}
	if second.EntityID != first.EntityID {
		t.Errorf("EntityID changed between ingests: %q vs %q", first.EntityID, second.EntityID)
	}
	if store.DeviceCount() != 1 || store.EntityCount() != 1 {
		t.Errorf("counts = (%d, %d), want (1, 1)", store.DeviceCount(), store.EntityCount())
	}
}

func TestIngestState_WholesaleReplace(t *testing.T) {
	store := NewStore(newMockRepository())
	ctx := context.Background()

	if _, err := store.IngestState(ctx, "h1", "node1", KindLight, "ceiling",
		[]byte(`{"power": true, "brightness": 75}`)); err != nil {
		t.Fatalf("IngestState() error = %v", err)
	}

	change, err := store.IngestState(ctx, "h1", "node1", KindLight, "ceiling", []byte(`{"power": false}`))
	if err != nil {
		t.Fatalf("IngestState() error = %v", err)
	}

	// Previous snapshot carries the old map, new state is the full replacement.
	if change.Previous["brightness"] != float64(75) {
		t.Errorf("Previous[brightness] = %v, want 75", change.Previous["brightness"])
	}
	if _, ok := change.NewState["brightness"]; ok {
		t.Error("brightness survived a wholesale state replace")
	}

	ent, _ := store.GetEntity(ctx, change.EntityID)
	if len(ent.State) != 1 || ent.State["power"] != false {
		t.Errorf("State = %v, want {power: false}", ent.State)
	}
}

func TestIngestState_ChangedKeys(t *testing.T) {
	store := NewStore(newMockRepository())
	ctx := context.Background()

	if _, err := store.IngestState(ctx, "h1", "node1", KindSensor, "climate",
		[]byte(`{"temperature": 21.5, "humidity": 48}`)); err != nil {
		t.Fatalf("IngestState() error = %v", err)
	}

	change, err := store.IngestState(ctx, "h1", "node1", KindSensor, "climate",
		[]byte(`{"temperature": 22.0, "humidity": 48}`))
	if err != nil {
		t.Fatalf("IngestState() error = %v", err)
	}

	if len(change.ChangedKeys) != 1 || change.ChangedKeys[0] != "temperature" {
		t.Errorf("ChangedKeys = %v, want [temperature]", change.ChangedKeys)
	}
}

func TestIngestState_CapabilitiesFrozen(t *testing.T) {
	store := NewStore(newMockRepository())
	ctx := context.Background()

	first, err := store.IngestState(ctx, "h1", "node1", KindLight, "ceiling", []byte(`{"power": true}`))
	if err != nil {
		t.Fatalf("IngestState() error = %v", err)
	}

	// Later payload grows a brightness key; the capability set must not change.
	if _, err := store.IngestState(ctx, "h1", "node1", KindLight, "ceiling",
		[]byte(`{"power": true, "brightness": 50}`)); err != nil {
		t.Fatalf("IngestState() error = %v", err)
	}

	ent, _ := store.GetEntity(ctx, first.EntityID)
	if len(ent.Capabilities) != 0 {
		t.Errorf("Capabilities = %v, want [] (inference runs once at creation)", ent.Capabilities)
	}
}

func TestIngestState_Notifications(t *testing.T) {
	store := NewStore(newMockRepository())
	ctx := context.Background()

	var got []StateChange
	store.OnStateChange(func(ch StateChange) {
		got = append(got, ch)
	})

	if _, err := store.IngestState(ctx, "h1", "node1", KindSwitch, "plug", []byte(`ON`)); err != nil {
		t.Fatalf("IngestState() error = %v", err)
	}
	if _, err := store.IngestState(ctx, "h1", "node1", KindSwitch, "plug", []byte(`OFF`)); err != nil {
		t.Fatalf("IngestState() error = %v", err)
	}

	if len(got) != 2 {
		t.Fatalf("subscriber received %d changes, want 2", len(got))
	}
	if got[0].NewState["value"] != "ON" || got[1].NewState["value"] != "OFF" {
		t.Errorf("changes out of order: %v then %v", got[0].NewState, got[1].NewState)
	}
	if !got[0].Online {
		t.Error("state change should report device online")
	}
}

func TestIngestState_InvalidPayload(t *testing.T) {
	store := NewStore(newMockRepository())

	_, err := store.IngestState(context.Background(), "h1", "node1", KindLight, "ceiling", []byte(""))
	if !errors.Is(err, ErrInvalidPayload) {
		t.Errorf("IngestState() error = %v, want ErrInvalidPayload", err)
	}
	if store.DeviceCount() != 0 {
		t.Error("invalid payload must not create a device")
	}
}

func TestIngestState_PersistFailure(t *testing.T) {
	repo := newMockRepository()
	store := NewStore(repo)
	ctx := context.Background()

	if _, err := store.IngestState(ctx, "h1", "node1", KindSwitch, "plug", []byte(`ON`)); err != nil {
		t.Fatalf("IngestState() error = %v", err)
	}

	var notified int
	store.OnStateChange(func(StateChange) { notified++ })

	repo.updateStateErr = errors.New("disk full")
	if _, err := store.IngestState(ctx, "h1", "node1", KindSwitch, "plug", []byte(`OFF`)); err == nil {
		t.Fatal("IngestState() should surface repository failure")
	}
	if notified != 0 {
		t.Error("failed ingest must not notify subscribers")
	}

	// Cached state keeps the last accepted value.
	ent, _ := store.GetEntity(ctx, mustEntityID(t, store, ctx, "h1", "node1", KindSwitch, "plug"))
	if ent.State["value"] != "ON" {
		t.Errorf("State = %v, want last accepted ON", ent.State)
	}
}

// mustEntityID resolves an entity ID through the snapshot API.
func mustEntityID(t *testing.T, store *Store, ctx context.Context, homeID, node string, kind Kind, name string) string {
	t.Helper()
	snaps, err := store.Snapshot(ctx, homeID)
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	for _, snap := range snaps {
		if snap.Device.NodeName != node {
			continue
		}
		for _, e := range snap.Entities {
			if e.Kind == kind && e.Name == name {
				return e.ID
			}
		}
	}
	t.Fatalf("entity %s/%s/%s/%s not found", homeID, node, kind, name)
	return ""
}

// ─── Status Ingest ───────────────────────────────────────────────────────────

func TestIngestStatus(t *testing.T) {
	store := NewStore(newMockRepository())
	ctx := context.Background()

	var got []StatusChange
	store.OnStatusChange(func(ch StatusChange) { got = append(got, ch) })

	change, err := store.IngestState(ctx, "h1", "node1", KindLight, "ceiling", []byte(`{"power": true}`))
	if err != nil {
		t.Fatalf("IngestState() error = %v", err)
	}

	status, err := store.IngestStatus(ctx, "h1", "node1", []byte("offline"))
	if err != nil {
		t.Fatalf("IngestStatus() error = %v", err)
	}
	if status.Online {
		t.Error("Online = true, want false")
	}

	dev, _ := store.GetDevice(ctx, change.DeviceID)
	if dev.Online {
		t.Error("device still online after offline status")
	}

	if len(got) != 1 || got[0].DeviceID != change.DeviceID {
		t.Errorf("status subscriber got %v, want one change for %s", got, change.DeviceID)
	}
}

func TestIngestStatus_UnknownDevice(t *testing.T) {
	store := NewStore(newMockRepository())

	_, err := store.IngestStatus(context.Background(), "h1", "ghost", []byte("online"))
	if !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("IngestStatus() error = %v, want ErrDeviceNotFound", err)
	}
	if store.DeviceCount() != 0 {
		t.Error("status ingest must never create a device")
	}
}

// ─── Stale Sweep ─────────────────────────────────────────────────────────────

func TestMarkStaleOffline(t *testing.T) {
	repo := newMockRepository()
	store := NewStore(repo)
	ctx := context.Background()

	fresh, err := store.IngestState(ctx, "h1", "node-fresh", KindSwitch, "plug", []byte(`ON`))
	if err != nil {
		t.Fatalf("IngestState() error = %v", err)
	}
	stale, err := store.IngestState(ctx, "h1", "node-stale", KindSwitch, "plug", []byte(`ON`))
	if err != nil {
		t.Fatalf("IngestState() error = %v", err)
	}

	// Age the stale device well past any threshold.
	old := time.Now().UTC().Add(-time.Hour)
	repo.mu.Lock()
	repo.devices[stale.DeviceID].LastSeen = &old
	repo.mu.Unlock()

	var flips []StatusChange
	store.OnStatusChange(func(ch StatusChange) { flips = append(flips, ch) })

	count, err := store.MarkStaleOffline(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("MarkStaleOffline() error = %v", err)
	}
	if count != 1 {
		t.Fatalf("MarkStaleOffline() = %d, want 1", count)
	}
	if len(flips) != 1 || flips[0].DeviceID != stale.DeviceID || flips[0].Online {
		t.Errorf("flips = %v, want one offline change for %s", flips, stale.DeviceID)
	}

	freshDev, _ := store.GetDevice(ctx, fresh.DeviceID)
	if !freshDev.Online {
		t.Error("fresh device flipped offline")
	}

	// Second sweep finds nothing; already-offline devices are untouched.
	count, err = store.MarkStaleOffline(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("MarkStaleOffline() error = %v", err)
	}
	if count != 0 {
		t.Errorf("second sweep = %d, want 0", count)
	}
}

// ─── Read API ────────────────────────────────────────────────────────────────

func TestGetEntity_Isolation(t *testing.T) {
	store := NewStore(newMockRepository())
	ctx := context.Background()

	change, err := store.IngestState(ctx, "h1", "node1", KindLight, "ceiling", []byte(`{"power": true}`))
	if err != nil {
		t.Fatalf("IngestState() error = %v", err)
	}

	ent, _ := store.GetEntity(ctx, change.EntityID)
	ent.State["power"] = false

	again, _ := store.GetEntity(ctx, change.EntityID)
	if again.State["power"] != true {
		t.Error("mutating a returned entity changed the cache")
	}
}

func TestGetEntityValue(t *testing.T) {
	store := NewStore(newMockRepository())
	ctx := context.Background()

	change, err := store.IngestState(ctx, "h1", "node1", KindSensor, "climate", []byte(`{"temperature": 21.5}`))
	if err != nil {
		t.Fatalf("IngestState() error = %v", err)
	}

	v, ok, err := store.GetEntityValue(ctx, change.EntityID, "temperature")
	if err != nil || !ok {
		t.Fatalf("GetEntityValue() = (%v, %v, %v)", v, ok, err)
	}
	if v != 21.5 {
		t.Errorf("value = %v, want 21.5", v)
	}

	_, ok, err = store.GetEntityValue(ctx, change.EntityID, "missing")
	if err != nil {
		t.Fatalf("GetEntityValue() error = %v", err)
	}
	if ok {
		t.Error("missing attribute reported present")
	}
}

func TestSnapshot(t *testing.T) {
	store := NewStore(newMockRepository())
	ctx := context.Background()

	payloads := []struct {
		node string
		kind Kind
		name string
	}{
		{"node-b", KindLight, "ceiling"},
		{"node-a", KindSensor, "climate"},
		{"node-a", KindLight, "lamp"},
	}
	for _, p := range payloads {
		if _, err := store.IngestState(ctx, "h1", p.node, p.kind, p.name, []byte(`{"power": true}`)); err != nil {
			t.Fatalf("IngestState() error = %v", err)
		}
	}
	// A second home must not leak into the snapshot.
	if _, err := store.IngestState(ctx, "h2", "other", KindSwitch, "plug", []byte(`ON`)); err != nil {
		t.Fatalf("IngestState() error = %v", err)
	}

	snaps, err := store.Snapshot(ctx, "h1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	if len(snaps) != 2 {
		t.Fatalf("Snapshot() returned %d devices, want 2", len(snaps))
	}
	if snaps[0].Device.NodeName != "node-a" || snaps[1].Device.NodeName != "node-b" {
		t.Errorf("snapshot order = [%s, %s], want node name order", snaps[0].Device.NodeName, snaps[1].Device.NodeName)
	}
	if len(snaps[0].Entities) != 2 {
		t.Errorf("node-a has %d entities, want 2", len(snaps[0].Entities))
	}
}

func TestWarm(t *testing.T) {
	repo := newMockRepository()
	seed := NewStore(repo)
	ctx := context.Background()

	if _, err := seed.IngestState(ctx, "h1", "node1", KindLight, "ceiling", []byte(`{"power": true}`)); err != nil {
		t.Fatalf("IngestState() error = %v", err)
	}

	// Fresh store over the same repository sees everything after Warm.
	store := NewStore(repo)
	if err := store.Warm(ctx); err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	if store.DeviceCount() != 1 || store.EntityCount() != 1 {
		t.Errorf("counts after Warm = (%d, %d), want (1, 1)", store.DeviceCount(), store.EntityCount())
	}
}

// ─── Concurrency ─────────────────────────────────────────────────────────────

func TestIngestState_ConcurrentSameAddress(t *testing.T) {
	store := NewStore(newMockRepository())
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	errs := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.IngestState(ctx, "h1", "node1", KindSwitch, "plug", []byte(`ON`))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("concurrent IngestState() error = %v", err)
		}
	}

	// Racing ingests for one address must converge on one device and entity.
	if store.DeviceCount() != 1 || store.EntityCount() != 1 {
		t.Errorf("counts = (%d, %d), want (1, 1)", store.DeviceCount(), store.EntityCount())
	}
}
