package device

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"sync"
	"time"
)

// Logger defines the logging interface used by the Store.
// This allows different logging implementations to be used.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// noopLogger is a logger that does nothing.
type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// stripeCount is the number of ingest stripes. Power of two so the
// FNV hash distributes evenly with a modulo.
const stripeCount = 32

// Store is the authoritative registry of devices and entities.
//
// It wraps a Repository with an in-memory cache for fast lookups and
// implements auto-discovery: devices and entities are created on first
// sight of a state message, never by explicit registration.
//
// Ingest for the same entity address is serialized on a stripe lock.
// Callers that need strict per-entity notification ordering must also
// serialize their calls per entity (the ingest dispatcher does).
//
// All public methods are thread-safe.
type Store struct {
	repo   Repository
	logger Logger

	// cacheMu protects the four lookup maps.
	cacheMu       sync.RWMutex
	devicesByID   map[string]*Device
	devicesByAddr map[string]*Device // homeID + "/" + nodeName
	entitiesByID  map[string]*Entity
	entityByAddr  map[string]*Entity // deviceID + "/" + kind + "/" + name

	// stripes serialize get-or-create for one entity address.
	stripes [stripeCount]sync.Mutex

	// subsMu protects the subscriber slices. Subscribers are expected
	// to be registered during startup, before ingest begins.
	subsMu     sync.RWMutex
	stateSubs  []func(StateChange)
	statusSubs []func(StatusChange)
}

// NewStore creates a new device store backed by the given repository.
func NewStore(repo Repository) *Store {
	return &Store{
		repo:          repo,
		logger:        noopLogger{},
		devicesByID:   make(map[string]*Device),
		devicesByAddr: make(map[string]*Device),
		entitiesByID:  make(map[string]*Entity),
		entityByAddr:  make(map[string]*Entity),
	}
}

// SetLogger sets the logger for the store.
func (s *Store) SetLogger(logger Logger) {
	s.logger = logger
}

// Warm loads all devices and entities from the repository into the cache.
// This should be called on application startup.
func (s *Store) Warm(ctx context.Context) error {
	devices, err := s.repo.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("loading devices: %w", err)
	}

	entities, err := s.repo.ListEntities(ctx)
	if err != nil {
		return fmt.Errorf("loading entities: %w", err)
	}

	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	s.devicesByID = make(map[string]*Device, len(devices))
	s.devicesByAddr = make(map[string]*Device, len(devices))
	for i := range devices {
		d := devices[i].DeepCopy()
		s.devicesByID[d.ID] = d
		s.devicesByAddr[deviceKey(d.HomeID, d.NodeName)] = d
	}

	s.entitiesByID = make(map[string]*Entity, len(entities))
	s.entityByAddr = make(map[string]*Entity, len(entities))
	for i := range entities {
		e := entities[i].DeepCopy()
		s.entitiesByID[e.ID] = e
		s.entityByAddr[entityKey(e.DeviceID, e.Kind, e.Name)] = e
	}

	s.logger.Info("device cache warmed", "devices", len(devices), "entities", len(entities))
	return nil
}

// OnStateChange registers a callback invoked after every accepted state
// ingest. Register all subscribers before ingest begins.
func (s *Store) OnStateChange(fn func(StateChange)) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.stateSubs = append(s.stateSubs, fn)
}

// OnStatusChange registers a callback invoked after every accepted device
// status change, including offline sweeps.
func (s *Store) OnStatusChange(fn func(StatusChange)) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.statusSubs = append(s.statusSubs, fn)
}

// IngestState processes one state message for the addressed entity.
//
// The device and entity are created on first sight. Capabilities are
// inferred from the first payload only. The entity's state is replaced
// wholesale, the attribute rows are fanned out, and subscribers are
// notified with the previous snapshot and the changed keys.
//
// Any state traffic also marks the device online and refreshes last_seen.
func (s *Store) IngestState(ctx context.Context, homeID, nodeName string, kind Kind, entityName string, payload []byte) (*StateChange, error) {
	newState, err := ParseStatePayload(payload)
	if err != nil {
		return nil, err
	}

	stripe := s.stripeFor(homeID, nodeName, kind, entityName)
	stripe.Lock()

	now := time.Now().UTC()

	dev, isNewDevice, err := s.getOrCreateDevice(ctx, homeID, nodeName, now)
	if err != nil {
		stripe.Unlock()
		return nil, err
	}

	ent, isNewEntity, err := s.getOrCreateEntity(ctx, dev.ID, kind, entityName, newState, now)
	if err != nil {
		stripe.Unlock()
		return nil, err
	}

	prev := ent.State
	var changed []string
	if !isNewEntity {
		changed = changedKeys(prev, newState)

		if err := s.repo.UpdateEntityState(ctx, ent.ID, newState, now); err != nil {
			stripe.Unlock()
			return nil, err
		}
	} else {
		prev = nil
		changed = changedKeys(nil, newState)
	}

	if err := s.repo.UpsertAttributes(ctx, ent.ID, newState, now); err != nil {
		// Attribute fan-out is secondary to the state row; log and continue.
		s.logger.Warn("attribute fan-out failed", "entity_id", ent.ID, "error", err)
	}

	// Refresh cached copies.
	s.cacheMu.Lock()
	cachedEnt := ent.DeepCopy()
	cachedEnt.State = deepCopyMap(newState)
	cachedEnt.StateUpdated = &now
	s.entitiesByID[cachedEnt.ID] = cachedEnt
	s.entityByAddr[entityKey(cachedEnt.DeviceID, cachedEnt.Kind, cachedEnt.Name)] = cachedEnt

	cachedDev := dev.DeepCopy()
	cachedDev.Online = true
	cachedDev.LastSeen = &now
	s.devicesByID[cachedDev.ID] = cachedDev
	s.devicesByAddr[deviceKey(cachedDev.HomeID, cachedDev.NodeName)] = cachedDev
	s.cacheMu.Unlock()

	stripe.Unlock()

	change := StateChange{
		HomeID:      homeID,
		NodeName:    nodeName,
		DeviceID:    dev.ID,
		EntityID:    ent.ID,
		EntityKind:  kind,
		EntityName:  entityName,
		ChangedKeys: changed,
		NewState:    deepCopyMap(newState),
		Previous:    deepCopyMap(prev),
		Online:      true,
		IsNewDevice: isNewDevice,
		IsNewEntity: isNewEntity,
	}

	s.notifyState(change)
	return &change, nil
}

// IngestStatus processes one device status message.
//
// Unlike state ingest, status never creates a device: a status for an
// unknown (home, node) pair returns ErrDeviceNotFound and is dropped.
func (s *Store) IngestStatus(ctx context.Context, homeID, nodeName string, payload []byte) (*StatusChange, error) {
	online, err := ParseStatusPayload(payload)
	if err != nil {
		return nil, err
	}

	dev, err := s.getDeviceByAddress(ctx, homeID, nodeName)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	if err := s.repo.UpdateDeviceStatus(ctx, dev.ID, online, now); err != nil {
		return nil, err
	}

	s.cacheMu.Lock()
	cached := dev.DeepCopy()
	cached.Online = online
	cached.LastSeen = &now
	s.devicesByID[cached.ID] = cached
	s.devicesByAddr[deviceKey(cached.HomeID, cached.NodeName)] = cached
	s.cacheMu.Unlock()

	change := StatusChange{
		HomeID:   homeID,
		NodeName: nodeName,
		DeviceID: dev.ID,
		Online:   online,
	}

	s.notifyStatus(change)
	s.logger.Debug("device status updated", "device_id", dev.ID, "online", online)
	return &change, nil
}

// MarkStaleOffline flips every online device not seen within threshold
// to offline, notifying status subscribers for each. Returns the number
// of devices flipped. Devices already offline are untouched, so repeated
// sweeps are idempotent.
func (s *Store) MarkStaleOffline(ctx context.Context, threshold time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-threshold)

	flipped, err := s.repo.MarkStaleOffline(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if len(flipped) == 0 {
		return 0, nil
	}

	s.cacheMu.Lock()
	for i := range flipped {
		d := flipped[i].DeepCopy()
		s.devicesByID[d.ID] = d
		s.devicesByAddr[deviceKey(d.HomeID, d.NodeName)] = d
	}
	s.cacheMu.Unlock()

	for i := range flipped {
		s.notifyStatus(StatusChange{
			HomeID:   flipped[i].HomeID,
			NodeName: flipped[i].NodeName,
			DeviceID: flipped[i].ID,
			Online:   false,
		})
	}

	s.logger.Info("stale devices marked offline", "count", len(flipped))
	return len(flipped), nil
}

// ─── Read API ────────────────────────────────────────────────────────────────

// GetDevice retrieves a device by ID.
// The returned device is a deep copy; callers can safely modify it.
func (s *Store) GetDevice(ctx context.Context, id string) (*Device, error) {
	s.cacheMu.RLock()
	cached, ok := s.devicesByID[id]
	s.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}

	dev, err := s.repo.GetDeviceByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMu.Lock()
	s.devicesByID[dev.ID] = dev.DeepCopy()
	s.devicesByAddr[deviceKey(dev.HomeID, dev.NodeName)] = s.devicesByID[dev.ID]
	s.cacheMu.Unlock()

	return dev, nil
}

// GetEntity retrieves an entity by ID.
// The returned entity is a deep copy; callers can safely modify it.
func (s *Store) GetEntity(ctx context.Context, id string) (*Entity, error) {
	s.cacheMu.RLock()
	cached, ok := s.entitiesByID[id]
	s.cacheMu.RUnlock()

	if ok {
		return cached.DeepCopy(), nil
	}

	ent, err := s.repo.GetEntityByID(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheMu.Lock()
	s.entitiesByID[ent.ID] = ent.DeepCopy()
	s.entityByAddr[entityKey(ent.DeviceID, ent.Kind, ent.Name)] = s.entitiesByID[ent.ID]
	s.cacheMu.Unlock()

	return ent, nil
}

// GetEntityValue returns one attribute of an entity's current state.
// The second return reports whether the key is present.
func (s *Store) GetEntityValue(ctx context.Context, entityID, attribute string) (any, bool, error) {
	ent, err := s.GetEntity(ctx, entityID)
	if err != nil {
		return nil, false, err
	}
	v, ok := ent.State[attribute]
	return v, ok, nil
}

// ResolveAddress returns the device and entity for an entity ID, giving
// callers everything needed to build the entity's command topic.
func (s *Store) ResolveAddress(ctx context.Context, entityID string) (*Device, *Entity, error) {
	ent, err := s.GetEntity(ctx, entityID)
	if err != nil {
		return nil, nil, err
	}

	dev, err := s.GetDevice(ctx, ent.DeviceID)
	if err != nil {
		return nil, nil, err
	}

	return dev, ent, nil
}

// DeviceSnapshot pairs a device with its entities for inventory listings.
type DeviceSnapshot struct {
	Device   Device   `json:"device"`
	Entities []Entity `json:"entities"`
}

// Snapshot returns every device in a home with its entities, ordered by
// node name. All values are deep copies.
func (s *Store) Snapshot(ctx context.Context, homeID string) ([]DeviceSnapshot, error) {
	s.cacheMu.RLock()

	var devices []*Device
	for _, d := range s.devicesByAddr {
		if d.HomeID == homeID {
			devices = append(devices, d.DeepCopy())
		}
	}

	byDevice := make(map[string][]Entity)
	for _, e := range s.entitiesByID {
		byDevice[e.DeviceID] = append(byDevice[e.DeviceID], *e.DeepCopy())
	}
	s.cacheMu.RUnlock()

	sort.Slice(devices, func(i, j int) bool {
		return devices[i].NodeName < devices[j].NodeName
	})

	snapshots := make([]DeviceSnapshot, 0, len(devices))
	for _, d := range devices {
		ents := byDevice[d.ID]
		sort.Slice(ents, func(i, j int) bool {
			if ents[i].Kind != ents[j].Kind {
				return ents[i].Kind < ents[j].Kind
			}
			return ents[i].Name < ents[j].Name
		})
		snapshots = append(snapshots, DeviceSnapshot{Device: *d, Entities: ents})
	}

	return snapshots, nil
}

// DeviceCount returns the number of cached devices.
func (s *Store) DeviceCount() int {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return len(s.devicesByID)
}

// EntityCount returns the number of cached entities.
func (s *Store) EntityCount() int {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()
	return len(s.entitiesByID)
}

// ─── Internals ───────────────────────────────────────────────────────────────

// getOrCreateDevice returns the device at (homeID, nodeName), creating it
// online with last_seen set when it does not exist yet. Existing devices
// get their liveness refreshed; any state traffic implies the node is up.
func (s *Store) getOrCreateDevice(ctx context.Context, homeID, nodeName string, now time.Time) (*Device, bool, error) {
	dev, err := s.getDeviceByAddress(ctx, homeID, nodeName)
	if err == nil {
		if updErr := s.repo.UpdateDeviceStatus(ctx, dev.ID, true, now); updErr != nil {
			return nil, false, updErr
		}
		dev.Online = true
		dev.LastSeen = &now
		return dev, false, nil
	}
	if !errors.Is(err, ErrDeviceNotFound) {
		return nil, false, err
	}

	dev = &Device{
		ID:       GenerateID(),
		HomeID:   homeID,
		NodeName: nodeName,
		Name:     nodeName,
		Online:   true,
		LastSeen: &now,
	}
	if err := s.repo.CreateDevice(ctx, dev); err != nil {
		// Lost a race with another ingest stripe for the same node.
		if errors.Is(err, ErrDeviceExists) {
			existing, getErr := s.repo.GetDeviceByAddress(ctx, homeID, nodeName)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	s.logger.Info("device discovered", "home_id", homeID, "node_name", nodeName, "device_id", dev.ID)
	return dev, true, nil
}

// getOrCreateEntity returns the entity at (deviceID, kind, name), creating
// it from the first payload when it does not exist yet.
func (s *Store) getOrCreateEntity(ctx context.Context, deviceID string, kind Kind, name string, first State, now time.Time) (*Entity, bool, error) {
	s.cacheMu.RLock()
	cached, ok := s.entityByAddr[entityKey(deviceID, kind, name)]
	s.cacheMu.RUnlock()
	if ok {
		return cached.DeepCopy(), false, nil
	}

	ent, err := s.repo.GetEntityByAddress(ctx, deviceID, kind, name)
	if err == nil {
		return ent, false, nil
	}
	if !errors.Is(err, ErrEntityNotFound) {
		return nil, false, err
	}

	ent = &Entity{
		ID:           GenerateID(),
		DeviceID:     deviceID,
		Kind:         kind,
		Name:         name,
		Capabilities: InferCapabilities(kind, first),
		Controllable: kind.IsControllable(),
		State:        deepCopyMap(first),
		StateUpdated: &now,
	}
	if err := s.repo.CreateEntity(ctx, ent); err != nil {
		if errors.Is(err, ErrEntityExists) {
			existing, getErr := s.repo.GetEntityByAddress(ctx, deviceID, kind, name)
			if getErr != nil {
				return nil, false, getErr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	s.logger.Info("entity discovered",
		"device_id", deviceID, "kind", kind, "name", name,
		"entity_id", ent.ID, "capabilities", ent.Capabilities)
	return ent, true, nil
}

// getDeviceByAddress checks the cache, then the repository.
func (s *Store) getDeviceByAddress(ctx context.Context, homeID, nodeName string) (*Device, error) {
	s.cacheMu.RLock()
	cached, ok := s.devicesByAddr[deviceKey(homeID, nodeName)]
	s.cacheMu.RUnlock()
	if ok {
		return cached.DeepCopy(), nil
	}

	return s.repo.GetDeviceByAddress(ctx, homeID, nodeName)
}

func (s *Store) notifyState(change StateChange) {
	s.subsMu.RLock()
	subs := s.stateSubs
	s.subsMu.RUnlock()

	for _, fn := range subs {
		fn(change)
	}
}

func (s *Store) notifyStatus(change StatusChange) {
	s.subsMu.RLock()
	subs := s.statusSubs
	s.subsMu.RUnlock()

	for _, fn := range subs {
		fn(change)
	}
}

// stripeFor maps an entity address to its ingest stripe.
func (s *Store) stripeFor(homeID, nodeName string, kind Kind, name string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(homeID))
	h.Write([]byte{'/'})
	h.Write([]byte(nodeName))
	h.Write([]byte{'/'})
	h.Write([]byte(kind))
	h.Write([]byte{'/'})
	h.Write([]byte(name))
	return &s.stripes[h.Sum32()%stripeCount]
}

// changedKeys lists keys of next whose value differs from prev, plus keys
// new in next. Removed keys do not count; the state is replaced wholesale
// so subscribers see the full new map regardless.
func changedKeys(prev, next State) []string {
	keys := make([]string, 0, len(next))
	for k, v := range next {
		old, ok := prev[k]
		if !ok || fmt.Sprint(old) != fmt.Sprint(v) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func deviceKey(homeID, nodeName string) string {
	return homeID + "/" + nodeName
}

func entityKey(deviceID string, kind Kind, name string) string {
	return deviceID + "/" + string(kind) + "/" + name
}
