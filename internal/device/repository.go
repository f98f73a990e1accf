package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the interface for device and entity persistence.
// This abstraction allows for different implementations (SQLite, mock, etc.)
// and enables unit testing without database dependencies.
type Repository interface {
	// GetDeviceByID retrieves a device by its unique identifier.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetDeviceByID(ctx context.Context, id string) (*Device, error)

	// GetDeviceByAddress retrieves a device by its (home_id, node_name) pair.
	// Returns ErrDeviceNotFound if the device does not exist.
	GetDeviceByAddress(ctx context.Context, homeID, nodeName string) (*Device, error)

	// ListDevices retrieves all devices, across every home.
	ListDevices(ctx context.Context) ([]Device, error)

	// ListDevicesByHome retrieves all devices registered to one home.
	ListDevicesByHome(ctx context.Context, homeID string) ([]Device, error)

	// CreateDevice inserts a new device.
	// Returns ErrDeviceExists on a duplicate ID or (home_id, node_name) pair.
	CreateDevice(ctx context.Context, d *Device) error

	// UpdateDeviceStatus updates the online flag and last-seen timestamp.
	// Returns ErrDeviceNotFound if the device does not exist.
	UpdateDeviceStatus(ctx context.Context, id string, online bool, lastSeen time.Time) error

	// MarkStaleOffline flips every online device whose last_seen is older
	// than cutoff (or was never set) to offline, returning the flipped
	// devices. Devices already offline are untouched.
	MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]Device, error)

	// GetEntityByID retrieves an entity by its unique identifier.
	// Returns ErrEntityNotFound if the entity does not exist.
	GetEntityByID(ctx context.Context, id string) (*Entity, error)

	// GetEntityByAddress retrieves an entity by its (device_id, kind, name) triple.
	// Returns ErrEntityNotFound if the entity does not exist.
	GetEntityByAddress(ctx context.Context, deviceID string, kind Kind, name string) (*Entity, error)

	// ListEntities retrieves all entities, across every device.
	ListEntities(ctx context.Context) ([]Entity, error)

	// ListEntitiesByDevice retrieves all entities belonging to one device.
	ListEntitiesByDevice(ctx context.Context, deviceID string) ([]Entity, error)

	// CreateEntity inserts a new entity.
	// Returns ErrEntityExists on a duplicate ID or (device_id, kind, name) triple.
	CreateEntity(ctx context.Context, e *Entity) error

	// UpdateEntityState replaces the entity's state wholesale.
	// Returns ErrEntityNotFound if the entity does not exist.
	UpdateEntityState(ctx context.Context, id string, state State, at time.Time) error

	// UpsertAttributes fans the state map out to entity_attributes rows,
	// one row per key, inserting or replacing as needed.
	UpsertAttributes(ctx context.Context, entityID string, state State, at time.Time) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
// The db parameter should be an open SQLite connection.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// ─── Devices ─────────────────────────────────────────────────────────────────

const deviceColumns = `id, home_id, node_name, name, online, last_seen, created_at, updated_at`

// GetDeviceByID retrieves a device by its unique identifier.
func (r *SQLiteRepository) GetDeviceByID(ctx context.Context, id string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE id = ?`

	d, err := scanDevice(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by id: %w", err)
	}
	return d, nil
}

// GetDeviceByAddress retrieves a device by its (home_id, node_name) pair.
func (r *SQLiteRepository) GetDeviceByAddress(ctx context.Context, homeID, nodeName string) (*Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE home_id = ? AND node_name = ?`

	d, err := scanDevice(r.db.QueryRowContext(ctx, query, homeID, nodeName))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDeviceNotFound
		}
		return nil, fmt.Errorf("querying device by address: %w", err)
	}
	return d, nil
}

// ListDevices retrieves all devices, across every home.
func (r *SQLiteRepository) ListDevices(ctx context.Context) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices ORDER BY node_name`
	return r.queryDevices(ctx, query)
}

// ListDevicesByHome retrieves all devices registered to one home.
func (r *SQLiteRepository) ListDevicesByHome(ctx context.Context, homeID string) ([]Device, error) {
	query := `SELECT ` + deviceColumns + ` FROM devices WHERE home_id = ? ORDER BY node_name`
	return r.queryDevices(ctx, query, homeID)
}

// CreateDevice inserts a new device.
func (r *SQLiteRepository) CreateDevice(ctx context.Context, d *Device) error {
	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now

	query := `
		INSERT INTO devices (id, home_id, node_name, name, online, last_seen, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		d.ID,
		d.HomeID,
		d.NodeName,
		d.Name,
		boolToInt(d.Online),
		nullableTime(d.LastSeen),
		d.CreatedAt.Format(time.RFC3339),
		d.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrDeviceExists
		}
		return fmt.Errorf("inserting device: %w", err)
	}

	return nil
}

// UpdateDeviceStatus updates the online flag and last-seen timestamp.
func (r *SQLiteRepository) UpdateDeviceStatus(ctx context.Context, id string, online bool, lastSeen time.Time) error {
	now := time.Now().UTC()
	query := `
		UPDATE devices
		SET online = ?, last_seen = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query,
		boolToInt(online),
		lastSeen.UTC().Format(time.RFC3339),
		now.Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating device status: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrDeviceNotFound
	}

	return nil
}

// MarkStaleOffline flips stale online devices to offline and returns them.
func (r *SQLiteRepository) MarkStaleOffline(ctx context.Context, cutoff time.Time) ([]Device, error) {
	cutoffStr := cutoff.UTC().Format(time.RFC3339)

	// Select first so the flipped devices can be reported; the sweep runs
	// on one goroutine so the read-then-write is not racy.
	selectQuery := `
		SELECT ` + deviceColumns + `
		FROM devices
		WHERE online = 1 AND (last_seen IS NULL OR last_seen < ?)`

	stale, err := r.queryDevices(ctx, selectQuery, cutoffStr)
	if err != nil {
		return nil, err
	}
	if len(stale) == 0 {
		return nil, nil
	}

	now := time.Now().UTC().Format(time.RFC3339)
	updateQuery := `
		UPDATE devices
		SET online = 0, updated_at = ?
		WHERE online = 1 AND (last_seen IS NULL OR last_seen < ?)`

	if _, err := r.db.ExecContext(ctx, updateQuery, now, cutoffStr); err != nil {
		return nil, fmt.Errorf("marking stale devices offline: %w", err)
	}

	for i := range stale {
		stale[i].Online = false
	}
	return stale, nil
}

// ─── Entities ────────────────────────────────────────────────────────────────

const entityColumns = `id, device_id, kind, name, capabilities, controllable, current_state, state_updated, created_at, updated_at`

// GetEntityByID retrieves an entity by its unique identifier.
func (r *SQLiteRepository) GetEntityByID(ctx context.Context, id string) (*Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE id = ?`

	e, err := scanEntity(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("querying entity by id: %w", err)
	}
	return e, nil
}

// GetEntityByAddress retrieves an entity by its (device_id, kind, name) triple.
func (r *SQLiteRepository) GetEntityByAddress(ctx context.Context, deviceID string, kind Kind, name string) (*Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE device_id = ? AND kind = ? AND name = ?`

	e, err := scanEntity(r.db.QueryRowContext(ctx, query, deviceID, string(kind), name))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEntityNotFound
		}
		return nil, fmt.Errorf("querying entity by address: %w", err)
	}
	return e, nil
}

// ListEntities retrieves all entities, across every device.
func (r *SQLiteRepository) ListEntities(ctx context.Context) ([]Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities ORDER BY device_id, kind, name`
	return r.queryEntities(ctx, query)
}

// ListEntitiesByDevice retrieves all entities belonging to one device.
func (r *SQLiteRepository) ListEntitiesByDevice(ctx context.Context, deviceID string) ([]Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE device_id = ? ORDER BY kind, name`
	return r.queryEntities(ctx, query, deviceID)
}

// CreateEntity inserts a new entity.
func (r *SQLiteRepository) CreateEntity(ctx context.Context, e *Entity) error {
	capsJSON, err := json.Marshal(e.Capabilities)
	if err != nil {
		return fmt.Errorf("marshalling capabilities: %w", err)
	}

	stateJSON, err := json.Marshal(e.State)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	query := `
		INSERT INTO entities (id, device_id, kind, name, capabilities, controllable, current_state, state_updated, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, query,
		e.ID,
		e.DeviceID,
		string(e.Kind),
		e.Name,
		string(capsJSON),
		boolToInt(e.Controllable),
		string(stateJSON),
		nullableTime(e.StateUpdated),
		e.CreatedAt.Format(time.RFC3339),
		e.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrEntityExists
		}
		return fmt.Errorf("inserting entity: %w", err)
	}

	return nil
}

// UpdateEntityState replaces the entity's state wholesale.
func (r *SQLiteRepository) UpdateEntityState(ctx context.Context, id string, state State, at time.Time) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	atStr := at.UTC().Format(time.RFC3339)
	query := `
		UPDATE entities
		SET current_state = ?, state_updated = ?, updated_at = ?
		WHERE id = ?`

	result, err := r.db.ExecContext(ctx, query, string(stateJSON), atStr, atStr, id)
	if err != nil {
		return fmt.Errorf("updating entity state: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrEntityNotFound
	}

	return nil
}

// UpsertAttributes fans the state map out to entity_attributes rows.
func (r *SQLiteRepository) UpsertAttributes(ctx context.Context, entityID string, state State, at time.Time) error {
	if len(state) == 0 {
		return nil
	}

	atStr := at.UTC().Format(time.RFC3339)
	query := `
		INSERT INTO entity_attributes (id, entity_id, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(entity_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`

	for key, value := range state {
		if _, err := r.db.ExecContext(ctx, query,
			GenerateID(),
			entityID,
			key,
			attributeString(value),
			atStr,
		); err != nil {
			return fmt.Errorf("upserting attribute %q: %w", key, err)
		}
	}

	return nil
}

// ─── Scanning ────────────────────────────────────────────────────────────────

// queryDevices executes a query and returns a slice of devices.
func (r *SQLiteRepository) queryDevices(ctx context.Context, query string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		devices = append(devices, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}

	return devices, nil
}

// queryEntities executes a query and returns a slice of entities.
func (r *SQLiteRepository) queryEntities(ctx context.Context, query string, args ...any) ([]Entity, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying entities: %w", err)
	}
	defer rows.Close()

	var entities []Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		entities = append(entities, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating entities: %w", err)
	}

	return entities, nil
}

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanDevice scans a row or rows result into a Device.
func scanDevice(scanner rowScanner) (*Device, error) {
	var d Device
	var online int
	var lastSeen sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(
		&d.ID,
		&d.HomeID,
		&d.NodeName,
		&d.Name,
		&online,
		&lastSeen,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	d.Online = online != 0

	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
			d.LastSeen = &t
		}
	}

	var parseErr error
	d.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	d.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	return &d, nil
}

// scanEntity scans a row or rows result into an Entity.
func scanEntity(scanner rowScanner) (*Entity, error) {
	var e Entity
	var kind string
	var controllable int
	var capsJSON, stateJSON string
	var stateUpdated sql.NullString
	var createdAt, updatedAt string

	err := scanner.Scan(
		&e.ID,
		&e.DeviceID,
		&kind,
		&e.Name,
		&capsJSON,
		&controllable,
		&stateJSON,
		&stateUpdated,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Kind = Kind(kind)
	e.Controllable = controllable != 0

	if stateUpdated.Valid {
		if t, err := time.Parse(time.RFC3339, stateUpdated.String); err == nil {
			e.StateUpdated = &t
		}
	}

	var parseErr error
	e.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	e.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	if err := json.Unmarshal([]byte(capsJSON), &e.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshalling capabilities: %w", err)
	}

	if err := json.Unmarshal([]byte(stateJSON), &e.State); err != nil {
		return nil, fmt.Errorf("unmarshalling state: %w", err)
	}

	return &e, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// attributeString renders a state value for the entity_attributes value column.
// Maps and slices are stored as compact JSON, everything else via Sprint.
func attributeString(v any) string {
	switch v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// nullableTime returns a sql.NullString for optional time pointers (as RFC3339 strings).
func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

// boolToInt converts a boolean to 0/1 for SQLite storage.
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueConstraintError checks if an error is a SQLite unique constraint violation.
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "unique constraint")
}
