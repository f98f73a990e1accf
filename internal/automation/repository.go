package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Repository defines the persistence interface for rules, scenes and
// execution records. The engine only ever needs two queries beyond CRUD:
// "enabled rules matching entity X attribute Y" and "last execution for
// rule R".
type Repository interface {
	// CreateAutomation inserts a rule with its triggers and actions in
	// one transaction. Returns ErrAutomationExists on a duplicate ID.
	CreateAutomation(ctx context.Context, a *Automation) error

	// GetAutomation retrieves a rule with triggers and actions loaded.
	// Returns ErrAutomationNotFound if the rule does not exist.
	GetAutomation(ctx context.Context, id string) (*Automation, error)

	// ListAutomationsByHome retrieves all rules of one home.
	ListAutomationsByHome(ctx context.Context, homeID string) ([]Automation, error)

	// ListEnabledByStateTrigger retrieves enabled rules carrying a state
	// trigger on the given entity and attribute.
	ListEnabledByStateTrigger(ctx context.Context, entityID, attribute string) ([]Automation, error)

	// ListEnabledWithClockTriggers retrieves enabled rules carrying at
	// least one time or sun trigger.
	ListEnabledWithClockTriggers(ctx context.Context) ([]Automation, error)

	// SetAutomationEnabled flips a rule's enabled flag.
	SetAutomationEnabled(ctx context.Context, id string, enabled bool) error

	// DeleteAutomation removes a rule and, via cascade, its triggers,
	// actions and execution records.
	DeleteAutomation(ctx context.Context, id string) error

	// LastExecution returns the newest execution record for a rule, or
	// (nil, nil) when the rule has never fired.
	LastExecution(ctx context.Context, automationID string) (*ExecutionRecord, error)

	// RecordExecution appends an immutable execution record.
	RecordExecution(ctx context.Context, rec *ExecutionRecord) error

	// ListExecutions returns the newest execution records for a rule.
	ListExecutions(ctx context.Context, automationID string, limit int) ([]ExecutionRecord, error)

	// CreateScene inserts a scene with its actions in one transaction.
	// Returns ErrSceneExists on a duplicate ID.
	CreateScene(ctx context.Context, s *Scene) error

	// GetScene retrieves a scene with its actions in stored order.
	// Returns ErrSceneNotFound if the scene does not exist.
	GetScene(ctx context.Context, id string) (*Scene, error)

	// ListScenesByHome retrieves all scenes of one home.
	ListScenesByHome(ctx context.Context, homeID string) ([]Scene, error)

	// DeleteScene removes a scene and its actions.
	DeleteScene(ctx context.Context, id string) error
}

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite-backed repository.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// ─── Automations ─────────────────────────────────────────────────────────────

const automationColumns = `id, home_id, name, enabled, trigger_mode, cooldown_seconds, created_at, updated_at`

// CreateAutomation inserts a rule with its triggers and actions.
func (r *SQLiteRepository) CreateAutomation(ctx context.Context, a *Automation) error {
	if err := ValidateAutomation(a); err != nil {
		return err
	}

	now := time.Now().UTC()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO automations (id, home_id, name, enabled, trigger_mode, cooldown_seconds, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.HomeID,
		a.Name,
		boolToInt(a.Enabled),
		string(a.TriggerMode),
		a.CooldownSeconds,
		a.CreatedAt.Format(time.RFC3339),
		a.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrAutomationExists
		}
		return fmt.Errorf("inserting automation: %w", err)
	}

	for i := range a.Triggers {
		t := &a.Triggers[i]
		if t.ID == "" {
			t.ID = GenerateID()
		}
		t.AutomationID = a.ID

		weekdaysJSON, err := json.Marshal(t.Weekdays)
		if err != nil {
			return fmt.Errorf("marshalling weekdays: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO automation_triggers (id, automation_id, type, entity_id, attribute, operator, value, at_time, weekdays, sun_event, offset_minutes)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID,
			a.ID,
			string(t.Type),
			nullable(t.EntityID),
			defaultString(t.Attribute, "value"),
			nullable(string(t.Operator)),
			nullable(t.Value),
			nullable(t.AtTime),
			string(weekdaysJSON),
			nullable(string(t.Event)),
			t.OffsetMinutes,
		)
		if err != nil {
			return fmt.Errorf("inserting trigger: %w", err)
		}
	}

	for i := range a.Actions {
		act := &a.Actions[i]
		if act.ID == "" {
			act.ID = GenerateID()
		}
		act.AutomationID = a.ID
		act.Position = i

		commandJSON, err := json.Marshal(act.Command)
		if err != nil {
			return fmt.Errorf("marshalling command: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO automation_actions (id, automation_id, position, entity_id, scene_id, command, delay_seconds)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			act.ID,
			a.ID,
			act.Position,
			nullable(act.EntityID),
			nullable(act.SceneID),
			string(commandJSON),
			act.DelaySeconds,
		)
		if err != nil {
			return fmt.Errorf("inserting action: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing automation: %w", err)
	}
	return nil
}

// GetAutomation retrieves a rule with triggers and actions loaded.
func (r *SQLiteRepository) GetAutomation(ctx context.Context, id string) (*Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations WHERE id = ?`

	a, err := scanAutomation(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAutomationNotFound
		}
		return nil, fmt.Errorf("querying automation: %w", err)
	}

	if err := r.loadRuleChildren(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// ListAutomationsByHome retrieves all rules of one home.
func (r *SQLiteRepository) ListAutomationsByHome(ctx context.Context, homeID string) ([]Automation, error) {
	query := `SELECT ` + automationColumns + ` FROM automations WHERE home_id = ? ORDER BY name`
	return r.queryAutomations(ctx, query, homeID)
}

// ListEnabledByStateTrigger retrieves enabled rules carrying a state
// trigger on the given entity and attribute.
func (r *SQLiteRepository) ListEnabledByStateTrigger(ctx context.Context, entityID, attribute string) ([]Automation, error) {
	query := `
		SELECT DISTINCT a.id, a.home_id, a.name, a.enabled, a.trigger_mode, a.cooldown_seconds, a.created_at, a.updated_at
		FROM automations a
		JOIN automation_triggers t ON t.automation_id = a.id
		WHERE a.enabled = 1 AND t.type = 'state' AND t.entity_id = ? AND t.attribute = ?
		ORDER BY a.name`

	return r.queryAutomations(ctx, query, entityID, attribute)
}

// ListEnabledWithClockTriggers retrieves enabled rules carrying at least
// one time or sun trigger.
func (r *SQLiteRepository) ListEnabledWithClockTriggers(ctx context.Context) ([]Automation, error) {
	query := `
		SELECT DISTINCT a.id, a.home_id, a.name, a.enabled, a.trigger_mode, a.cooldown_seconds, a.created_at, a.updated_at
		FROM automations a
		JOIN automation_triggers t ON t.automation_id = a.id
		WHERE a.enabled = 1 AND t.type IN ('time', 'sun')
		ORDER BY a.name`

	return r.queryAutomations(ctx, query)
}

// SetAutomationEnabled flips a rule's enabled flag.
func (r *SQLiteRepository) SetAutomationEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE automations SET enabled = ?, updated_at = ? WHERE id = ?`,
		boolToInt(enabled),
		time.Now().UTC().Format(time.RFC3339),
		id,
	)
	if err != nil {
		return fmt.Errorf("updating automation enabled: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAutomationNotFound
	}
	return nil
}

// DeleteAutomation removes a rule; triggers, actions and execution
// records cascade.
func (r *SQLiteRepository) DeleteAutomation(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM automations WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting automation: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrAutomationNotFound
	}
	return nil
}

// ─── Execution Records ───────────────────────────────────────────────────────

// LastExecution returns the newest execution record for a rule.
func (r *SQLiteRepository) LastExecution(ctx context.Context, automationID string) (*ExecutionRecord, error) {
	query := `
		SELECT id, automation_id, trigger_entity_id, trigger_value, success, error_message, executed_at
		FROM automation_executions
		WHERE automation_id = ?
		ORDER BY executed_at DESC
		LIMIT 1`

	rec, err := scanExecution(r.db.QueryRowContext(ctx, query, automationID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying last execution: %w", err)
	}
	return rec, nil
}

// RecordExecution appends an immutable execution record.
func (r *SQLiteRepository) RecordExecution(ctx context.Context, rec *ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = GenerateID()
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = time.Now().UTC()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO automation_executions (id, automation_id, trigger_entity_id, trigger_value, success, error_message, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.AutomationID,
		nullable(rec.TriggerEntityID),
		rec.TriggerValue,
		boolToInt(rec.Success),
		rec.ErrorMessage,
		rec.ExecutedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("inserting execution record: %w", err)
	}
	return nil
}

// ListExecutions returns the newest execution records for a rule.
func (r *SQLiteRepository) ListExecutions(ctx context.Context, automationID string, limit int) ([]ExecutionRecord, error) {
	query := `
		SELECT id, automation_id, trigger_entity_id, trigger_value, success, error_message, executed_at
		FROM automation_executions
		WHERE automation_id = ?
		ORDER BY executed_at DESC
		LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, automationID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var records []ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning execution: %w", err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating executions: %w", err)
	}
	return records, nil
}

// ─── Scenes ──────────────────────────────────────────────────────────────────

// CreateScene inserts a scene with its actions.
func (r *SQLiteRepository) CreateScene(ctx context.Context, s *Scene) error {
	if err := ValidateScene(s); err != nil {
		return err
	}

	now := time.Now().UTC()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.UpdatedAt = now

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	_, err = tx.ExecContext(ctx, `
		INSERT INTO scenes (id, home_id, name, icon, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		s.ID,
		s.HomeID,
		s.Name,
		s.Icon,
		s.CreatedAt.Format(time.RFC3339),
		s.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ErrSceneExists
		}
		return fmt.Errorf("inserting scene: %w", err)
	}

	for i := range s.Actions {
		act := &s.Actions[i]
		if act.ID == "" {
			act.ID = GenerateID()
		}
		act.SceneID = s.ID
		act.Position = i

		commandJSON, err := json.Marshal(act.Command)
		if err != nil {
			return fmt.Errorf("marshalling scene command: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO scene_actions (id, scene_id, position, entity_id, command)
			VALUES (?, ?, ?, ?, ?)`,
			act.ID,
			s.ID,
			act.Position,
			act.EntityID,
			string(commandJSON),
		)
		if err != nil {
			return fmt.Errorf("inserting scene action: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing scene: %w", err)
	}
	return nil
}

// GetScene retrieves a scene with its actions in stored order.
func (r *SQLiteRepository) GetScene(ctx context.Context, id string) (*Scene, error) {
	query := `SELECT id, home_id, name, icon, created_at, updated_at FROM scenes WHERE id = ?`

	s, err := scanScene(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSceneNotFound
		}
		return nil, fmt.Errorf("querying scene: %w", err)
	}

	actions, err := r.loadSceneActions(ctx, s.ID)
	if err != nil {
		return nil, err
	}
	s.Actions = actions
	return s, nil
}

// ListScenesByHome retrieves all scenes of one home, actions included.
func (r *SQLiteRepository) ListScenesByHome(ctx context.Context, homeID string) ([]Scene, error) {
	query := `SELECT id, home_id, name, icon, created_at, updated_at FROM scenes WHERE home_id = ? ORDER BY name`

	rows, err := r.db.QueryContext(ctx, query, homeID)
	if err != nil {
		return nil, fmt.Errorf("querying scenes: %w", err)
	}
	defer rows.Close()

	var scenes []Scene
	for rows.Next() {
		s, err := scanScene(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning scene: %w", err)
		}
		scenes = append(scenes, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scenes: %w", err)
	}

	for i := range scenes {
		actions, err := r.loadSceneActions(ctx, scenes[i].ID)
		if err != nil {
			return nil, err
		}
		scenes[i].Actions = actions
	}
	return scenes, nil
}

// DeleteScene removes a scene; its actions cascade.
func (r *SQLiteRepository) DeleteScene(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM scenes WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting scene: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrSceneNotFound
	}
	return nil
}

// ─── Loading Children ────────────────────────────────────────────────────────

// queryAutomations runs a rule query and loads each rule's children.
func (r *SQLiteRepository) queryAutomations(ctx context.Context, query string, args ...any) ([]Automation, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying automations: %w", err)
	}
	defer rows.Close()

	var automations []Automation
	for rows.Next() {
		a, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning automation: %w", err)
		}
		automations = append(automations, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating automations: %w", err)
	}

	for i := range automations {
		if err := r.loadRuleChildren(ctx, &automations[i]); err != nil {
			return nil, err
		}
	}
	return automations, nil
}

// loadRuleChildren populates a rule's triggers and ordered actions.
func (r *SQLiteRepository) loadRuleChildren(ctx context.Context, a *Automation) error {
	triggerRows, err := r.db.QueryContext(ctx, `
		SELECT id, automation_id, type, entity_id, attribute, operator, value, at_time, weekdays, sun_event, offset_minutes
		FROM automation_triggers
		WHERE automation_id = ?`, a.ID)
	if err != nil {
		return fmt.Errorf("querying triggers: %w", err)
	}
	defer triggerRows.Close()

	a.Triggers = nil
	for triggerRows.Next() {
		var t Trigger
		var trType string
		var entityID, operator, value, atTime, sunEvent sql.NullString
		var weekdaysJSON string

		if err := triggerRows.Scan(
			&t.ID,
			&t.AutomationID,
			&trType,
			&entityID,
			&t.Attribute,
			&operator,
			&value,
			&atTime,
			&weekdaysJSON,
			&sunEvent,
			&t.OffsetMinutes,
		); err != nil {
			return fmt.Errorf("scanning trigger: %w", err)
		}

		t.Type = TriggerType(trType)
		t.EntityID = entityID.String
		t.Operator = Operator(operator.String)
		t.Value = value.String
		t.AtTime = atTime.String
		t.Event = SunEvent(sunEvent.String)

		if err := json.Unmarshal([]byte(weekdaysJSON), &t.Weekdays); err != nil {
			return fmt.Errorf("unmarshalling weekdays: %w", err)
		}

		a.Triggers = append(a.Triggers, t)
	}
	if err := triggerRows.Err(); err != nil {
		return fmt.Errorf("iterating triggers: %w", err)
	}

	actionRows, err := r.db.QueryContext(ctx, `
		SELECT id, automation_id, position, entity_id, scene_id, command, delay_seconds
		FROM automation_actions
		WHERE automation_id = ?
		ORDER BY position`, a.ID)
	if err != nil {
		return fmt.Errorf("querying actions: %w", err)
	}
	defer actionRows.Close()

	a.Actions = nil
	for actionRows.Next() {
		var act Action
		var entityID, sceneID sql.NullString
		var commandJSON string

		if err := actionRows.Scan(
			&act.ID,
			&act.AutomationID,
			&act.Position,
			&entityID,
			&sceneID,
			&commandJSON,
			&act.DelaySeconds,
		); err != nil {
			return fmt.Errorf("scanning action: %w", err)
		}

		act.EntityID = entityID.String
		act.SceneID = sceneID.String
		if err := json.Unmarshal([]byte(commandJSON), &act.Command); err != nil {
			return fmt.Errorf("unmarshalling command: %w", err)
		}

		a.Actions = append(a.Actions, act)
	}
	return actionRows.Err()
}

// loadSceneActions returns a scene's actions in stored order.
func (r *SQLiteRepository) loadSceneActions(ctx context.Context, sceneID string) ([]SceneAction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, scene_id, position, entity_id, command
		FROM scene_actions
		WHERE scene_id = ?
		ORDER BY position`, sceneID)
	if err != nil {
		return nil, fmt.Errorf("querying scene actions: %w", err)
	}
	defer rows.Close()

	var actions []SceneAction
	for rows.Next() {
		var act SceneAction
		var commandJSON string

		if err := rows.Scan(&act.ID, &act.SceneID, &act.Position, &act.EntityID, &commandJSON); err != nil {
			return nil, fmt.Errorf("scanning scene action: %w", err)
		}
		if err := json.Unmarshal([]byte(commandJSON), &act.Command); err != nil {
			return nil, fmt.Errorf("unmarshalling scene command: %w", err)
		}
		actions = append(actions, act)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating scene actions: %w", err)
	}
	return actions, nil
}

// ─── Scanning ────────────────────────────────────────────────────────────────

// rowScanner is an interface that sql.Row and sql.Rows both implement.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanAutomation scans a row or rows result into an Automation.
func scanAutomation(scanner rowScanner) (*Automation, error) {
	var a Automation
	var enabled int
	var mode string
	var createdAt, updatedAt string

	err := scanner.Scan(
		&a.ID,
		&a.HomeID,
		&a.Name,
		&enabled,
		&mode,
		&a.CooldownSeconds,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.Enabled = enabled != 0
	a.TriggerMode = TriggerMode(mode)

	var parseErr error
	a.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	a.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	return &a, nil
}

// scanScene scans a row or rows result into a Scene.
func scanScene(scanner rowScanner) (*Scene, error) {
	var s Scene
	var createdAt, updatedAt string

	err := scanner.Scan(&s.ID, &s.HomeID, &s.Name, &s.Icon, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	var parseErr error
	s.CreatedAt, parseErr = time.Parse(time.RFC3339, createdAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing created_at: %w", parseErr)
	}
	s.UpdatedAt, parseErr = time.Parse(time.RFC3339, updatedAt)
	if parseErr != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", parseErr)
	}

	return &s, nil
}

// scanExecution scans a row or rows result into an ExecutionRecord.
func scanExecution(scanner rowScanner) (*ExecutionRecord, error) {
	var rec ExecutionRecord
	var entityID sql.NullString
	var success int
	var executedAt string

	err := scanner.Scan(
		&rec.ID,
		&rec.AutomationID,
		&entityID,
		&rec.TriggerValue,
		&success,
		&rec.ErrorMessage,
		&executedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.TriggerEntityID = entityID.String
	rec.Success = success != 0

	rec.ExecutedAt, err = time.Parse(time.RFC3339Nano, executedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing executed_at: %w", err)
	}

	return &rec, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// nullable returns a sql.NullString that is NULL for empty strings.
func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// defaultString falls back to def when s is empty.
func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
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
