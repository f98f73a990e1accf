package automation_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/hearth-core/internal/automation"
	"github.com/nerrad567/hearth-core/internal/device"
	"github.com/nerrad567/hearth-core/internal/infrastructure/database"

	// Register embedded migrations.
	_ "github.com/nerrad567/hearth-core/migrations"
)

// testRepos bundles the repositories sharing one migrated database.
// Triggers and actions reference entities, so rules need seeded devices.
type testRepos struct {
	rules   *automation.SQLiteRepository
	devices *device.SQLiteRepository
}

func openTestRepos(t *testing.T) *testRepos {
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

	return &testRepos{
		rules:   automation.NewSQLiteRepository(db.DB),
		devices: device.NewSQLiteRepository(db.DB),
	}
}

// seedEntity creates a device with one entity and returns the entity ID.
func seedEntity(t *testing.T, r *testRepos, nodeName string, kind device.Kind, name string) string {
	t.Helper()

	d := &device.Device{
		ID:       device.GenerateID(),
		HomeID:   "h1",
		NodeName: nodeName,
		Name:     nodeName,
		Online:   true,
	}
	if err := r.devices.CreateDevice(context.Background(), d); err != nil {
		t.Fatalf("CreateDevice() error = %v", err)
	}

	e := &device.Entity{
		ID:           device.GenerateID(),
		DeviceID:     d.ID,
		Kind:         kind,
		Name:         name,
		Capabilities: []device.Capability{},
		Controllable: kind.IsControllable(),
		State:        device.State{"value": "OFF"},
	}
	if err := r.devices.CreateEntity(context.Background(), e); err != nil {
		t.Fatalf("CreateEntity() error = %v", err)
	}
	return e.ID
}

func seedRule(t *testing.T, r *testRepos, a *automation.Automation) *automation.Automation {
	t.Helper()
	if a.ID == "" {
		a.ID = automation.GenerateID()
	}
	if err := r.rules.CreateAutomation(context.Background(), a); err != nil {
		t.Fatalf("CreateAutomation() error = %v", err)
	}
	return a
}

// =============================================================================
// Automation CRUD
// =============================================================================

func TestRepository_AutomationRoundtrip(t *testing.T) {
	r := openTestRepos(t)
	ctx := context.Background()

	sensorID := seedEntity(t, r, "node1", device.KindSensor, "temperature")
	fanID := seedEntity(t, r, "node2", device.KindFan, "ceiling")

	created := seedRule(t, r, &automation.Automation{
		HomeID:          "h1",
		Name:            "Cooling",
		Enabled:         true,
		TriggerMode:     automation.ModeAll,
		CooldownSeconds: 120,
		Triggers: []automation.Trigger{
			{Type: automation.TriggerState, EntityID: sensorID, Attribute: "value", Operator: automation.OpGreater, Value: "28"},
			{Type: automation.TriggerTime, AtTime: "14:00", Weekdays: []time.Weekday{time.Saturday, time.Sunday}},
			{Type: automation.TriggerSun, Event: automation.SunSunset, OffsetMinutes: -15},
		},
		Actions: []automation.Action{
			{EntityID: fanID, Command: map[string]any{"power": true, "speed": 3}},
			{EntityID: fanID, Command: map[string]any{"speed": 1}, DelaySeconds: 300},
		},
	})

	got, err := r.rules.GetAutomation(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetAutomation() error = %v", err)
	}

	if got.Name != "Cooling" || !got.Enabled || got.CooldownSeconds != 120 {
		t.Errorf("GetAutomation() = %+v, want seeded rule", got)
	}
	if len(got.Triggers) != 3 {
		t.Fatalf("triggers loaded = %d, want 3", len(got.Triggers))
	}

	byType := map[automation.TriggerType]automation.Trigger{}
	for _, tr := range got.Triggers {
		byType[tr.Type] = tr
	}
	state := byType[automation.TriggerState]
	if state.EntityID != sensorID || state.Operator != automation.OpGreater || state.Value != "28" {
		t.Errorf("state trigger = %+v", state)
	}
	clock := byType[automation.TriggerTime]
	if clock.AtTime != "14:00" || len(clock.Weekdays) != 2 || clock.Weekdays[0] != time.Saturday {
		t.Errorf("time trigger = %+v", clock)
	}
	sun := byType[automation.TriggerSun]
	if sun.Event != automation.SunSunset || sun.OffsetMinutes != -15 {
		t.Errorf("sun trigger = %+v", sun)
	}

	if len(got.Actions) != 2 {
		t.Fatalf("actions loaded = %d, want 2", len(got.Actions))
	}
	if got.Actions[0].Position != 0 || got.Actions[1].Position != 1 {
		t.Errorf("actions out of order: %+v", got.Actions)
	}
	if got.Actions[1].DelaySeconds != 300 {
		t.Errorf("second action delay = %d, want 300", got.Actions[1].DelaySeconds)
	}
	if speed, ok := got.Actions[0].Command["speed"].(float64); !ok || speed != 3 {
		t.Errorf("command speed = %v, want 3", got.Actions[0].Command["speed"])
	}
}

func TestRepository_AutomationNotFound(t *testing.T) {
	r := openTestRepos(t)

	_, err := r.rules.GetAutomation(context.Background(), "nope")
	if !errors.Is(err, automation.ErrAutomationNotFound) {
		t.Errorf("GetAutomation() error = %v, want ErrAutomationNotFound", err)
	}
}

func TestRepository_AutomationDuplicate(t *testing.T) {
	r := openTestRepos(t)
	sensorID := seedEntity(t, r, "node1", device.KindSensor, "temperature")

	rule := &automation.Automation{
		ID: automation.GenerateID(), HomeID: "h1", Name: "dup", Enabled: true, TriggerMode: automation.ModeAll,
		Triggers: []automation.Trigger{
			{Type: automation.TriggerState, EntityID: sensorID, Attribute: "value", Operator: automation.OpEqual, Value: "1"},
		},
	}
	seedRule(t, r, rule)

	err := r.rules.CreateAutomation(context.Background(), rule)
	if !errors.Is(err, automation.ErrAutomationExists) {
		t.Errorf("CreateAutomation() duplicate error = %v, want ErrAutomationExists", err)
	}
}

func TestRepository_SetAutomationEnabled(t *testing.T) {
	r := openTestRepos(t)
	ctx := context.Background()
	sensorID := seedEntity(t, r, "node1", device.KindSensor, "temperature")

	rule := seedRule(t, r, &automation.Automation{
		HomeID: "h1", Name: "toggle", Enabled: true, TriggerMode: automation.ModeAll,
		Triggers: []automation.Trigger{
			{Type: automation.TriggerState, EntityID: sensorID, Attribute: "value", Operator: automation.OpEqual, Value: "1"},
		},
	})

	if err := r.rules.SetAutomationEnabled(ctx, rule.ID, false); err != nil {
		t.Fatalf("SetAutomationEnabled() error = %v", err)
	}
	got, err := r.rules.GetAutomation(ctx, rule.ID)
	if err != nil {
		t.Fatalf("GetAutomation() error = %v", err)
	}
	if got.Enabled {
		t.Error("rule still enabled after disable")
	}

	if err := r.rules.SetAutomationEnabled(ctx, "nope", true); !errors.Is(err, automation.ErrAutomationNotFound) {
		t.Errorf("SetAutomationEnabled() unknown rule error = %v, want ErrAutomationNotFound", err)
	}
}

func TestRepository_DeleteAutomationCascades(t *testing.T) {
	r := openTestRepos(t)
	ctx := context.Background()
	sensorID := seedEntity(t, r, "node1", device.KindSensor, "temperature")

	rule := seedRule(t, r, &automation.Automation{
		HomeID: "h1", Name: "doomed", Enabled: true, TriggerMode: automation.ModeAll,
		Triggers: []automation.Trigger{
			{Type: automation.TriggerState, EntityID: sensorID, Attribute: "value", Operator: automation.OpEqual, Value: "1"},
		},
	})

	if err := r.rules.RecordExecution(ctx, &automation.ExecutionRecord{
		AutomationID: rule.ID, Success: true,
	}); err != nil {
		t.Fatalf("RecordExecution() error = %v", err)
	}

	if err := r.rules.DeleteAutomation(ctx, rule.ID); err != nil {
		t.Fatalf("DeleteAutomation() error = %v", err)
	}
	if _, err := r.rules.GetAutomation(ctx, rule.ID); !errors.Is(err, automation.ErrAutomationNotFound) {
		t.Errorf("GetAutomation() after delete error = %v, want ErrAutomationNotFound", err)
	}
	last, err := r.rules.LastExecution(ctx, rule.ID)
	if err != nil || last != nil {
		t.Errorf("LastExecution() after delete = (%v, %v), want (nil, nil)", last, err)
	}

	if err := r.rules.DeleteAutomation(ctx, rule.ID); !errors.Is(err, automation.ErrAutomationNotFound) {
		t.Errorf("DeleteAutomation() twice error = %v, want ErrAutomationNotFound", err)
	}
}

// =============================================================================
// Engine Queries
// =============================================================================

func TestRepository_ListEnabledByStateTrigger(t *testing.T) {
	r := openTestRepos(t)
	ctx := context.Background()

	sensorID := seedEntity(t, r, "node1", device.KindSensor, "temperature")
	otherID := seedEntity(t, r, "node2", device.KindSensor, "humidity")

	matching := seedRule(t, r, &automation.Automation{
		HomeID: "h1", Name: "matching", Enabled: true, TriggerMode: automation.ModeAll,
		Triggers: []automation.Trigger{
			{Type: automation.TriggerState, EntityID: sensorID, Attribute: "value", Operator: automation.OpGreater, Value: "28"},
		},
	})
	seedRule(t, r, &automation.Automation{
		HomeID: "h1", Name: "disabled", Enabled: false, TriggerMode: automation.ModeAll,
		Triggers: []automation.Trigger{
			{Type: automation.TriggerState, EntityID: sensorID, Attribute: "value", Operator: automation.OpGreater, Value: "28"},
		},
	})
	seedRule(t, r, &automation.Automation{
		HomeID: "h1", Name: "other entity", Enabled: true, TriggerMode: automation.ModeAll,
		Triggers: []automation.Trigger{
			{Type: automation.TriggerState, EntityID: otherID, Attribute: "value", Operator: automation.OpGreater, Value: "60"},
		},
	})
	seedRule(t, r, &automation.Automation{
		HomeID: "h1", Name: "other attribute", Enabled: true, TriggerMode: automation.ModeAll,
		Triggers: []automation.Trigger{
			{Type: automation.TriggerState, EntityID: sensorID, Attribute: "battery", Operator: automation.OpLess, Value: "10"},
		},
	})

	got, err := r.rules.ListEnabledByStateTrigger(ctx, sensorID, "value")
	if err != nil {
		t.Fatalf("ListEnabledByStateTrigger() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != matching.ID {
		t.Fatalf("ListEnabledByStateTrigger() = %d rules, want only %q", len(got), matching.Name)
	}
	if len(got[0].Triggers) != 1 {
		t.Errorf("rule loaded without children: %+v", got[0])
	}
}

func TestRepository_ListEnabledWithClockTriggers(t *testing.T) {
	r := openTestRepos(t)
	ctx := context.Background()
	sensorID := seedEntity(t, r, "node1", device.KindSensor, "temperature")

	timed := seedRule(t, r, &automation.Automation{
		HomeID: "h1", Name: "timed", Enabled: true, TriggerMode: automation.ModeAll,
		Triggers: []automation.Trigger{
			{Type: automation.TriggerTime, AtTime: "07:30"},
		},
	})
	sunlit := seedRule(t, r, &automation.Automation{
		HomeID: "h1", Name: "sunlit", Enabled: true, TriggerMode: automation.ModeAll,
		Triggers: []automation.Trigger{
			{Type: automation.TriggerSun, Event: automation.SunSunrise},
		},
	})
	seedRule(t, r, &automation.Automation{
		HomeID: "h1", Name: "state only", Enabled: true, TriggerMode: automation.ModeAll,
		Triggers: []automation.Trigger{
			{Type: automation.TriggerState, EntityID: sensorID, Attribute: "value", Operator: automation.OpEqual, Value: "1"},
		},
	})

	got, err := r.rules.ListEnabledWithClockTriggers(ctx)
	if err != nil {
		t.Fatalf("ListEnabledWithClockTriggers() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("ListEnabledWithClockTriggers() = %d rules, want 2", len(got))
	}
	ids := map[string]bool{got[0].ID: true, got[1].ID: true}
	if !ids[timed.ID] || !ids[sunlit.ID] {
		t.Errorf("clock rules = %v, want timed and sunlit", ids)
	}
}

// =============================================================================
// Execution Records
// =============================================================================

func TestRepository_LastExecution(t *testing.T) {
	r := openTestRepos(t)
	ctx := context.Background()
	sensorID := seedEntity(t, r, "node1", device.KindSensor, "temperature")

	rule := seedRule(t, r, &automation.Automation{
		HomeID: "h1", Name: "audited", Enabled: true, TriggerMode: automation.ModeAll,
		Triggers: []automation.Trigger{
			{Type: automation.TriggerState, EntityID: sensorID, Attribute: "value", Operator: automation.OpEqual, Value: "1"},
		},
	})

	// No history yet: (nil, nil), not an error.
	last, err := r.rules.LastExecution(ctx, rule.ID)
	if err != nil {
		t.Fatalf("LastExecution() error = %v", err)
	}
	if last != nil {
		t.Fatalf("LastExecution() = %+v, want nil before any firing", last)
	}

	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		if err := r.rules.RecordExecution(ctx, &automation.ExecutionRecord{
			AutomationID:    rule.ID,
			TriggerEntityID: sensorID,
			TriggerValue:    "1",
			Success:         i != 1,
			ExecutedAt:      base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatalf("RecordExecution() error = %v", err)
		}
	}

	last, err = r.rules.LastExecution(ctx, rule.ID)
	if err != nil {
		t.Fatalf("LastExecution() error = %v", err)
	}
	if last == nil || !last.ExecutedAt.Equal(base.Add(2*time.Minute)) {
		t.Errorf("LastExecution() = %+v, want newest record", last)
	}

	records, err := r.rules.ListExecutions(ctx, rule.ID, 2)
	if err != nil {
		t.Fatalf("ListExecutions() error = %v", err)
	}
	if len(records) != 2 || !records[0].ExecutedAt.After(records[1].ExecutedAt) {
		t.Errorf("ListExecutions() = %+v, want 2 newest-first records", records)
	}
}

// =============================================================================
// Scenes
// =============================================================================

func TestRepository_SceneRoundtrip(t *testing.T) {
	r := openTestRepos(t)
	ctx := context.Background()

	lampID := seedEntity(t, r, "node1", device.KindLight, "ceiling")
	stripID := seedEntity(t, r, "node2", device.KindLight, "strip")

	scene := &automation.Scene{
		ID: automation.GenerateID(), HomeID: "h1", Name: "Movie night", Icon: "film",
		Actions: []automation.SceneAction{
			{EntityID: lampID, Command: map[string]any{"brightness": 20}},
			{EntityID: stripID, Command: map[string]any{"power": false}},
		},
	}
	if err := r.rules.CreateScene(ctx, scene); err != nil {
		t.Fatalf("CreateScene() error = %v", err)
	}

	got, err := r.rules.GetScene(ctx, scene.ID)
	if err != nil {
		t.Fatalf("GetScene() error = %v", err)
	}
	if got.Name != "Movie night" || got.Icon != "film" {
		t.Errorf("GetScene() = %+v, want seeded scene", got)
	}
	if len(got.Actions) != 2 || got.Actions[0].EntityID != lampID || got.Actions[1].EntityID != stripID {
		t.Errorf("scene actions = %+v, want stored order", got.Actions)
	}

	listed, err := r.rules.ListScenesByHome(ctx, "h1")
	if err != nil {
		t.Fatalf("ListScenesByHome() error = %v", err)
	}
	if len(listed) != 1 || len(listed[0].Actions) != 2 {
		t.Errorf("ListScenesByHome() = %+v, want one scene with actions", listed)
	}

	if err := r.rules.CreateScene(ctx, scene); !errors.Is(err, automation.ErrSceneExists) {
		t.Errorf("CreateScene() duplicate error = %v, want ErrSceneExists", err)
	}

	if err := r.rules.DeleteScene(ctx, scene.ID); err != nil {
		t.Fatalf("DeleteScene() error = %v", err)
	}
	if _, err := r.rules.GetScene(ctx, scene.ID); !errors.Is(err, automation.ErrSceneNotFound) {
		t.Errorf("GetScene() after delete error = %v, want ErrSceneNotFound", err)
	}
}
