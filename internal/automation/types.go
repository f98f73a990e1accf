package automation

import (
	"time"

	"github.com/google/uuid"
)

// TriggerMode selects how a rule combines its trigger results.
type TriggerMode string

const (
	// ModeAll fires only when every trigger is satisfied.
	ModeAll TriggerMode = "all"
	// ModeAny fires when at least one trigger is satisfied.
	ModeAny TriggerMode = "any"
)

// TriggerType discriminates the trigger variants.
type TriggerType string

const (
	TriggerState TriggerType = "state"
	TriggerTime  TriggerType = "time"
	TriggerSun   TriggerType = "sun"
)

// Operator is a state-trigger comparator.
type Operator string

const (
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
)

// validOperators is the set of comparators a state trigger may carry.
var validOperators = map[Operator]bool{
	OpEqual: true, OpNotEqual: true,
	OpGreater: true, OpLess: true,
	OpGreaterEqual: true, OpLessEqual: true,
}

// SunEvent names a solar event a sun trigger can reference.
type SunEvent string

const (
	SunSunrise SunEvent = "sunrise"
	SunSunset  SunEvent = "sunset"
	SunDawn    SunEvent = "dawn"
	SunDusk    SunEvent = "dusk"
	SunNoon    SunEvent = "noon"
)

// validSunEvents is the set of events a sun trigger may reference.
var validSunEvents = map[SunEvent]bool{
	SunSunrise: true, SunSunset: true,
	SunDawn: true, SunDusk: true, SunNoon: true,
}

// Automation is a named rule scoped to one home: a set of triggers,
// a combination mode, and an ordered list of actions.
//
// Disabled rules are never evaluated. Cooldown is enforced per rule,
// answered from the rule's last ExecutionRecord.
type Automation struct {
	ID      string `json:"id"`
	HomeID  string `json:"home_id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`

	// TriggerMode combines trigger results: all or any.
	TriggerMode TriggerMode `json:"trigger_mode"`

	// CooldownSeconds is the minimum gap between consecutive firings.
	// Zero disables the cooldown.
	CooldownSeconds int `json:"cooldown_seconds"`

	// Triggers and Actions are loaded with the rule; actions keep their
	// declared order.
	Triggers []Trigger `json:"triggers"`
	Actions  []Action  `json:"actions"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates a complete independent copy of the Automation.
func (a *Automation) DeepCopy() *Automation {
	if a == nil {
		return nil
	}

	cpy := *a

	if a.Triggers != nil {
		cpy.Triggers = make([]Trigger, len(a.Triggers))
		for i, tr := range a.Triggers {
			cpy.Triggers[i] = tr
			if tr.Weekdays != nil {
				cpy.Triggers[i].Weekdays = make([]time.Weekday, len(tr.Weekdays))
				copy(cpy.Triggers[i].Weekdays, tr.Weekdays)
			}
		}
	}

	if a.Actions != nil {
		cpy.Actions = make([]Action, len(a.Actions))
		for i, act := range a.Actions {
			cpy.Actions[i] = act
			if act.Command != nil {
				cpy.Actions[i].Command = deepCopyMap(act.Command)
			}
		}
	}

	return &cpy
}

// Trigger is one condition of a rule. Exactly one variant's fields are
// populated, selected by Type:
//
//   - state: EntityID, Attribute, Operator, Value
//   - time:  AtTime ("HH:MM"), Weekdays (empty = every day)
//   - sun:   Event, OffsetMinutes
type Trigger struct {
	ID           string      `json:"id"`
	AutomationID string      `json:"automation_id"`
	Type         TriggerType `json:"type"`

	// State variant
	EntityID  string   `json:"entity_id,omitempty"`
	Attribute string   `json:"attribute,omitempty"`
	Operator  Operator `json:"operator,omitempty"`
	Value     string   `json:"value,omitempty"`

	// Time variant. Weekdays follow time.Weekday (Sunday = 0).
	AtTime   string         `json:"at_time,omitempty"`
	Weekdays []time.Weekday `json:"weekdays,omitempty"`

	// Sun variant
	Event         SunEvent `json:"event,omitempty"`
	OffsetMinutes int      `json:"offset_minutes,omitempty"`
}

// Action is one step of a rule: either a direct entity command or a
// scene reference, never both.
type Action struct {
	ID           string `json:"id"`
	AutomationID string `json:"automation_id"`
	Position     int    `json:"position"`

	// EntityID and Command for a direct command action.
	EntityID string         `json:"entity_id,omitempty"`
	Command  map[string]any `json:"command,omitempty"`

	// SceneID for a scene action.
	SceneID string `json:"scene_id,omitempty"`

	// DelaySeconds is waited before the action runs.
	DelaySeconds int `json:"delay_seconds"`
}

// Scene is an ordered list of entity commands executed sequentially.
type Scene struct {
	ID     string `json:"id"`
	HomeID string `json:"home_id"`
	Name   string `json:"name"`
	Icon   string `json:"icon,omitempty"`

	Actions []SceneAction `json:"actions"`

	// Timestamps
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeepCopy creates a complete independent copy of the Scene.
func (s *Scene) DeepCopy() *Scene {
	if s == nil {
		return nil
	}

	cpy := *s

	if s.Actions != nil {
		cpy.Actions = make([]SceneAction, len(s.Actions))
		for i, act := range s.Actions {
			cpy.Actions[i] = act
			if act.Command != nil {
				cpy.Actions[i].Command = deepCopyMap(act.Command)
			}
		}
	}

	return &cpy
}

// SceneAction is one entity command within a scene.
type SceneAction struct {
	ID       string         `json:"id"`
	SceneID  string         `json:"scene_id"`
	Position int            `json:"position"`
	EntityID string         `json:"entity_id"`
	Command  map[string]any `json:"command"`
}

// ExecutionRecord is the immutable audit entry written after every rule
// firing. It answers "is this rule still in cooldown" and nothing else
// mutates it afterwards.
type ExecutionRecord struct {
	ID           string `json:"id"`
	AutomationID string `json:"automation_id"`

	// TriggerEntityID and TriggerValue identify what fired the rule.
	// Empty for clock-driven firings.
	TriggerEntityID string `json:"trigger_entity_id,omitempty"`
	TriggerValue    string `json:"trigger_value,omitempty"`

	Success      bool      `json:"success"`
	ErrorMessage string    `json:"error_message,omitempty"`
	ExecutedAt   time.Time `json:"executed_at"`
}

// deepCopyMap creates a deep copy of a map[string]any.
// Nested maps and slices are recursively copied.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cpy := make(map[string]any, len(m))
	for k, v := range m {
		cpy[k] = deepCopyValue(v)
	}
	return cpy
}

// deepCopyValue recursively copies a value, handling nested maps and slices.
func deepCopyValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cpy := make([]any, len(val))
		for i, elem := range val {
			cpy[i] = deepCopyValue(elem)
		}
		return cpy
	default:
		return v // Primitives are immutable
	}
}

// GenerateID creates a new unique identifier.
func GenerateID() string {
	return uuid.New().String()
}
