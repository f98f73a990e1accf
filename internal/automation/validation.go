package automation

import (
	"fmt"
	"time"
)

// ValidateAutomation checks rule invariants before persistence.
//
// Rules: name and home required, a known trigger mode, every trigger
// populating exactly one variant, every action targeting exactly one of
// entity or scene, and a non-negative cooldown.
func ValidateAutomation(a *Automation) error {
	if a.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if a.HomeID == "" {
		return fmt.Errorf("%w: home_id is required", ErrInvalidRule)
	}
	if a.TriggerMode != ModeAll && a.TriggerMode != ModeAny {
		return fmt.Errorf("%w: trigger_mode must be %q or %q, got %q",
			ErrInvalidRule, ModeAll, ModeAny, a.TriggerMode)
	}
	if a.CooldownSeconds < 0 {
		return fmt.Errorf("%w: cooldown_seconds must not be negative", ErrInvalidRule)
	}

	for i := range a.Triggers {
		if err := ValidateTrigger(&a.Triggers[i]); err != nil {
			return fmt.Errorf("trigger %d: %w", i, err)
		}
	}

	for i := range a.Actions {
		if err := ValidateAction(&a.Actions[i]); err != nil {
			return fmt.Errorf("action %d: %w", i, err)
		}
	}

	return nil
}

// ValidateTrigger checks that exactly one variant's fields are populated.
func ValidateTrigger(t *Trigger) error {
	switch t.Type {
	case TriggerState:
		if t.EntityID == "" {
			return fmt.Errorf("%w: state trigger needs entity_id", ErrInvalidTrigger)
		}
		if t.Attribute == "" {
			return fmt.Errorf("%w: state trigger needs attribute", ErrInvalidTrigger)
		}
		if !validOperators[t.Operator] {
			return fmt.Errorf("%w: unknown operator %q", ErrInvalidTrigger, t.Operator)
		}
		if t.AtTime != "" || t.Event != "" {
			return fmt.Errorf("%w: state trigger carries clock fields", ErrInvalidTrigger)
		}
	case TriggerTime:
		if _, err := time.Parse("15:04", t.AtTime); err != nil {
			return fmt.Errorf("%w: at_time must be HH:MM, got %q", ErrInvalidTrigger, t.AtTime)
		}
		for _, wd := range t.Weekdays {
			if wd < time.Sunday || wd > time.Saturday {
				return fmt.Errorf("%w: weekday %d out of range", ErrInvalidTrigger, wd)
			}
		}
		if t.EntityID != "" || t.Event != "" {
			return fmt.Errorf("%w: time trigger carries foreign fields", ErrInvalidTrigger)
		}
	case TriggerSun:
		if !validSunEvents[t.Event] {
			return fmt.Errorf("%w: unknown sun event %q", ErrInvalidTrigger, t.Event)
		}
		if t.EntityID != "" || t.AtTime != "" {
			return fmt.Errorf("%w: sun trigger carries foreign fields", ErrInvalidTrigger)
		}
	default:
		return fmt.Errorf("%w: unknown trigger type %q", ErrInvalidTrigger, t.Type)
	}

	return nil
}

// ValidateAction checks that an action targets exactly one of entity or scene.
func ValidateAction(a *Action) error {
	hasEntity := a.EntityID != ""
	hasScene := a.SceneID != ""

	if hasEntity == hasScene {
		return fmt.Errorf("%w: exactly one of entity_id or scene_id required", ErrInvalidAction)
	}
	if hasEntity && len(a.Command) == 0 {
		return fmt.Errorf("%w: entity action needs a command", ErrInvalidAction)
	}
	if a.DelaySeconds < 0 {
		return fmt.Errorf("%w: delay_seconds must not be negative", ErrInvalidAction)
	}

	return nil
}

// ValidateScene checks scene invariants before persistence.
func ValidateScene(s *Scene) error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRule)
	}
	if s.HomeID == "" {
		return fmt.Errorf("%w: home_id is required", ErrInvalidRule)
	}
	for i, act := range s.Actions {
		if act.EntityID == "" {
			return fmt.Errorf("%w: scene action %d needs entity_id", ErrInvalidAction, i)
		}
		if len(act.Command) == 0 {
			return fmt.Errorf("%w: scene action %d needs a command", ErrInvalidAction, i)
		}
	}
	return nil
}
