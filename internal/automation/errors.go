package automation

import "errors"

// Domain errors for the automation package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, automation.ErrSceneNotFound) {
//	    // handle not found case
//	}
var (
	// ErrAutomationNotFound is returned when an automation ID does not exist.
	ErrAutomationNotFound = errors.New("automation: not found")

	// ErrAutomationExists is returned when creating an automation that already exists.
	ErrAutomationExists = errors.New("automation: already exists")

	// ErrSceneNotFound is returned when a scene ID does not exist.
	ErrSceneNotFound = errors.New("automation: scene not found")

	// ErrSceneExists is returned when creating a scene that already exists.
	ErrSceneExists = errors.New("automation: scene already exists")

	// ErrInvalidRule is returned when automation validation fails.
	ErrInvalidRule = errors.New("automation: invalid rule")

	// ErrInvalidTrigger is returned when a trigger does not populate exactly
	// one variant, or populates it badly.
	ErrInvalidTrigger = errors.New("automation: invalid trigger")

	// ErrInvalidAction is returned when an action does not target exactly
	// one of entity or scene.
	ErrInvalidAction = errors.New("automation: invalid action")

	// ErrRuleEvaluation is returned when trigger evaluation fails in a way
	// that is not a plain false result.
	ErrRuleEvaluation = errors.New("automation: rule evaluation failed")

	// ErrActionExecution is returned when an action fails to publish or run.
	// It never aborts the remaining actions of the same rule or scene.
	ErrActionExecution = errors.New("automation: action execution failed")
)
