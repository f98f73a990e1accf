package automation

import (
	"context"
	"fmt"
)

// Commander sends a command to a controllable entity. Implemented by
// device.Controller.
type Commander interface {
	SendCommand(ctx context.Context, entityID string, command map[string]any) error
}

// SceneExecutor plays back scenes: each action's command is sent to its
// entity in stored order, best-effort. A failed action is logged and
// skipped, there is no rollback.
type SceneExecutor struct {
	repo      Repository
	commander Commander
	logger    Logger

	// notify, when set, is called after every playback. Wired to the
	// realtime hub so clients see scene activations.
	notify func(homeID, sceneID, name string, executed int)
}

// SetNotifier registers a callback invoked after each scene run with
// the scene's home, id, name and the number of actions attempted.
// Set it before the executor starts serving.
func (e *SceneExecutor) SetNotifier(fn func(homeID, sceneID, name string, executed int)) {
	e.notify = fn
}

// NewSceneExecutor creates a scene executor. A nil logger disables logging.
func NewSceneExecutor(repo Repository, commander Commander, logger Logger) *SceneExecutor {
	if logger == nil {
		logger = noopLogger{}
	}
	return &SceneExecutor{
		repo:      repo,
		commander: commander,
		logger:    logger,
	}
}

// Run executes a scene's actions sequentially. It returns the number of
// actions attempted and the first error encountered, if any. Later
// actions still run after an earlier one fails.
//
// Returns ErrSceneNotFound when the scene does not exist.
func (e *SceneExecutor) Run(ctx context.Context, sceneID string) (int, error) {
	scene, err := e.repo.GetScene(ctx, sceneID)
	if err != nil {
		return 0, err
	}

	executed := 0
	var firstErr error

	for i := range scene.Actions {
		act := &scene.Actions[i]

		if err := ctx.Err(); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			break
		}

		executed++
		if err := e.commander.SendCommand(ctx, act.EntityID, act.Command); err != nil {
			e.logger.Warn("scene action failed",
				"scene_id", scene.ID,
				"scene", scene.Name,
				"position", act.Position,
				"entity_id", act.EntityID,
				"error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: scene %s action %d: %v",
					ErrActionExecution, scene.ID, act.Position, err)
			}
		}
	}

	e.logger.Info("scene executed",
		"scene_id", scene.ID,
		"scene", scene.Name,
		"executed", executed,
		"total", len(scene.Actions))

	if e.notify != nil {
		e.notify(scene.HomeID, scene.ID, scene.Name, executed)
	}

	return executed, firstErr
}
