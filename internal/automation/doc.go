// Package automation provides the rule engine and scene executor for
// Hearth Core.
//
// A rule (Automation) combines one or more triggers with an ordered list
// of actions. Triggers come in three variants: state (an entity attribute
// compared against a value), time (a local wall-clock HH:MM on selected
// weekdays) and sun (a solar event with a minute offset). A rule's
// trigger mode decides whether every trigger must hold or any single one.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────────┐
//	│                          Automation Engine                           │
//	│                                                                      │
//	│  state change ──▶ OnEntityChanged ─┐                                 │
//	│                                    ├─▶ evaluate ─▶ rate limit ─▶     │
//	│  minute tick  ──▶ Tick ────────────┘     cooldown ─▶ actions ─▶      │
//	│                                           execution record           │
//	│                                                                      │
//	│  ┌────────────────┐   ┌──────────────────┐   ┌───────────────────┐   │
//	│  │     Engine     │   │    Repository    │   │   SceneExecutor   │   │
//	│  │  (engine.go)   │──▶│ (repository.go)  │◀──│    (scene.go)     │   │
//	│  └────────────────┘   └──────────────────┘   └───────────────────┘   │
//	└──────────────────────────────────────────────────────────────────────┘
//
// # Firing Semantics
//
// Every satisfied rule passes two gates in order: a rolling rate limit
// (ten firings per minute per rule, so feedback loops between rules
// starve instead of flooding the bus) and the per-rule cooldown, answered
// from the rule's newest execution record. A fired rule's actions run on
// their own goroutine, sequentially and with optional per-action delays,
// so a delayed action never stalls the ingest worker or the tick driver.
// A failed action is logged and skipped, and one aggregated
// ExecutionRecord is written per firing.
//
// # Usage
//
//	repo := automation.NewSQLiteRepository(db)
//	scenes := automation.NewSceneExecutor(repo, controller, log)
//	engine := automation.NewEngine(repo, store, controller, scenes, sun, loc, log)
//
//	// Fed by the ingest pipeline for every changed attribute
//	store.OnStateChange(func(ch device.StateChange) {
//	    for _, key := range ch.ChangedKeys {
//	        engine.OnEntityChanged(ctx, ch.EntityID, key, ch.NewState[key])
//	    }
//	})
//
//	// Fired once per minute by the scheduler
//	engine.Tick(ctx, time.Now())
package automation
