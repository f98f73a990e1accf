package automation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Logger is the minimal logging interface the engine needs.
// Compatible with slog.Logger.
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

// StateReader answers the current value of one entity attribute.
// Implemented by device.Store.
type StateReader interface {
	// GetEntityValue returns (value, true, nil) when the attribute is
	// present, (nil, false, nil) when the entity or attribute is unknown.
	GetEntityValue(ctx context.Context, entityID, attribute string) (any, bool, error)
}

// SceneRunner plays back a scene. Implemented by SceneExecutor.
type SceneRunner interface {
	Run(ctx context.Context, sceneID string) (int, error)
}

// SunTimes answers when a solar event next occurs at the site.
// Implemented by astro.Calculator.
type SunTimes interface {
	// NextEvent returns the next occurrence of the named event shifted
	// by offset, never earlier than now.
	NextEvent(event string, offset time.Duration, now time.Time) (time.Time, error)
}

const (
	// rateLimitMax caps rule firings inside one rolling rateLimitWindow.
	// A runaway feedback loop between two rules hits this cap instead of
	// flooding the bus.
	rateLimitMax    = 10
	rateLimitWindow = time.Minute

	// defaultTickInterval is how often clock-driven rules are evaluated.
	// A sun event fires when it falls inside the upcoming interval.
	defaultTickInterval = time.Minute
)

// Engine evaluates automation rules and runs their actions.
//
// Two entry points drive it: OnEntityChanged for state triggers, fed by
// the ingest pipeline after each accepted state update, and Tick for
// time and sun triggers, fired once per minute by the scheduler.
//
// Every firing passes two gates in order: the rolling rate limit, then
// the per-rule cooldown answered from the rule's last execution record.
// A rule that fails mid-evaluation is recorded as a failed execution and
// never blocks its siblings.
//
// Actions of a fired rule run on their own goroutine: per-action delays
// must not stall the ingest worker that delivered the triggering change.
type Engine struct {
	repo      Repository
	states    StateReader
	commander Commander
	scenes    SceneRunner
	sun       SunTimes
	loc       *time.Location
	limiter   *Limiter
	logger    Logger

	tickInterval time.Duration
	wg           sync.WaitGroup

	// now, sleep and launch are swappable for tests.
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	launch func(f func())
}

// NewEngine creates an automation engine. The location is the home's
// timezone for time triggers; nil falls back to time.Local. A nil sun
// calculator disables sun triggers, a nil logger disables logging.
func NewEngine(repo Repository, states StateReader, commander Commander, scenes SceneRunner, sun SunTimes, loc *time.Location, logger Logger) *Engine {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = noopLogger{}
	}
	e := &Engine{
		repo:         repo,
		states:       states,
		commander:    commander,
		scenes:       scenes,
		sun:          sun,
		loc:          loc,
		limiter:      NewLimiter(rateLimitMax, rateLimitWindow),
		logger:       logger,
		tickInterval: defaultTickInterval,
		now:          time.Now,
		sleep:        sleepContext,
	}
	e.launch = e.goLaunch
	return e
}

// goLaunch runs f on its own goroutine, tracked for Wait.
func (e *Engine) goLaunch(f func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		f()
	}()
}

// Wait blocks until every in-flight action run has finished. Called on
// shutdown after the entry points have stopped; cancelling their context
// aborts pending delays.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// SetRateLimit replaces the rolling-window firing cap. Values below one
// keep the current limit. Call before the engine starts serving events.
func (e *Engine) SetRateLimit(maxPerWindow int) {
	if maxPerWindow > 0 {
		e.limiter = NewLimiter(maxPerWindow, rateLimitWindow)
	}
}

// ─── Entry Points ────────────────────────────────────────────────────────────

// OnEntityChanged evaluates every enabled rule carrying a state trigger
// on the changed entity attribute. The matching trigger is compared
// against newValue; any other state trigger of the same rule reads the
// live store. Rules are evaluated independently, a failure in one never
// stops the rest.
func (e *Engine) OnEntityChanged(ctx context.Context, entityID, attribute string, newValue any) {
	rules, err := e.repo.ListEnabledByStateTrigger(ctx, entityID, attribute)
	if err != nil {
		e.logger.Error("listing rules for state change failed",
			"entity_id", entityID, "attribute", attribute, "error", err)
		return
	}

	at := e.now()
	for i := range rules {
		e.evaluateRule(ctx, &rules[i], at, entityID, attribute, newValue)
	}
}

// Tick evaluates every enabled rule carrying a time or sun trigger
// against the given instant. Called once per tick interval; a time
// trigger matches when the local clock reads its HH:MM, a sun trigger
// when its event falls inside the upcoming interval.
func (e *Engine) Tick(ctx context.Context, at time.Time) {
	rules, err := e.repo.ListEnabledWithClockTriggers(ctx)
	if err != nil {
		e.logger.Error("listing clock rules failed", "error", err)
		return
	}

	for i := range rules {
		e.evaluateRule(ctx, &rules[i], at, "", "", nil)
	}
}

// ─── Evaluation ──────────────────────────────────────────────────────────────

// evaluateRule checks one rule's triggers and fires it when satisfied.
// A panic or evaluation error is recorded as a failed execution so the
// rule's history shows the miss, then evaluation moves on.
func (e *Engine) evaluateRule(ctx context.Context, rule *Automation, at time.Time, entityID, attribute string, newValue any) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("rule evaluation panicked",
				"automation_id", rule.ID, "name", rule.Name, "panic", r)
			e.writeRecord(ctx, rule, entityID, stringify(newValue), false, fmt.Sprintf("panic: %v", r))
		}
	}()

	satisfied, err := e.triggersSatisfied(ctx, rule, at, entityID, attribute, newValue)
	if err != nil {
		e.logger.Warn("rule evaluation failed",
			"automation_id", rule.ID, "name", rule.Name, "error", err)
		e.writeRecord(ctx, rule, entityID, stringify(newValue), false, err.Error())
		return
	}
	if !satisfied {
		return
	}

	e.fire(ctx, rule, entityID, stringify(newValue))
}

// triggersSatisfied combines the rule's trigger results per its mode.
// A rule without triggers never fires.
func (e *Engine) triggersSatisfied(ctx context.Context, rule *Automation, at time.Time, entityID, attribute string, newValue any) (bool, error) {
	if len(rule.Triggers) == 0 {
		return false, nil
	}

	anyHit := false
	for i := range rule.Triggers {
		hit, err := e.evalTrigger(ctx, &rule.Triggers[i], at, entityID, attribute, newValue)
		if err != nil {
			return false, err
		}
		if rule.TriggerMode == ModeAll && !hit {
			return false, nil
		}
		if hit {
			anyHit = true
		}
	}

	if rule.TriggerMode == ModeAny {
		return anyHit, nil
	}
	return true, nil
}

// evalTrigger evaluates one trigger at the given instant. The trigger
// matching the changed entity attribute uses the delivered value, every
// other state trigger reads the live store.
func (e *Engine) evalTrigger(ctx context.Context, t *Trigger, at time.Time, entityID, attribute string, newValue any) (bool, error) {
	switch t.Type {
	case TriggerState:
		var actual any
		if entityID != "" && t.EntityID == entityID && t.Attribute == attribute {
			actual = newValue
		} else {
			v, ok, err := e.states.GetEntityValue(ctx, t.EntityID, t.Attribute)
			if err != nil {
				return false, fmt.Errorf("%w: reading %s.%s: %v",
					ErrRuleEvaluation, t.EntityID, t.Attribute, err)
			}
			if !ok {
				return false, nil
			}
			actual = v
		}
		return compareValues(t.Operator, actual, t.Value)

	case TriggerTime:
		return e.timeMatches(t, at), nil

	case TriggerSun:
		return e.sunMatches(t, at)

	default:
		return false, fmt.Errorf("%w: unknown trigger type %q", ErrRuleEvaluation, t.Type)
	}
}

// timeMatches reports whether the local clock reads the trigger's HH:MM
// on an allowed weekday. An empty weekday set means every day.
func (e *Engine) timeMatches(t *Trigger, at time.Time) bool {
	local := at.In(e.loc)
	if local.Format("15:04") != t.AtTime {
		return false
	}
	if len(t.Weekdays) == 0 {
		return true
	}
	for _, wd := range t.Weekdays {
		if wd == local.Weekday() {
			return true
		}
	}
	return false
}

// sunMatches reports whether the trigger's offset sun event falls inside
// the upcoming tick interval.
func (e *Engine) sunMatches(t *Trigger, at time.Time) (bool, error) {
	if e.sun == nil {
		return false, nil
	}
	event, err := e.sun.NextEvent(string(t.Event), time.Duration(t.OffsetMinutes)*time.Minute, at)
	if err != nil {
		return false, fmt.Errorf("%w: sun event %s: %v", ErrRuleEvaluation, t.Event, err)
	}
	d := event.Sub(at)
	return d >= 0 && d < e.tickInterval, nil
}

// ─── Firing ──────────────────────────────────────────────────────────────────

// fire runs a satisfied rule through the rate limit and cooldown gates,
// then hands its actions to their own goroutine. The caller is an ingest
// worker or the tick driver; neither may block on action delays.
func (e *Engine) fire(ctx context.Context, rule *Automation, triggerEntityID, triggerValue string) {
	if !e.limiter.Allow(rule.ID) {
		e.logger.Warn("rate limit reached, skipping rule",
			"automation_id", rule.ID, "name", rule.Name)
		return
	}

	if e.inCooldown(ctx, rule) {
		e.logger.Debug("rule in cooldown, skipping",
			"automation_id", rule.ID, "name", rule.Name,
			"cooldown_seconds", rule.CooldownSeconds)
		return
	}

	e.logger.Info("rule fired",
		"automation_id", rule.ID, "name", rule.Name,
		"trigger_entity_id", triggerEntityID, "trigger_value", triggerValue)

	// Detach from the caller's copy of the rule before leaving the
	// synchronous path.
	run := rule.DeepCopy()
	e.launch(func() {
		e.runActions(ctx, run, triggerEntityID, triggerValue)
	})
}

// runActions executes a fired rule's actions in order. Actions continue
// past individual failures; one aggregated execution record is written
// at the end.
func (e *Engine) runActions(ctx context.Context, rule *Automation, triggerEntityID, triggerValue string) {
	var failures []string
	for i := range rule.Actions {
		act := &rule.Actions[i]

		if act.DelaySeconds > 0 {
			if err := e.sleep(ctx, time.Duration(act.DelaySeconds)*time.Second); err != nil {
				failures = append(failures, fmt.Sprintf("action %d: %v", act.Position, err))
				break
			}
		}

		var err error
		switch {
		case act.SceneID != "":
			_, err = e.scenes.Run(ctx, act.SceneID)
		default:
			err = e.commander.SendCommand(ctx, act.EntityID, act.Command)
		}
		if err != nil {
			e.logger.Warn("rule action failed",
				"automation_id", rule.ID, "position", act.Position, "error", err)
			failures = append(failures, fmt.Sprintf("action %d: %v", act.Position, err))
		}
	}

	e.writeRecord(ctx, rule, triggerEntityID, triggerValue,
		len(failures) == 0, strings.Join(failures, "; "))
}

// inCooldown reports whether the rule fired too recently, answered from
// its newest execution record. A repository error fails open so a
// storage hiccup cannot silence automations.
func (e *Engine) inCooldown(ctx context.Context, rule *Automation) bool {
	if rule.CooldownSeconds <= 0 {
		return false
	}

	last, err := e.repo.LastExecution(ctx, rule.ID)
	if err != nil {
		e.logger.Error("reading last execution failed",
			"automation_id", rule.ID, "error", err)
		return false
	}
	if last == nil {
		return false
	}

	return e.now().Sub(last.ExecutedAt) < time.Duration(rule.CooldownSeconds)*time.Second
}

// writeRecord appends an execution record; failures are logged, never
// propagated, a lost record must not abort rule processing.
func (e *Engine) writeRecord(ctx context.Context, rule *Automation, triggerEntityID, triggerValue string, success bool, errMsg string) {
	rec := &ExecutionRecord{
		AutomationID:    rule.ID,
		TriggerEntityID: triggerEntityID,
		TriggerValue:    triggerValue,
		Success:         success,
		ErrorMessage:    errMsg,
		ExecutedAt:      e.now().UTC(),
	}
	if err := e.repo.RecordExecution(ctx, rec); err != nil {
		e.logger.Error("recording execution failed",
			"automation_id", rule.ID, "error", err)
	}
}

// stringify renders a trigger value for the execution record.
func stringify(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprint(v)
}

// sleepContext waits for the duration or the context, whichever ends first.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
