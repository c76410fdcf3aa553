package sim

import (
	"context"
	"errors"
	"sync"
	"time"

	"simsync/server/internal/command"
	"simsync/server/internal/telemetry"
	loggingsimulation "simsync/server/logging/simulation"
)

// Reasons Enqueue gives for refusing a command.
const (
	CommandRejectQueueLimit = "queue_limit"
	CommandRejectQueueFull  = "queue_full"
)

// LoopConfig sizes the staging area and paces the tick loop.
type LoopConfig struct {
	TickRate        int
	CatchupMaxTicks int
	CommandCapacity int
	PerActorLimit   int
	WarningStep     int
}

// LoopHooks observe the loop. All hooks run on the loop goroutine except
// OnCommandDrop and OnQueueWarning, which run on the enqueueing goroutine.
type LoopHooks struct {
	AfterStep      func(LoopStepResult)
	OnCommandDrop  func(reason string, cmd command.Command)
	OnQueueWarning func(length int)
}

// LoopStepResult extends StepResult with timing details.
type LoopStepResult struct {
	StepResult
	Err      error
	Now      time.Time
	Duration time.Duration
	Budget   time.Duration
}

// Loop stages commands between ticks and drives the fixed-timestep runner.
type Loop struct {
	engine  *Engine
	staging *Staging
	hooks   LoopHooks
	config  LoopConfig
	logger  telemetry.Logger

	dropMu sync.Mutex
	drops  map[uint32]uint64

	overrunStreak uint64
}

func NewLoop(engine *Engine, cfg LoopConfig, hooks LoopHooks) *Loop {
	if engine == nil {
		return nil
	}
	deps := engine.Deps()
	return &Loop{
		engine:  engine,
		staging: NewStaging(cfg.CommandCapacity, cfg.PerActorLimit, deps.Metrics),
		hooks:   hooks,
		config:  cfg,
		logger:  deps.Logger,
		drops:   make(map[uint32]uint64),
	}
}

func (l *Loop) Engine() *Engine {
	if l == nil {
		return nil
	}
	return l.engine
}

// Pending reports the number of staged commands.
func (l *Loop) Pending() int {
	if l == nil {
		return 0
	}
	return l.staging.Len()
}

// Enqueue stages a command for the next tick. A refused command comes back
// with CommandRejectQueueLimit or CommandRejectQueueFull.
func (l *Loop) Enqueue(cmd command.Command) (bool, string) {
	if l == nil {
		return false, CommandRejectQueueFull
	}
	length, err := l.staging.Stage(cmd)
	if err != nil {
		reason := CommandRejectQueueFull
		if errors.Is(err, errActorLimited) {
			reason = CommandRejectQueueLimit
		}
		l.reportDrop(reason, cmd)
		return false, reason
	}
	if step := l.config.WarningStep; step > 0 && length%step == 0 && l.hooks.OnQueueWarning != nil {
		l.hooks.OnQueueWarning(length)
	}
	return true, ""
}

// Cancel withdraws staged commands matching pred before they execute. Only
// the host cancels; once a command has executed it is part of the canonical
// log.
func (l *Loop) Cancel(pred func(command.Command) bool) int {
	if l == nil {
		return 0
	}
	return l.staging.Cancel(pred)
}

// Advance executes the next tick using the staged commands.
func (l *Loop) Advance() LoopStepResult {
	if l == nil {
		return LoopStepResult{}
	}
	commands := l.staging.Take()
	tick := l.engine.Tick() + 1
	step, err := l.engine.Apply(tick, commands)
	return LoopStepResult{StepResult: step, Err: err}
}

// Run drives the fixed-timestep loop until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if l == nil {
		return nil
	}
	tickRate := l.config.TickRate
	if tickRate <= 0 {
		tickRate = 15
	}
	budget := time.Second / time.Duration(tickRate)
	ticker := time.NewTicker(budget)
	defer ticker.Stop()

	clock := l.engine.Deps().Clock
	last := clock.Now()
	catchup := l.config.CatchupMaxTicks
	if catchup < 1 {
		catchup = 1
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			now := clock.Now()
			steps := int(now.Sub(last) / budget)
			if steps < 1 {
				steps = 1
			} else if steps > catchup {
				steps = catchup
			}
			last = now

			for i := 0; i < steps; i++ {
				start := clock.Now()
				result := l.Advance()
				result.Now = now
				result.Duration = clock.Now().Sub(start)
				result.Budget = budget
				l.observeBudget(ctx, result)
				if l.hooks.AfterStep != nil {
					l.hooks.AfterStep(result)
				}
			}
		}
	}
}

func (l *Loop) observeBudget(ctx context.Context, result LoopStepResult) {
	if result.Budget <= 0 || result.Duration <= result.Budget {
		l.overrunStreak = 0
		return
	}
	l.overrunStreak++
	loggingsimulation.TickBudgetOverrun(ctx, l.engine.Deps().Publisher, result.Tick, loggingsimulation.TickBudgetOverrunPayload{
		DurationMillis: result.Duration.Milliseconds(),
		BudgetMillis:   result.Budget.Milliseconds(),
		Ratio:          float64(result.Duration) / float64(result.Budget),
		Streak:         l.overrunStreak,
	}, nil)
}

// reportDrop logs the 1st, 2nd, 4th, 8th... drop per actor so a flooding
// peer cannot flood the log too.
func (l *Loop) reportDrop(reason string, cmd command.Command) {
	if l.hooks.OnCommandDrop != nil {
		l.hooks.OnCommandDrop(reason, cmd)
	}
	l.dropMu.Lock()
	l.drops[cmd.Actor]++
	count := l.drops[cmd.Actor]
	l.dropMu.Unlock()
	if count&(count-1) == 0 {
		l.logger.Printf("[backpressure] dropping %s from actor %d: %s (%d so far, limit %d)",
			cmd.Name(), cmd.Actor, reason, count, l.config.PerActorLimit)
	}
}
