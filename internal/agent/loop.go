package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"

	"github.com/koopa0/stockdesk/internal/cache"
	"github.com/koopa0/stockdesk/internal/log"
)

// State is the loop's position in its lifecycle.
type State string

const (
	// StateAwaitingModel means a model turn has been requested.
	StateAwaitingModel State = "AWAITING_MODEL_TURN"

	// StateExecutingTools means a turn's tool calls are running.
	StateExecutingTools State = "EXECUTING_TOOLS"

	// StateDone means the model produced a final text answer.
	StateDone State = "DONE"

	// StateDoneTruncated means the iteration budget ran out while the
	// model still wanted tools; the stream ended with a truncation
	// notice instead of a real answer.
	StateDoneTruncated State = "DONE_TRUNCATED"

	// StateFailed means the request died: model error, cancellation, or
	// protocol violation.
	StateFailed State = "FAILED"
)

// truncationNotice is streamed when the iteration budget runs out.
const truncationNotice = "\n\nI hit the limit on research steps for this question. " +
	"The answer above reflects what I gathered so far; ask a follow-up and I can dig further."

// ModelClient produces one model turn from a transcript. Implementations
// buffer the provider's stream into ordered fragments so the loop can
// replay them in emission order.
type ModelClient interface {
	RequestTurn(ctx context.Context, turns []Turn) (*ModelTurn, error)
}

// ToolRunner executes one turn's tool calls. The production implementation
// is *Executor; tests substitute fakes, including misbehaving ones.
type ToolRunner interface {
	ExecuteAll(ctx context.Context, calls []ToolCall, snap *cache.Snapshot) []ToolResult
}

// Outcome is what a finished run left behind. Valid only after the event
// sequence has been fully consumed.
type Outcome struct {
	// State is one of StateDone, StateDoneTruncated, StateFailed.
	State State

	// NewTurns are the turns this run produced (the user turn included),
	// ready to append to the conversation. On failure it holds only the
	// consistent prefix: never a model turn whose tool calls went
	// unanswered.
	NewTurns []Turn

	// Err is set when State is StateFailed.
	Err error
}

// Loop drives the conversation between model turns and tool execution.
type Loop struct {
	model    ModelClient
	runner   ToolRunner
	maxTurns int
	logger   log.Logger
}

// LoopConfig configures a Loop.
type LoopConfig struct {
	Model  ModelClient
	Runner ToolRunner

	// MaxTurns caps model round-trips per user message. Required.
	MaxTurns int

	Logger log.Logger
}

// NewLoop creates a Loop.
func NewLoop(cfg LoopConfig) (*Loop, error) {
	if cfg.Model == nil {
		return nil, errors.New("model client is required")
	}
	if cfg.Runner == nil {
		return nil, errors.New("tool runner is required")
	}
	if cfg.MaxTurns < 1 {
		return nil, fmt.Errorf("max turns must be positive, got %d", cfg.MaxTurns)
	}
	if cfg.Logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Loop{
		model:    cfg.Model,
		runner:   cfg.Runner,
		maxTurns: cfg.MaxTurns,
		logger:   cfg.Logger,
	}, nil
}

// Run processes one user message against the existing history. Events are
// produced lazily: the sequence suspends at model turns and live tool
// fetches, so the consumer can stream each event as it happens. The
// returned Outcome is populated once the sequence ends.
//
// Every sequence ends with exactly one terminal event: done on success or
// truncation, error on failure.
func (l *Loop) Run(ctx context.Context, history []Turn, message string, snap *cache.Snapshot) (iter.Seq[Event], *Outcome) {
	outcome := &Outcome{}

	seq := func(yield func(Event) bool) {
		userTurn := Turn{Role: RoleUser, Text: message}
		transcript := append(slices.Clone(history), userTurn)
		outcome.NewTurns = []Turn{userTurn}

		for iteration := 1; iteration <= l.maxTurns; iteration++ {
			if err := ctx.Err(); err != nil {
				l.fail(outcome, yield, fmt.Errorf("request cancelled: %w", err))
				return
			}

			l.logger.Debug("requesting model turn",
				"iteration", iteration,
				"state", StateAwaitingModel,
				"transcript_len", len(transcript))

			turn, err := l.model.RequestTurn(ctx, transcript)
			if err != nil {
				l.fail(outcome, yield, fmt.Errorf("%w: %v", ErrModelTurn, err))
				return
			}

			for _, fragment := range turn.Fragments {
				if fragment == "" {
					continue
				}
				if !yield(textEvent(fragment)) {
					l.abandon(outcome)
					return
				}
			}

			modelTurn := Turn{Role: RoleModel, Text: turn.Text(), ToolCalls: turn.ToolCalls}

			if turn.Final() {
				outcome.NewTurns = append(outcome.NewTurns, modelTurn)
				outcome.State = StateDone
				yield(doneEvent())
				return
			}

			l.logger.Debug("executing tool calls",
				"iteration", iteration,
				"state", StateExecutingTools,
				"calls", len(turn.ToolCalls))

			for _, call := range turn.ToolCalls {
				if !yield(toolCallEvent(call.Name, StatusCalling)) {
					l.abandon(outcome)
					return
				}
			}

			results := l.runner.ExecuteAll(ctx, turn.ToolCalls, snap)

			if err := checkPairing(turn.ToolCalls, results); err != nil {
				// The model turn is NOT appended: history stays at the
				// last consistent state and the request dies here.
				l.fail(outcome, yield, err)
				return
			}

			for _, result := range results {
				status := StatusComplete
				if result.Err != nil {
					status = StatusError
				}
				if !yield(toolCallEvent(result.Name, status)) {
					l.abandon(outcome)
					return
				}
			}

			toolTurn := Turn{Role: RoleTool, Results: results}
			outcome.NewTurns = append(outcome.NewTurns, modelTurn, toolTurn)
			transcript = append(transcript, modelTurn, toolTurn)
		}

		// Budget exhausted with the model still asking for tools.
		l.logger.Info("iteration budget exhausted", "max_turns", l.maxTurns)
		if !yield(textEvent(truncationNotice)) {
			l.abandon(outcome)
			return
		}
		outcome.NewTurns = append(outcome.NewTurns, Turn{Role: RoleModel, Text: truncationNotice})
		outcome.State = StateDoneTruncated
		yield(doneEvent())
	}

	return seq, outcome
}

// checkPairing enforces the call/result contract: exactly one result per
// call, in call order, names matching. Anything else is a protocol
// violation and fatal for the request.
func checkPairing(calls []ToolCall, results []ToolResult) error {
	if len(results) != len(calls) {
		return fmt.Errorf("%w: %d calls produced %d results", ErrProtocolViolation, len(calls), len(results))
	}
	for i, call := range calls {
		if results[i].Name != call.Name {
			return fmt.Errorf("%w: result %d answers %q, call was %q", ErrProtocolViolation, i, results[i].Name, call.Name)
		}
	}
	return nil
}

func (l *Loop) fail(outcome *Outcome, yield func(Event) bool, err error) {
	l.logger.Error("agent loop failed", "error", err)
	outcome.State = StateFailed
	outcome.Err = err
	yield(errorEvent(err.Error()))
}

// abandon records a consumer that stopped ranging mid-stream (client
// disconnect). No terminal event can be delivered.
func (l *Loop) abandon(outcome *Outcome) {
	outcome.State = StateFailed
	outcome.Err = context.Canceled
}
