// Package usecase holds the turn loop and its supporting pieces:
// prompt assembly, token budgeting, per-thread locking and stream
// accumulation. It depends on capability interfaces only; concrete
// stores, gateways and tools are injected at startup.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"parley/internal/domain"
	"parley/internal/infra/tracer"
	"parley/internal/usecase/eventbus"
)

// Gateway retry tuning. Only rate-limited calls are retried; other
// gateway failures abort the turn with the last checkpoint intact.
const (
	maxGatewayAttempts = 3
	baseRetryDelay     = 500 * time.Millisecond
	maxRetryDelay      = 10 * time.Second
)

// KindBinding couples one conversation kind's directive with its bound
// tool registry. Registries are immutable after startup.
type KindBinding struct {
	Directive string
	Tools     domain.ToolResolver
}

// TurnRunnerDeps holds the injected collaborators for the runner.
// Locks, Lease and Bus are optional; nil disables them.
type TurnRunnerDeps struct {
	Gateway     domain.ModelGateway
	Store       domain.StateStore
	Prompts     *PromptBuilder
	Kinds       map[string]KindBinding
	DefaultKind string
	Locks       *ThreadLocker
	Lease       domain.ThreadLease
	Bus         domain.EventBus
	Logger      *slog.Logger

	StepLimit      int
	GatewayTimeout time.Duration
	ToolTimeout    time.Duration
	ParallelTools  bool
}

// TurnRunner drives one turn through the loop:
//
//	AwaitingInput → Reasoning → {Dispatching → Executing → Reasoning}* → Completed | Failed
//
// Every completed transition is checkpointed before the next begins, so
// any abort leaves the thread resumable from the last good version.
type TurnRunner struct {
	deps TurnRunnerDeps
}

// NewTurnRunner creates a runner.
func NewTurnRunner(deps TurnRunnerDeps) *TurnRunner {
	if deps.StepLimit <= 0 {
		deps.StepLimit = 8
	}
	if deps.Prompts == nil {
		deps.Prompts = NewPromptBuilder(0, nil)
	}
	return &TurnRunner{deps: deps}
}

// TurnResult reports a completed turn.
type TurnResult struct {
	ThreadID  string
	MessageID string
	Content   string
	// Version is the checkpoint written with the final assistant
	// message; the thread resumes from it.
	Version uint64
	Steps   int
	Usage   domain.Usage
}

// Run executes one turn: append the user message (injecting the
// directive on a fresh conversation), then alternate model calls and
// tool executions until the model answers without tool calls, the step
// limit trips, or a failure aborts. Loop events go to emitter in
// order; emitter never receives terminal frames, those are the
// caller's job.
func (r *TurnRunner) Run(ctx context.Context, threadID, userID, text string, emitter domain.TurnEmitter) (*TurnResult, error) {
	const op = "TurnRunner.Run"

	if emitter == nil {
		emitter = domain.NopEmitter{}
	}
	if strings.TrimSpace(text) == "" {
		return nil, domain.NewDomainError(op, domain.ErrEmptyContent, "message text")
	}

	ctx, span := tracer.StartSpan(ctx, "turn.run",
		trace.WithAttributes(tracer.StringAttr("thread.id", threadID)),
	)
	defer span.End()

	// Serialize within this process, then across instances.
	if r.deps.Locks != nil {
		unlock, err := r.deps.Locks.Lock(ctx, threadID)
		if err != nil {
			return nil, domain.WrapOp(op, err)
		}
		defer unlock()
	}
	if r.deps.Lease != nil {
		release, err := r.deps.Lease.Acquire(ctx, threadID)
		if err != nil {
			if errors.Is(err, domain.ErrTurnInFlight) {
				eventbus.Emit(ctx, r.deps.Bus, domain.EventLeaseConflict, threadID, nil)
			}
			return nil, domain.WrapOp(op, err)
		}
		defer release()
	}

	ctx = domain.ContextWithThreadID(ctx, threadID)

	state, binding, version, err := r.beginTurn(ctx, threadID, userID, text)
	if err != nil {
		return nil, r.fail(ctx, span, threadID, domain.WrapOp(op, err))
	}

	eventbus.Emit(ctx, r.deps.Bus, domain.EventTurnStarted, threadID, map[string]any{
		"user_id": userID,
		"kind":    state.Kind,
		"version": version,
	})

	var totalUsage domain.Usage

	for step := 0; step < r.deps.StepLimit; step++ {
		if ctx.Err() != nil {
			return nil, r.fail(ctx, span, threadID, domain.WrapOp(op, ctx.Err()))
		}
		span.AddEvent("turn.step", trace.WithAttributes(tracer.IntAttr("step", step)))

		req, err := r.deps.Prompts.Build(state, binding.Tools.Schemas(), r.deps.ParallelTools)
		if err != nil {
			return nil, r.fail(ctx, span, threadID, domain.WrapOp(op, err))
		}

		assistant, usage, err := r.callGateway(ctx, req, emitter)
		if err != nil {
			return nil, r.fail(ctx, span, threadID, domain.WrapOp(op, err))
		}
		totalUsage.PromptTokens += usage.PromptTokens
		totalUsage.CompletionTokens += usage.CompletionTokens
		totalUsage.TotalTokens += usage.TotalTokens

		eventbus.Emit(ctx, r.deps.Bus, domain.EventGatewayCall, threadID, map[string]any{
			"provider":          r.deps.Gateway.Name(),
			"step":              step,
			"prompt_tokens":     usage.PromptTokens,
			"completion_tokens": usage.CompletionTokens,
			"tool_calls":        len(assistant.ToolCalls),
		})

		state.Append(assistant)
		version, err = r.checkpoint(ctx, threadID, state, version)
		if err != nil {
			return nil, r.fail(ctx, span, threadID, domain.WrapOp(op, err))
		}

		r.deps.Logger.Debug("model response",
			"thread_id", threadID,
			"step", step,
			"tool_calls", len(assistant.ToolCalls),
			"tokens", usage.TotalTokens,
		)

		// No tool calls: terminal assistant message, turn complete.
		if len(assistant.ToolCalls) == 0 {
			eventbus.Emit(ctx, r.deps.Bus, domain.EventTurnCompleted, threadID, map[string]any{
				"message_id": assistant.ID,
				"version":    version,
				"steps":      step + 1,
			})
			tracer.SetOK(span)
			return &TurnResult{
				ThreadID:  threadID,
				MessageID: assistant.ID,
				Content:   assistant.Content,
				Version:   version,
				Steps:     step + 1,
				Usage:     totalUsage,
			}, nil
		}

		// Dispatching: resolve every requested name before anything
		// runs, so an unknown tool aborts with no partial execution.
		tools := make([]domain.Tool, len(assistant.ToolCalls))
		for i, call := range assistant.ToolCalls {
			tool, err := binding.Tools.Get(call.Name)
			if err != nil {
				return nil, r.fail(ctx, span, threadID, domain.WrapOp(op, err))
			}
			tools[i] = tool
		}

		// Executing.
		results, err := r.dispatch(ctx, state, assistant.ToolCalls, tools, emitter)
		if err != nil {
			return nil, r.fail(ctx, span, threadID, domain.WrapOp(op, err))
		}

		toolMsgs := make([]domain.Message, len(results))
		for i, res := range results {
			toolMsgs[i] = domain.NewToolResultMessage(res)
		}
		state.Append(toolMsgs...)
		version, err = r.checkpoint(ctx, threadID, state, version)
		if err != nil {
			return nil, r.fail(ctx, span, threadID, domain.WrapOp(op, err))
		}
	}

	err = domain.NewDomainError(op, domain.ErrStepLimit,
		fmt.Sprintf("%d steps", r.deps.StepLimit))
	return nil, r.fail(ctx, span, threadID, err)
}

// beginTurn loads or creates the thread state, injects the directive
// on a fresh conversation, appends the user message and writes the
// turn's first checkpoint. A version conflict on this first write
// means a foreign writer advanced the thread between our load and
// write; it is retried once against the fresh tip. Conflicts on any
// later write abort the turn instead.
func (r *TurnRunner) beginTurn(ctx context.Context, threadID, userID, text string) (*domain.ConversationState, KindBinding, uint64, error) {
	userMsg := domain.NewUserMessage(text)

	for attempt := 0; ; attempt++ {
		state, version, err := r.loadOrCreate(ctx, threadID, userID)
		if err != nil {
			return nil, KindBinding{}, 0, err
		}

		binding, err := r.binding(state.Kind)
		if err != nil {
			return nil, KindBinding{}, 0, err
		}

		if !state.HasDirective() && binding.Directive != "" {
			state.Append(domain.NewDirective(binding.Directive))
		}
		state.Append(userMsg)

		cp, err := r.deps.Store.Append(ctx, threadID, state, version)
		if err == nil {
			return state, binding, cp.Version, nil
		}
		if !errors.Is(err, domain.ErrVersionConflict) || attempt > 0 {
			return nil, KindBinding{}, 0, err
		}
		r.deps.Logger.Warn("first checkpoint conflicted, retrying against fresh tip",
			"thread_id", threadID,
			"expected_version", version,
		)
	}
}

func (r *TurnRunner) loadOrCreate(ctx context.Context, threadID, userID string) (*domain.ConversationState, uint64, error) {
	cp, err := r.deps.Store.Load(ctx, threadID)
	switch {
	case err == nil:
		// Work on a copy; the loaded checkpoint stays immutable.
		return cp.State.Clone(), cp.Version, nil
	case errors.Is(err, domain.ErrThreadNotFound):
		return domain.NewConversationState(threadID, userID, r.deps.DefaultKind), 0, nil
	default:
		return nil, 0, err
	}
}

func (r *TurnRunner) binding(kind string) (KindBinding, error) {
	if b, ok := r.deps.Kinds[kind]; ok {
		return b, nil
	}
	return KindBinding{}, fmt.Errorf("conversation kind %q not configured: %w", kind, domain.ErrNotFound)
}

// checkpoint appends mid-turn state at expectedVersion+1. Mid-turn
// conflicts are not retried: a foreign write under our feet means the
// loaded history has diverged, and splicing onto it would interleave
// two turns.
func (r *TurnRunner) checkpoint(ctx context.Context, threadID string, state *domain.ConversationState, expected uint64) (uint64, error) {
	cp, err := r.deps.Store.Append(ctx, threadID, state, expected)
	if err != nil {
		return 0, err
	}
	return cp.Version, nil
}

// callGateway performs one reasoning step's model call, retrying
// rate-limited calls with jittered exponential backoff. Rate limits
// surface before any delta is produced, so a retry never replays
// token events.
func (r *TurnRunner) callGateway(ctx context.Context, req domain.ChatRequest, emitter domain.TurnEmitter) (domain.Message, domain.Usage, error) {
	var lastErr error
	for attempt := 0; attempt < maxGatewayAttempts; attempt++ {
		msg, usage, err := r.callOnce(ctx, req, emitter)
		if err == nil {
			return msg, usage, nil
		}
		lastErr = err

		if !errors.Is(err, domain.ErrRateLimit) || attempt == maxGatewayAttempts-1 {
			break
		}
		delay := retryBackoff(attempt)
		r.deps.Logger.Info("model call rate limited, retrying",
			"attempt", attempt+1,
			"delay", delay,
		)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return domain.Message{}, domain.Usage{}, ctx.Err()
		}
	}
	return domain.Message{}, domain.Usage{}, lastErr
}

func (r *TurnRunner) callOnce(ctx context.Context, req domain.ChatRequest, emitter domain.TurnEmitter) (domain.Message, domain.Usage, error) {
	callCtx := ctx
	if r.deps.GatewayTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.deps.GatewayTimeout)
		defer cancel()
	}

	callCtx, span := tracer.StartSpan(callCtx, "turn.model_call",
		trace.WithAttributes(tracer.StringAttr("model.provider", r.deps.Gateway.Name())),
	)
	defer span.End()

	if sg, ok := r.deps.Gateway.(domain.StreamingModelGateway); ok {
		req.Stream = true
		deltaCh, err := sg.ChatStream(callCtx, req)
		if err != nil {
			tracer.RecordError(span, err)
			return domain.Message{}, domain.Usage{}, err
		}

		var acc streamAccumulator
		for delta := range deltaCh {
			acc.add(delta)
			if delta.Content != "" {
				emitter.EmitToken(delta.Content)
			}
		}

		if err := ctx.Err(); err != nil {
			tracer.RecordError(span, err)
			return domain.Message{}, domain.Usage{}, err
		}
		if err := callCtx.Err(); err != nil {
			err = fmt.Errorf("model stream aborted: %w: %w", domain.ErrGatewayFailed, err)
			tracer.RecordError(span, err)
			return domain.Message{}, domain.Usage{}, err
		}

		msg := acc.message(time.Now())
		var usage domain.Usage
		if acc.usage != nil {
			usage = *acc.usage
		}
		tracer.SetOK(span)
		return msg, usage, nil
	}

	resp, err := r.deps.Gateway.Chat(callCtx, req)
	if err != nil {
		if ctx.Err() == nil && callCtx.Err() != nil && !errors.Is(err, domain.ErrGatewayFailed) {
			err = fmt.Errorf("model call timed out: %w: %w", domain.ErrGatewayFailed, err)
		}
		tracer.RecordError(span, err)
		return domain.Message{}, domain.Usage{}, err
	}

	msg := resp.Message
	if msg.ID == "" {
		msg.ID = domain.NewID(time.Now())
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	tracer.SetOK(span)
	return msg, resp.Usage, nil
}

// dispatch executes one step's tool calls and returns results in
// request order. Sequential by default; with ParallelTools the calls
// run concurrently and results are reassembled in request order, with
// started events emitted in dispatch order before launch and completed
// events in request order after all calls finish.
func (r *TurnRunner) dispatch(ctx context.Context, state *domain.ConversationState, calls []domain.ToolCallRequest, tools []domain.Tool, emitter domain.TurnEmitter) ([]*domain.ToolResult, error) {
	if r.deps.ParallelTools && len(calls) > 1 {
		return r.dispatchParallel(ctx, state, calls, tools, emitter)
	}

	results := make([]*domain.ToolResult, len(calls))
	for i, call := range calls {
		emitter.EmitToolStart(call.Name, call.Arguments)
		res, err := r.executeTool(ctx, state, tools[i], call)
		if err != nil {
			return nil, err
		}
		emitter.EmitToolComplete(call.Name, res.Content)
		results[i] = res
	}
	return results, nil
}

func (r *TurnRunner) dispatchParallel(ctx context.Context, state *domain.ConversationState, calls []domain.ToolCallRequest, tools []domain.Tool, emitter domain.TurnEmitter) ([]*domain.ToolResult, error) {
	for _, call := range calls {
		emitter.EmitToolStart(call.Name, call.Arguments)
	}

	// Indexed result slots preserve request order regardless of
	// completion order. Mutating tools take the state lock exclusively;
	// pure tools share it.
	results := make([]*domain.ToolResult, len(calls))
	errs := make([]error, len(calls))
	var stateMu sync.RWMutex
	var wg sync.WaitGroup
	for i := range calls {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			if tools[idx].Mutating() {
				stateMu.Lock()
				defer stateMu.Unlock()
			} else {
				stateMu.RLock()
				defer stateMu.RUnlock()
			}
			results[idx], errs[idx] = r.executeTool(ctx, state, tools[idx], calls[idx])
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	for i, call := range calls {
		emitter.EmitToolComplete(call.Name, results[i].Content)
	}
	return results, nil
}

// executeTool runs one call under the tool timeout. Executor Go errors
// abort the turn; validation failures arrive as in-band results and
// flow back to the model instead.
func (r *TurnRunner) executeTool(ctx context.Context, state *domain.ConversationState, tool domain.Tool, call domain.ToolCallRequest) (*domain.ToolResult, error) {
	toolCtx := ctx
	if r.deps.ToolTimeout > 0 {
		var cancel context.CancelFunc
		toolCtx, cancel = context.WithTimeout(ctx, r.deps.ToolTimeout)
		defer cancel()
	}

	start := time.Now()
	res, err := tool.Execute(toolCtx, state, call.Arguments)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("tool %s exceeded %s timeout: %w", call.Name, r.deps.ToolTimeout, err)
		}
		return nil, domain.WrapOp("TurnRunner.executeTool", err)
	}

	res.CallID = call.ID
	res.ToolName = call.Name

	r.deps.Logger.Debug("tool executed",
		"thread_id", state.ThreadID,
		"tool", call.Name,
		"is_error", res.IsError,
		"duration", time.Since(start),
	)
	eventbus.Emit(ctx, r.deps.Bus, domain.EventToolExecuted, state.ThreadID, map[string]any{
		"tool":        call.Name,
		"is_error":    res.IsError,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return res, nil
}

// fail records the failure on the span and bus, then passes the error
// through for the caller's terminal frame.
func (r *TurnRunner) fail(ctx context.Context, span trace.Span, threadID string, err error) error {
	tracer.RecordError(span, err)
	r.deps.Logger.Error("turn failed",
		"thread_id", threadID,
		"code", string(domain.ErrorCodeOf(err)),
		"error", err,
	)
	eventbus.Emit(ctx, r.deps.Bus, domain.EventTurnFailed, threadID, map[string]any{
		"reason": err.Error(),
		"code":   string(domain.ErrorCodeOf(err)),
	})
	return err
}

// retryBackoff computes exponential backoff with 0-25% jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}
