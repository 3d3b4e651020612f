// Package agent executes chat turns against sessions. A turn feeds the
// session history to the LLM provider, streams the reply, runs any tool
// calls the model requests, and repeats until the model answers in plain
// text or the round budget runs out. Every step is published on the event
// bus and mirrored into the session's durable event log.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nextlevelbuilder/bamboo/internal/bus"
	"github.com/nextlevelbuilder/bamboo/internal/providers"
	"github.com/nextlevelbuilder/bamboo/internal/session"
	"github.com/nextlevelbuilder/bamboo/internal/telemetry"
	"github.com/nextlevelbuilder/bamboo/internal/tools"
)

// DefaultMaxRounds bounds a turn when the config does not say otherwise.
const DefaultMaxRounds = 10

// ErrCancelled is returned by Run when the turn was stopped before the
// model produced a final answer.
var ErrCancelled = errors.New("agent: cancelled")

// PromptFunc resolves the system prompt for a turn. It runs once per
// request, so prompt sources that reload at runtime (skills) apply on the
// next turn without a restart.
type PromptFunc func() string

// LoopConfig carries the handles and limits a Loop runs with.
type LoopConfig struct {
	Provider providers.Provider
	Tools    *tools.Registry
	Sessions *session.Manager
	Bus      *bus.Bus

	Prompt      PromptFunc
	Model       string // default model; session and per-request overrides win
	MaxRounds   int
	MaxTokens   int
	Temperature float64
}

// Loop executes chat turns. It holds no per-turn state; all conversation
// state lives in the session manager, so one Loop serves every session.
// Callers must not run two turns on the same session concurrently (the
// Runner serializes them).
type Loop struct {
	provider providers.Provider
	tools    *tools.Registry
	sessions *session.Manager
	bus      *bus.Bus

	prompt      PromptFunc
	model       string
	maxRounds   int
	maxTokens   int
	temperature float64
}

// NewLoop builds a Loop, applying defaults for unset limits.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.MaxRounds <= 0 {
		cfg.MaxRounds = DefaultMaxRounds
	}
	return &Loop{
		provider:    cfg.Provider,
		tools:       cfg.Tools,
		sessions:    cfg.Sessions,
		bus:         cfg.Bus,
		prompt:      cfg.Prompt,
		model:       cfg.Model,
		maxRounds:   cfg.MaxRounds,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

// Request is one chat turn to execute.
type Request struct {
	SessionID string
	UserID    string
	Content   string
	Model     string // optional override, persisted on the session
	ReplyTo   *bus.ReplyChannel
}

// Result summarizes a finished turn.
type Result struct {
	Content   string
	Rounds    int
	ToolCalls int
	Usage     bus.Usage
}

// Run executes one chat turn against req.SessionID. Exactly one terminal
// event, agent_complete or agent_error, is published for every call
// regardless of outcome.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "agent.run",
		trace.WithAttributes(attribute.String("session.id", req.SessionID)))
	defer span.End()

	start := time.Now()
	res, err := l.run(ctx, req)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		l.emit(bus.Event{
			Type:      bus.EventAgentError,
			SessionID: req.SessionID,
			Error:     publicError(err),
		})
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("agent.rounds", res.Rounds),
		attribute.Int("agent.tool_calls", res.ToolCalls),
	)
	usage := res.Usage
	l.emit(bus.Event{
		Type:      bus.EventAgentComplete,
		SessionID: req.SessionID,
		Content:   res.Content,
		Usage:     &usage,
	})
	slog.Info("turn complete",
		"session", req.SessionID,
		"rounds", res.Rounds,
		"tools", res.ToolCalls,
		"duration", time.Since(start).Round(time.Millisecond))
	return res, nil
}

func (l *Loop) run(ctx context.Context, req Request) (*Result, error) {
	sess, created, err := l.sessions.GetOrCreate(req.SessionID, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if created {
		l.bus.Publish(bus.Event{Type: bus.EventSessionCreated, SessionID: req.SessionID})
	}

	model := firstNonEmpty(req.Model, sess.Model, l.model, l.provider.DefaultModel())
	if req.Model != "" && req.Model != sess.Model {
		if err := l.sessions.SetModel(req.SessionID, req.Model); err != nil {
			slog.Warn("set session model", "session", req.SessionID, "error", err)
		}
	}

	if err := l.sessions.AppendMessage(req.SessionID, session.NewMessage(session.RoleUser, req.Content)); err != nil {
		return nil, fmt.Errorf("append user message: %w", err)
	}

	res := &Result{}
	for round := 1; round <= l.maxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		res.Rounds = round

		history, err := l.sessions.History(req.SessionID)
		if err != nil {
			return nil, fmt.Errorf("load history: %w", err)
		}
		messages := buildMessages(l.systemPrompt(), history)

		slog.Debug("agent round",
			"session", req.SessionID,
			"round", round,
			"model", model,
			"messages", len(messages))

		turn, err := l.streamRound(ctx, req.SessionID, model, messages)
		if err != nil {
			return nil, err
		}
		if turn.usage != nil {
			res.Usage.InputTokens += turn.usage.InputTokens
			res.Usage.OutputTokens += turn.usage.OutputTokens
		}
		res.Content = turn.content

		if len(turn.calls) == 0 {
			if turn.finish == providers.FinishLength {
				slog.Warn("response truncated by token limit", "session", req.SessionID, "round", round)
			}
			if err := l.sessions.AppendMessage(req.SessionID, session.NewMessage(session.RoleAssistant, turn.content)); err != nil {
				return nil, fmt.Errorf("append assistant message: %w", err)
			}
			l.recordUsage(req.SessionID, res.Usage)
			return res, nil
		}

		assistant := session.NewMessage(session.RoleAssistant, turn.content)
		assistant.ToolCalls = turn.calls
		if err := l.sessions.AppendMessage(req.SessionID, assistant); err != nil {
			return nil, fmt.Errorf("append assistant message: %w", err)
		}

		for _, call := range turn.calls {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrCancelled, err)
			}
			res.ToolCalls++
			outcome := l.runTool(ctx, req.SessionID, call)
			if err := l.sessions.AppendMessage(req.SessionID, session.NewToolMessage(call.ID, outcome)); err != nil {
				return nil, fmt.Errorf("append tool message: %w", err)
			}
		}
	}

	// Budget exhausted while the model was still asking for tools. Surface
	// what we have instead of failing the turn.
	slog.Warn("round budget exhausted", "session", req.SessionID, "rounds", l.maxRounds)
	l.recordUsage(req.SessionID, res.Usage)
	return res, nil
}

// partialCall accumulates one tool call across stream chunks. Argument
// fragments arrive as deltas and are only parsed after the stream ends.
type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// finalize parses the accumulated argument fragments. Anything that does
// not decode as a JSON object is replaced with an empty object so the tool
// still runs and the model sees its own mistake in the result.
func (pc *partialCall) finalize() session.ToolCall {
	raw := strings.TrimSpace(pc.args.String())
	if raw == "" {
		raw = "{}"
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		slog.Warn("malformed tool arguments", "tool", pc.name, "call_id", pc.id, "error", err)
		raw = "{}"
	}
	return session.ToolCall{ID: pc.id, Name: pc.name, Args: json.RawMessage(raw)}
}

// roundTurn is what one model round produced.
type roundTurn struct {
	content string
	calls   []session.ToolCall
	finish  string
	usage   *bus.Usage
}

// streamRound sends one request upstream and consumes the reply stream,
// emitting token events as content arrives. No session lock is held while
// the stream is open.
func (l *Loop) streamRound(ctx context.Context, sessionID, model string, messages []providers.Message) (*roundTurn, error) {
	chatReq := providers.ChatRequest{
		Model:    model,
		Messages: messages,
		Tools:    l.tools.ProviderDefs(),
		Options:  l.options(),
	}

	var (
		content  strings.Builder
		order    []*partialCall
		byID     = map[string]*partialCall{}
		finish   string
		usage    *bus.Usage
		chunkErr error
	)
	err := l.provider.ChatStream(ctx, chatReq, func(chunk providers.Chunk) {
		switch chunk.Type {
		case providers.ChunkContent:
			if chunk.Content == "" {
				return
			}
			content.WriteString(chunk.Content)
			l.emit(bus.Event{Type: bus.EventToken, SessionID: sessionID, Token: chunk.Content})
		case providers.ChunkToolCallStart:
			pc := byID[chunk.CallID]
			if pc == nil {
				pc = &partialCall{id: chunk.CallID}
				byID[chunk.CallID] = pc
				order = append(order, pc)
			}
			if chunk.Name != "" {
				pc.name = chunk.Name
			}
		case providers.ChunkToolCallDelta:
			if pc := byID[chunk.CallID]; pc != nil {
				pc.args.WriteString(chunk.ArgsDelta)
			}
		case providers.ChunkFinish:
			finish = chunk.FinishReason
		case providers.ChunkUsage:
			if chunk.Usage != nil {
				usage = &bus.Usage{
					InputTokens:  chunk.Usage.InputTokens,
					OutputTokens: chunk.Usage.OutputTokens,
				}
			}
		case providers.ChunkError:
			if chunkErr == nil {
				chunkErr = chunk.Err
			}
		}
	})
	if err == nil {
		err = chunkErr
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrCancelled, ctxErr)
		}
		return nil, fmt.Errorf("chat stream: %w", err)
	}

	turn := &roundTurn{content: content.String(), finish: finish, usage: usage}
	for _, pc := range order {
		turn.calls = append(turn.calls, pc.finalize())
	}
	return turn, nil
}

// runTool executes one call and returns the content of the tool message
// fed back to the model. Failures become "Error: ..." messages rather than
// aborting the turn, so the model can recover or try another approach.
func (l *Loop) runTool(ctx context.Context, sessionID string, call session.ToolCall) string {
	ctx, span := telemetry.Tracer().Start(ctx, "agent.tool",
		trace.WithAttributes(
			attribute.String("tool.name", call.Name),
			attribute.String("tool.call_id", call.ID),
		))
	defer span.End()

	l.emit(bus.Event{
		Type:      bus.EventToolStart,
		SessionID: sessionID,
		CallID:    call.ID,
		Tool:      call.Name,
		Args:      call.Args,
	})
	slog.Info("tool call", "session", sessionID, "tool", call.Name, "call_id", call.ID)

	var args map[string]interface{}
	if err := json.Unmarshal(call.Args, &args); err != nil {
		args = map[string]interface{}{}
	}

	start := time.Now()
	result := l.tools.Execute(tools.WithSessionID(ctx, sessionID), call.Name, args)
	dur := time.Since(start).Round(time.Millisecond)

	if !result.Success {
		span.SetStatus(codes.Error, truncate(result.Result, 200))
		l.emit(bus.Event{
			Type:      bus.EventToolError,
			SessionID: sessionID,
			CallID:    call.ID,
			Tool:      call.Name,
			Error:     result.Result,
		})
		slog.Warn("tool failed",
			"session", sessionID,
			"tool", call.Name,
			"duration", dur,
			"error", truncate(result.Result, 200))
		return "Error: " + result.Result
	}

	l.emit(bus.Event{
		Type:      bus.EventToolComplete,
		SessionID: sessionID,
		CallID:    call.ID,
		Tool:      call.Name,
		Result:    &bus.ToolResult{Success: true, Result: result.Result, Display: result.Display},
	})
	slog.Info("tool complete",
		"session", sessionID,
		"tool", call.Name,
		"duration", dur,
		"bytes", len(result.Result))
	return result.Result
}

// emit publishes evt on the bus and mirrors it into the session's durable
// event log, which also feeds the live stream of an attached gateway client.
func (l *Loop) emit(evt bus.Event) {
	l.bus.Publish(evt)
	logEvt, ok := logEntry(evt)
	if !ok {
		return
	}
	if err := l.sessions.AppendEvent(evt.SessionID, logEvt); err != nil {
		slog.Warn("append event", "session", evt.SessionID, "error", err)
	}
}

// logEntry maps a bus event to its session log form. Events that do not
// belong to a per-session log report ok=false.
func logEntry(evt bus.Event) (session.Event, bool) {
	switch evt.Type {
	case bus.EventToken:
		return session.Event{Type: session.EventToken, Content: evt.Token}, true
	case bus.EventToolStart:
		return session.Event{Type: session.EventToolStart, CallID: evt.CallID, Tool: evt.Tool, Args: evt.Args}, true
	case bus.EventToolComplete:
		e := session.Event{Type: session.EventToolComplete, CallID: evt.CallID, Tool: evt.Tool}
		if evt.Result != nil {
			e.Result = evt.Result.Result
			e.Success = &evt.Result.Success
		}
		return e, true
	case bus.EventToolError:
		return session.Event{Type: session.EventToolError, CallID: evt.CallID, Tool: evt.Tool, Error: evt.Error}, true
	case bus.EventAgentComplete:
		e := session.Event{Type: session.EventComplete}
		if evt.Usage != nil {
			e.Usage = &session.UsageTotals{
				InputTokens:  evt.Usage.InputTokens,
				OutputTokens: evt.Usage.OutputTokens,
			}
		}
		return e, true
	case bus.EventAgentError:
		return session.Event{Type: session.EventError, Error: evt.Error}, true
	}
	return session.Event{}, false
}

func (l *Loop) systemPrompt() string {
	if l.prompt == nil {
		return ""
	}
	return l.prompt()
}

func (l *Loop) options() map[string]interface{} {
	opts := map[string]interface{}{}
	if l.maxTokens > 0 {
		opts[providers.OptMaxTokens] = l.maxTokens
	}
	if l.temperature > 0 {
		opts[providers.OptTemperature] = l.temperature
	}
	if len(opts) == 0 {
		return nil
	}
	return opts
}

func (l *Loop) recordUsage(sessionID string, u bus.Usage) {
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return
	}
	if err := l.sessions.AddUsage(sessionID, u.InputTokens, u.OutputTokens); err != nil {
		slog.Warn("record usage", "session", sessionID, "error", err)
	}
}

// publicError is the error text shown to clients in agent_error events.
func publicError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return "cancelled"
	}
	return err.Error()
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, max int) string {
	s = strings.ToValidUTF8(s, "")
	if len(s) <= max {
		return s
	}
	// Don't cut in the middle of a multi-byte rune.
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max] + "..."
}
