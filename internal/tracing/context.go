package tracing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	// TraceIDKey is the context key for trace ID
	TraceIDKey ContextKey = "trace_id"
	// RunIDKey is the context key for the run that produced a mutation
	RunIDKey ContextKey = "run_id"
	// ActorKey is the context key for the caller identity
	ActorKey ContextKey = "actor"
	// SessionIDKey is the context key for the memory session
	SessionIDKey ContextKey = "session_id"
	// ProposalIDKey is the context key for a gate proposal
	ProposalIDKey ContextKey = "proposal_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID    string
	RunID      string
	Actor      string
	SessionID  string
	ProposalID string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

// WithTraceID adds a trace ID to the context
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithRunID adds a run ID to the context
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// WithActor adds the caller identity to the context
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, ActorKey, actor)
}

// WithSessionID adds a session ID to the context
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, SessionIDKey, sessionID)
}

// WithProposalID adds a proposal ID to the context
func WithProposalID(ctx context.Context, proposalID string) context.Context {
	return context.WithValue(ctx, ProposalIDKey, proposalID)
}

func stringValue(ctx context.Context, key ContextKey) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

// GetTraceID retrieves the trace ID from the context
func GetTraceID(ctx context.Context) string {
	return stringValue(ctx, TraceIDKey)
}

// GetRunID retrieves the run ID from the context
func GetRunID(ctx context.Context) string {
	return stringValue(ctx, RunIDKey)
}

// GetActor retrieves the actor from the context
func GetActor(ctx context.Context) string {
	return stringValue(ctx, ActorKey)
}

// GetSessionID retrieves the session ID from the context
func GetSessionID(ctx context.Context) string {
	return stringValue(ctx, SessionIDKey)
}

// GetProposalID retrieves the proposal ID from the context
func GetProposalID(ctx context.Context) string {
	return stringValue(ctx, ProposalIDKey)
}

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:    GetTraceID(ctx),
		RunID:      GetRunID(ctx),
		Actor:      GetActor(ctx),
		SessionID:  GetSessionID(ctx),
		ProposalID: GetProposalID(ctx),
	}
}

// NewOperationContext starts a run for one core operation. An existing run ID
// is kept so nested calls report under the caller's run.
func NewOperationContext(ctx context.Context, actor string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	if GetRunID(ctx) == "" {
		ctx = WithRunID(ctx, NewRunID())
	}
	if actor != "" {
		ctx = WithActor(ctx, actor)
	}
	return ctx
}

// LoggerFromContext adds tracing fields from ctx to baseLogger
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	lc := baseLogger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.Actor != "" {
		lc = lc.Str("actor", tc.Actor)
	}
	if tc.SessionID != "" {
		lc = lc.Str("session_id", tc.SessionID)
	}
	if tc.ProposalID != "" {
		lc = lc.Str("proposal_id", tc.ProposalID)
	}
	return lc.Logger()
}
