package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"openshelf.org/internal/auth"
	"openshelf.org/internal/ids"
	"openshelf.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// requestIDFromContext extracts the audit request id from context if present.
func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Entry is an immutable record of a state-changing action. Entries are
// created only, never mutated or deleted.
type Entry struct {
	ID         string         `json:"id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Action     string         `json:"action"`
	TableName  string         `json:"table_name"`
	RecordID   string         `json:"record_id,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	Origin     string         `json:"origin,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Store is the durable append-only sink for audit entries.
type Store interface {
	AppendAudit(ctx context.Context, e Entry) error
}

// Recorder writes audit entries to the durable store and mirrors them as
// JSON log lines. By default the write is best-effort: a failing audit sink
// is reported but never unwinds the business operation. Strict flips that.
type Recorder struct {
	store  Store
	strict bool
	clock  func() time.Time
}

// Option configures Recorder.
type Option func(*Recorder)

// Strict makes audit write failures surface to the caller instead of being
// swallowed (audit-before-commit deployments).
func Strict() Option {
	return func(r *Recorder) { r.strict = true }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(r *Recorder) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// NewRecorder constructs a Recorder over the given sink.
func NewRecorder(store Store, opts ...Option) *Recorder {
	r := &Recorder{
		store: store,
		clock: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record appends an audit entry enriched with request and user context.
func (r *Recorder) Record(ctx context.Context, action, tableName, recordID string, details map[string]any) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return errors.New("audit: action is required")
	}

	e := Entry{
		ID:         ids.New(),
		OccurredAt: r.clock(),
		Action:     action,
		TableName:  tableName,
		RecordID:   recordID,
		Origin:     requestIDFromContext(ctx),
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		e.UserID = userID
	}
	if len(details) > 0 {
		e.Details = make(map[string]any, len(details))
		for k, v := range details {
			e.Details[k] = v
		}
	}

	r.logLine(e)

	if r.store == nil {
		return nil
	}
	if err := r.store.AppendAudit(ctx, e); err != nil {
		if r.strict {
			return err
		}
		obs.LogRequest(map[string]any{
			"ts":    r.clock().Format(time.RFC3339Nano),
			"level": "error",
			"msg":   "audit_append_failed",
			"event": action,
			"error": err.Error(),
		})
	}
	return nil
}

func (r *Recorder) logLine(e Entry) {
	line := map[string]any{
		"ts":    e.OccurredAt.Format(time.RFC3339Nano),
		"type":  "audit",
		"event": e.Action,
		"table": e.TableName,
	}
	if e.RecordID != "" {
		line["record_id"] = e.RecordID
	}
	if e.UserID != "" {
		line["user_id"] = e.UserID
	}
	if e.Origin != "" {
		line["request_id"] = e.Origin
	}
	if len(e.Details) > 0 {
		line["fields"] = e.Details
	}
	data, err := json.Marshal(line)
	if err != nil {
		return
	}
	obs.Logger().Println(string(data))
}
