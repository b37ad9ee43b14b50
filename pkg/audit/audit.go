// Package audit writes the append-only log of every dispatch attempt.
// Masking of secret values happens here, at the store boundary, which is
// the single authoritative redaction point.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/hostbridge/hostbridge/pkg/secrets"
	"github.com/hostbridge/hostbridge/pkg/store"
)

// Statuses recorded for a dispatch attempt.
const (
	StatusSuccess      = "success"
	StatusError        = "error"
	StatusBlocked      = "blocked"
	StatusHITLApproved = "hitl_approved"
	StatusHITLRejected = "hitl_rejected"
	StatusHITLExpired  = "hitl_expired"
)

// maxTextLen caps params/response JSON before writing a row.
const maxTextLen = 100_000

// Entry describes one dispatch attempt. Params must be the templated form;
// secret resolution happens after the audit snapshot is taken.
type Entry struct {
	ToolName      string
	ToolCategory  string
	Protocol      string
	RequestParams map[string]any
	ResponseBody  any
	Status        string
	DurationMS    int64
	ErrorMessage  string
	HITLRequestID string
	WorkspaceDir  string
	ClientInfo    map[string]any
}

// Record is a persisted audit row.
type Record struct {
	ID            string `json:"id"`
	Timestamp     string `json:"timestamp"`
	ToolName      string `json:"tool_name"`
	ToolCategory  string `json:"tool_category"`
	Protocol      string `json:"protocol"`
	RequestParams string `json:"request_params,omitempty"`
	ResponseBody  string `json:"response_body,omitempty"`
	Status        string `json:"status"`
	DurationMS    *int64 `json:"duration_ms,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	HITLRequestID string `json:"hitl_request_id,omitempty"`
	WorkspaceDir  string `json:"workspace_dir,omitempty"`
}

// Logger appends audit rows. Rows are never updated.
type Logger struct {
	db      *store.DB
	secrets *secrets.Store
	logger  *slog.Logger
}

// NewLogger returns an audit logger over db, masking through sec.
func NewLogger(db *store.DB, sec *secrets.Store, logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{db: db, secrets: sec, logger: logger}
}

// Log writes exactly one row for e and returns its id.
func (l *Logger) Log(ctx context.Context, e Entry) (string, error) {
	id := uuid.New().String()

	params := l.marshalMasked(l.secrets.MaskParams(e.RequestParams))
	var response any
	if e.ResponseBody != nil {
		response = l.maskValue(e.ResponseBody)
	}
	responseJSON := ""
	if response != nil {
		responseJSON = l.marshalMasked(response)
	}
	errMsg := e.ErrorMessage
	if errMsg != "" {
		errMsg = l.secrets.MaskString(errMsg)
	}

	_, err := l.db.ExecContext(ctx, `
		INSERT INTO audit_log (
			id, timestamp, tool_name, tool_category, protocol,
			request_params, response_body, status, duration_ms,
			error_message, hitl_request_id, workspace_dir, client_info
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, store.NowISO(), e.ToolName, e.ToolCategory, e.Protocol,
		truncate(params), nullable(truncate(responseJSON)), e.Status,
		nullableInt(e.DurationMS, e.Status), nullable(errMsg),
		nullable(e.HITLRequestID), nullable(e.WorkspaceDir),
		nullable(l.marshalClientInfo(e.ClientInfo)),
	)
	if err != nil {
		return "", fmt.Errorf("writing audit row: %w", err)
	}

	l.logger.Info("audit_logged", "record_id", id,
		"tool", e.ToolCategory+"_"+e.ToolName, "status", e.Status)
	return id, nil
}

func (l *Logger) marshalMasked(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf(`{"marshal_error":%q}`, err.Error())
	}
	return l.secrets.MaskString(string(b))
}

func (l *Logger) maskValue(v any) any {
	switch vv := v.(type) {
	case map[string]any:
		return l.secrets.MaskParams(vv)
	case string:
		return l.secrets.MaskString(vv)
	default:
		return v
	}
}

func (l *Logger) marshalClientInfo(info map[string]any) string {
	if info == nil {
		return ""
	}
	return l.marshalMasked(info)
}

func truncate(s string) string {
	if len(s) > maxTextLen {
		return s[:maxTextLen]
	}
	return s
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullableInt writes duration only for terminal tool outcomes; blocked and
// HITL-terminated rows carry none.
func nullableInt(v int64, status string) any {
	switch status {
	case StatusSuccess, StatusError, StatusHITLApproved:
		return v
	default:
		return nil
	}
}

// Filter narrows a Query.
type Filter struct {
	Status   string
	Category string
	Limit    int
	Offset   int
}

// Recent returns up to limit rows ordered by timestamp descending.
func (l *Logger) Recent(ctx context.Context, limit int) ([]Record, error) {
	return l.Query(ctx, Filter{Limit: limit})
}

// Query returns rows matching f, newest first.
func (l *Logger) Query(ctx context.Context, f Filter) ([]Record, error) {
	if f.Limit <= 0 {
		f.Limit = 100
	}
	query := `
		SELECT id, timestamp, tool_name, tool_category, protocol,
		       request_params, response_body, status, duration_ms,
		       error_message, hitl_request_id, workspace_dir
		FROM audit_log WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		query += " AND status = ?"
		args = append(args, f.Status)
	}
	if f.Category != "" {
		query += " AND tool_category = ?"
		args = append(args, f.Category)
	}
	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, f.Offset)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []Record
	for rows.Next() {
		var r Record
		var response, errMsg, hitlID, wsDir sql.NullString
		var duration sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Timestamp, &r.ToolName, &r.ToolCategory,
			&r.Protocol, &r.RequestParams, &response, &r.Status, &duration,
			&errMsg, &hitlID, &wsDir); err != nil {
			return nil, err
		}
		r.ResponseBody = response.String
		r.ErrorMessage = errMsg.String
		r.HITLRequestID = hitlID.String
		r.WorkspaceDir = wsDir.String
		if duration.Valid {
			d := duration.Int64
			r.DurationMS = &d
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
