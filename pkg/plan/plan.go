// Package plan implements the DAG plan engine: validated multi-step plans
// whose tasks run level by level, tasks within a level concurrently, with
// per-task failure policies and {{task:ID.field}} output references.
package plan

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hostbridge/hostbridge/pkg/apperr"
	"github.com/hostbridge/hostbridge/pkg/hitl"
	"github.com/hostbridge/hostbridge/pkg/store"
)

// Plan and task statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusSkipped   = "skipped"
)

// Failure policies.
const (
	PolicyStop           = "stop"
	PolicySkipDependents = "skip_dependents"
	PolicyContinue       = "continue"
)

// HITLReasonRequireTask is the policy rule recorded for task-level gates.
const HITLReasonRequireTask = "plan_task_require_hitl"

// DispatchFunc executes one tool through the dispatch pipeline.
type DispatchFunc func(ctx context.Context, category, name string, params map[string]any) (any, error)

// TaskSpec declares one task of a plan at creation time.
type TaskSpec struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	ToolCategory string         `json:"tool_category"`
	ToolName     string         `json:"tool_name"`
	Params       map[string]any `json:"params"`
	DependsOn    []string       `json:"depends_on"`
	OnFailure    string         `json:"on_failure,omitempty"`
	RequireHITL  bool           `json:"require_hitl"`
}

// CreateInput is the plan_create request.
type CreateInput struct {
	Name      string
	Tasks     []TaskSpec
	OnFailure string
	Metadata  map[string]any
}

// CreateResult reports the validated, persisted plan.
type CreateResult struct {
	PlanID          string     `json:"plan_id"`
	Name            string     `json:"name"`
	TaskCount       int        `json:"task_count"`
	ExecutionLevels int        `json:"execution_levels"`
	ExecutionOrder  [][]string `json:"execution_order"`
	CreatedAt       string     `json:"created_at"`
}

// ExecuteResult aggregates one plan run.
type ExecuteResult struct {
	PlanID         string `json:"plan_id"`
	Status         string `json:"status"`
	TasksCompleted int    `json:"tasks_completed"`
	TasksFailed    int    `json:"tasks_failed"`
	TasksSkipped   int    `json:"tasks_skipped"`
	DurationMS     int64  `json:"duration_ms"`
}

// TaskStatus is one task's live snapshot.
type TaskStatus struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	ToolCategory   string         `json:"tool_category"`
	ToolName       string         `json:"tool_name"`
	Status         string         `json:"status"`
	Output         map[string]any `json:"output,omitempty"`
	Error          string         `json:"error,omitempty"`
	StartedAt      string         `json:"started_at,omitempty"`
	CompletedAt    string         `json:"completed_at,omitempty"`
	DependsOn      []string       `json:"depends_on"`
	ExecutionLevel int            `json:"execution_level"`
}

// StatusResult is the full plan snapshot.
type StatusResult struct {
	PlanID         string       `json:"plan_id"`
	Name           string       `json:"name"`
	Status         string       `json:"status"`
	OnFailure      string       `json:"on_failure"`
	CreatedAt      string       `json:"created_at"`
	StartedAt      string       `json:"started_at,omitempty"`
	CompletedAt    string       `json:"completed_at,omitempty"`
	Tasks          []TaskStatus `json:"tasks"`
	TasksTotal     int          `json:"tasks_total"`
	TasksCompleted int          `json:"tasks_completed"`
	TasksFailed    int          `json:"tasks_failed"`
	TasksSkipped   int          `json:"tasks_skipped"`
	TasksRunning   int          `json:"tasks_running"`
}

// ListItem is a plan summary.
type ListItem struct {
	PlanID      string `json:"plan_id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	OnFailure   string `json:"on_failure"`
	TaskCount   int    `json:"task_count"`
	CreatedAt   string `json:"created_at"`
	StartedAt   string `json:"started_at,omitempty"`
	CompletedAt string `json:"completed_at,omitempty"`
}

// CancelResult reports a cancellation.
type CancelResult struct {
	PlanID         string `json:"plan_id"`
	CancelledTasks int    `json:"cancelled_tasks"`
	Status         string `json:"status"`
}

// Engine runs plans against the database, gating tasks through the HITL
// coordinator and executing tools through dispatch.
type Engine struct {
	db       *store.DB
	hitl     *hitl.Coordinator
	dispatch DispatchFunc
	logger   *slog.Logger
}

// NewEngine returns a plan engine.
func NewEngine(db *store.DB, coordinator *hitl.Coordinator, dispatch DispatchFunc, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: db, hitl: coordinator, dispatch: dispatch, logger: logger}
}

var validPolicies = map[string]bool{
	PolicyStop:           true,
	PolicySkipDependents: true,
	PolicyContinue:       true,
}

// Create validates the task graph and persists the plan atomically.
func (e *Engine) Create(ctx context.Context, in CreateInput) (CreateResult, error) {
	if len(in.Tasks) == 0 {
		return CreateResult{}, apperr.New(apperr.KindInvalidParam, "Plan must contain at least one task")
	}

	seen := map[string]bool{}
	var dupes []string
	for _, t := range in.Tasks {
		if seen[t.ID] {
			dupes = append(dupes, t.ID)
		}
		seen[t.ID] = true
	}
	if len(dupes) > 0 {
		return CreateResult{}, apperr.New(apperr.KindInvalidParam,
			"Duplicate task IDs: %s", strings.Join(dupes, ", "))
	}

	if !validPolicies[in.OnFailure] {
		return CreateResult{}, apperr.New(apperr.KindInvalidParam,
			"Invalid on_failure '%s'. Must be one of: stop, skip_dependents, continue", in.OnFailure)
	}
	for _, t := range in.Tasks {
		if t.OnFailure != "" && !validPolicies[t.OnFailure] {
			return CreateResult{}, apperr.New(apperr.KindInvalidParam,
				"Task '%s' has invalid on_failure '%s'", t.ID, t.OnFailure)
		}
	}

	levels, err := computeExecutionLevels(in.Tasks)
	if err != nil {
		return CreateResult{}, err
	}
	levelOf := map[string]int{}
	for idx, ids := range levels {
		for _, id := range ids {
			levelOf[id] = idx
		}
	}

	planID := uuid.New().String()
	now := store.NowISO()

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return CreateResult{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO plan_plans (id, name, status, on_failure, created_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?)`,
		planID, in.Name, StatusPending, in.OnFailure, now, marshalOrEmpty(in.Metadata, "{}"),
	)
	if err != nil {
		return CreateResult{}, fmt.Errorf("inserting plan: %w", err)
	}

	for _, t := range in.Tasks {
		var onFailure any
		if t.OnFailure != "" {
			onFailure = t.OnFailure
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO plan_tasks
				(id, plan_id, name, tool_category, tool_name, params,
				 depends_on, on_failure, require_hitl, status, execution_level)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, planID, t.Name, t.ToolCategory, t.ToolName,
			marshalOrEmpty(t.Params, "{}"), marshalOrEmpty(t.DependsOn, "[]"),
			onFailure, boolToInt(t.RequireHITL), StatusPending, levelOf[t.ID],
		)
		if err != nil {
			return CreateResult{}, fmt.Errorf("inserting task %s: %w", t.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return CreateResult{}, fmt.Errorf("committing plan: %w", err)
	}
	e.logger.Info("plan_create", "plan_id", planID, "tasks", len(in.Tasks))
	return CreateResult{
		PlanID:          planID,
		Name:            in.Name,
		TaskCount:       len(in.Tasks),
		ExecutionLevels: len(levels),
		ExecutionOrder:  levels,
		CreatedAt:       now,
	}, nil
}

// computeExecutionLevels runs Kahn's algorithm. Each level is sorted so the
// returned order is deterministic. A topological count short of the task
// count means a cycle.
func computeExecutionLevels(tasks []TaskSpec) ([][]string, error) {
	ids := map[string]bool{}
	for _, t := range tasks {
		ids[t.ID] = true
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if !ids[dep] {
				return nil, apperr.New(apperr.KindInvalidParam,
					"Task '%s' depends on unknown task '%s'", t.ID, dep)
			}
		}
	}

	inDegree := map[string]int{}
	dependents := map[string][]string{}
	for _, t := range tasks {
		inDegree[t.ID] = len(t.DependsOn)
		for _, dep := range t.DependsOn {
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var queue []string
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	sort.Strings(queue)

	var levels [][]string
	visited := 0
	for len(queue) > 0 {
		levels = append(levels, queue)
		var next []string
		for _, id := range queue {
			visited++
			for _, dep := range dependents[id] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					next = append(next, dep)
				}
			}
		}
		sort.Strings(next)
		queue = next
	}

	if visited != len(tasks) {
		return nil, apperr.New(apperr.KindInvalidParam,
			"Cycle detected in task dependency graph")
	}
	return levels, nil
}

type planRow struct {
	ID          string
	Name        string
	Status      string
	OnFailure   string
	CreatedAt   string
	StartedAt   sql.NullString
	CompletedAt sql.NullString
}

const refRetryInterval = 100 * time.Millisecond

// resolveRef finds a plan by id, then by unique name. waitWindow absorbs
// read-your-write races after create; an ambiguous name is an error listing
// up to five candidates, never a guess.
func (e *Engine) resolveRef(ctx context.Context, ref string, waitWindow time.Duration) (planRow, error) {
	attempts := 1 + int(waitWindow/refRetryInterval)
	for attempt := 0; attempt < attempts; attempt++ {
		row, err := e.scanPlan(e.db.QueryRowContext(ctx,
			"SELECT id, name, status, on_failure, created_at, started_at, completed_at FROM plan_plans WHERE id = ?", ref))
		if err == nil {
			return row, nil
		}
		if err != sql.ErrNoRows {
			return planRow{}, err
		}

		rows, err := e.db.QueryContext(ctx,
			"SELECT id, name, status, on_failure, created_at, started_at, completed_at FROM plan_plans WHERE name = ? ORDER BY created_at DESC, id DESC", ref)
		if err != nil {
			return planRow{}, err
		}
		var matches []planRow
		for rows.Next() {
			var p planRow
			if err := rows.Scan(&p.ID, &p.Name, &p.Status, &p.OnFailure,
				&p.CreatedAt, &p.StartedAt, &p.CompletedAt); err != nil {
				_ = rows.Close()
				return planRow{}, err
			}
			matches = append(matches, p)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return planRow{}, err
		}
		_ = rows.Close()

		if len(matches) == 1 {
			e.logger.Info("plan_reference_resolved", "plan_reference", ref,
				"resolved_plan_id", matches[0].ID, "resolution", "name")
			return matches[0], nil
		}
		if len(matches) > 1 {
			sample := make([]string, 0, 5)
			for _, m := range matches[:min(5, len(matches))] {
				sample = append(sample, m.ID)
			}
			extra := ""
			if len(matches) > 5 {
				extra = fmt.Sprintf(" (+%d more)", len(matches)-5)
			}
			return planRow{}, apperr.New(apperr.KindInvalidParam,
				"Multiple plans named '%s' found (plan_ids: %s%s). Use the exact plan_id returned by plan_create.",
				ref, strings.Join(sample, ", "), extra)
		}

		if attempt < attempts-1 {
			select {
			case <-ctx.Done():
				return planRow{}, ctx.Err()
			case <-time.After(refRetryInterval):
			}
		}
	}
	return planRow{}, apperr.New(apperr.KindNotFound,
		"Plan '%s' not found. Pass the plan_id returned by plan_create.", ref)
}

func (e *Engine) scanPlan(row *sql.Row) (planRow, error) {
	var p planRow
	err := row.Scan(&p.ID, &p.Name, &p.Status, &p.OnFailure,
		&p.CreatedAt, &p.StartedAt, &p.CompletedAt)
	return p, err
}

type taskRow struct {
	ID             string
	Name           string
	ToolCategory   string
	ToolName       string
	Params         map[string]any
	DependsOn      []string
	OnFailure      string
	RequireHITL    bool
	Status         string
	Output         map[string]any
	Error          string
	StartedAt      string
	CompletedAt    string
	ExecutionLevel int
}

func (e *Engine) loadTasks(ctx context.Context, planID string) ([]taskRow, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT id, name, tool_category, tool_name, params, depends_on,
		       on_failure, require_hitl, status, output, error,
		       started_at, completed_at, execution_level
		FROM plan_tasks WHERE plan_id = ?
		ORDER BY execution_level, id`, planID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var tasks []taskRow
	for rows.Next() {
		var t taskRow
		var params, dependsOn string
		var onFailure, output, errMsg, startedAt, completedAt sql.NullString
		var requireHITL int
		if err := rows.Scan(&t.ID, &t.Name, &t.ToolCategory, &t.ToolName,
			&params, &dependsOn, &onFailure, &requireHITL, &t.Status,
			&output, &errMsg, &startedAt, &completedAt, &t.ExecutionLevel); err != nil {
			return nil, err
		}
		t.Params = unmarshalMap(params)
		t.DependsOn = unmarshalList(dependsOn)
		t.OnFailure = onFailure.String
		t.RequireHITL = requireHITL != 0
		if output.Valid {
			t.Output = unmarshalMap(output.String)
		}
		t.Error = errMsg.String
		t.StartedAt = startedAt.String
		t.CompletedAt = completedAt.String
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Execute runs a plan to completion, level by level.
func (e *Engine) Execute(ctx context.Context, planRef string) (ExecuteResult, error) {
	plan, err := e.resolveRef(ctx, planRef, time.Second)
	if err != nil {
		return ExecuteResult{}, err
	}

	switch plan.Status {
	case StatusRunning:
		return ExecuteResult{}, apperr.New(apperr.KindConflict,
			"Plan '%s' is already running", plan.ID)
	case StatusCompleted, StatusFailed:
		return ExecuteResult{}, apperr.New(apperr.KindInvalidParam,
			"Plan '%s' already finished with status '%s'. Create a new plan to re-run.", plan.ID, plan.Status)
	case StatusCancelled:
		return ExecuteResult{}, apperr.New(apperr.KindInvalidParam,
			"Plan '%s' is cancelled and cannot be executed", plan.ID)
	}

	tasks, err := e.loadTasks(ctx, plan.ID)
	if err != nil {
		return ExecuteResult{}, err
	}
	byLevel := map[int][]taskRow{}
	var levelOrder []int
	for _, t := range tasks {
		if _, ok := byLevel[t.ExecutionLevel]; !ok {
			levelOrder = append(levelOrder, t.ExecutionLevel)
		}
		byLevel[t.ExecutionLevel] = append(byLevel[t.ExecutionLevel], t)
	}
	sort.Ints(levelOrder)

	if _, err := e.db.ExecContext(ctx,
		"UPDATE plan_plans SET status = ?, started_at = ? WHERE id = ?",
		StatusRunning, store.NowISO(), plan.ID); err != nil {
		return ExecuteResult{}, fmt.Errorf("marking plan running: %w", err)
	}

	start := time.Now()
	taskOutputs := map[string]map[string]any{}
	skipIDs := map[string]bool{}
	stopAll := false

	for _, level := range levelOrder {
		var status string
		if err := e.db.QueryRowContext(ctx,
			"SELECT status FROM plan_plans WHERE id = ?", plan.ID).Scan(&status); err == nil &&
			status == StatusCancelled {
			break
		}

		var toRun, toSkip []taskRow
		for _, t := range byLevel[level] {
			blocked := stopAll || skipIDs[t.ID]
			for _, dep := range t.DependsOn {
				if skipIDs[dep] {
					blocked = true
				}
			}
			if blocked {
				toSkip = append(toSkip, t)
			} else {
				toRun = append(toRun, t)
			}
		}

		for _, t := range toSkip {
			e.updateTask(ctx, plan.ID, t.ID, StatusSkipped, nil, "")
		}
		if len(toRun) == 0 {
			continue
		}

		type outcome struct {
			output map[string]any
			err    error
		}
		outcomes := make([]outcome, len(toRun))
		var wg sync.WaitGroup
		for i, t := range toRun {
			wg.Add(1)
			go func(i int, t taskRow) {
				defer wg.Done()
				out, err := e.executeTask(ctx, plan, t, taskOutputs)
				outcomes[i] = outcome{output: out, err: err}
			}(i, t)
		}
		wg.Wait()

		for i, t := range toRun {
			if outcomes[i].err != nil {
				policy := t.OnFailure
				if policy == "" {
					policy = plan.OnFailure
				}
				switch policy {
				case PolicyStop:
					stopAll = true
					skipIDs[t.ID] = true
				case PolicySkipDependents:
					for dep := range transitiveDependents(t.ID, tasks) {
						skipIDs[dep] = true
					}
				}
				continue
			}
			taskOutputs[t.ID] = outcomes[i].output
		}
	}

	counts, err := e.statusCounts(ctx, plan.ID)
	if err != nil {
		return ExecuteResult{}, err
	}

	var finalStatus string
	if err := e.db.QueryRowContext(ctx,
		"SELECT status FROM plan_plans WHERE id = ?", plan.ID).Scan(&finalStatus); err != nil {
		return ExecuteResult{}, err
	}
	if finalStatus != StatusCancelled {
		finalStatus = StatusCompleted
		if counts[StatusFailed] > 0 {
			finalStatus = StatusFailed
		}
		if _, err := e.db.ExecContext(ctx,
			"UPDATE plan_plans SET status = ?, completed_at = ? WHERE id = ?",
			finalStatus, store.NowISO(), plan.ID); err != nil {
			return ExecuteResult{}, fmt.Errorf("finalising plan: %w", err)
		}
	}

	duration := time.Since(start).Milliseconds()
	e.logger.Info("plan_execute", "plan_id", plan.ID, "status", finalStatus,
		"completed", counts[StatusCompleted], "failed", counts[StatusFailed],
		"skipped", counts[StatusSkipped], "duration_ms", duration)
	return ExecuteResult{
		PlanID:         plan.ID,
		Status:         finalStatus,
		TasksCompleted: counts[StatusCompleted],
		TasksFailed:    counts[StatusFailed],
		TasksSkipped:   counts[StatusSkipped],
		DurationMS:     duration,
	}, nil
}

func (e *Engine) executeTask(ctx context.Context, plan planRow, t taskRow, outputs map[string]map[string]any) (map[string]any, error) {
	resolved := resolveTaskRefs(t.Params, outputs)

	if t.RequireHITL {
		req, err := e.hitl.Create(ctx, t.ToolCategory, t.ToolName, resolved,
			map[string]any{"plan_id": plan.ID, "task_id": t.ID}, HITLReasonRequireTask, 0)
		if err != nil {
			msg := fmt.Sprintf("HITL error: %v", err)
			e.updateTask(ctx, plan.ID, t.ID, StatusFailed, nil, msg)
			return nil, apperr.New(apperr.KindInternal, "%s", msg)
		}
		decision, err := e.hitl.Wait(ctx, req.ID, 0)
		if err != nil {
			msg := fmt.Sprintf("HITL error: %v", err)
			e.updateTask(ctx, plan.ID, t.ID, StatusFailed, nil, msg)
			return nil, apperr.New(apperr.KindInternal, "%s", msg)
		}
		switch decision {
		case hitl.DecisionRejected:
			e.updateTask(ctx, plan.ID, t.ID, StatusFailed, nil, "Task rejected via HITL")
			return nil, apperr.New(apperr.KindSecurity, "Task rejected via HITL")
		case hitl.DecisionExpired:
			e.updateTask(ctx, plan.ID, t.ID, StatusFailed, nil, "HITL approval timed out")
			return nil, apperr.New(apperr.KindTimeout, "HITL approval timed out")
		}
	}

	e.markTaskRunning(ctx, plan.ID, t.ID)

	out, err := e.dispatch(ctx, t.ToolCategory, t.ToolName, resolved)
	if err != nil {
		e.updateTask(ctx, plan.ID, t.ID, StatusFailed, nil, err.Error())
		return nil, err
	}
	output, ok := out.(map[string]any)
	if !ok {
		output = map[string]any{"result": fmt.Sprintf("%v", out)}
	}
	e.updateTask(ctx, plan.ID, t.ID, StatusCompleted, output, "")
	return output, nil
}

func (e *Engine) markTaskRunning(ctx context.Context, planID, taskID string) {
	if _, err := e.db.ExecContext(ctx,
		"UPDATE plan_tasks SET status = ?, started_at = ? WHERE id = ? AND plan_id = ?",
		StatusRunning, store.NowISO(), taskID, planID); err != nil {
		e.logger.Error("plan_task_update_error", "task_id", taskID, "error", err)
	}
}

func (e *Engine) updateTask(ctx context.Context, planID, taskID, status string, output map[string]any, errMsg string) {
	var outputJSON, errText any
	if output != nil {
		outputJSON = marshalOrEmpty(output, "{}")
	}
	if errMsg != "" {
		errText = errMsg
	}
	if _, err := e.db.ExecContext(ctx, `
		UPDATE plan_tasks SET status = ?, output = ?, error = ?, completed_at = ?
		WHERE id = ? AND plan_id = ?`,
		status, outputJSON, errText, store.NowISO(), taskID, planID); err != nil {
		e.logger.Error("plan_task_update_error", "task_id", taskID, "error", err)
	}
}

func (e *Engine) statusCounts(ctx context.Context, planID string) (map[string]int, error) {
	rows, err := e.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM plan_tasks WHERE plan_id = ? GROUP BY status", planID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// transitiveDependents returns every task that directly or indirectly
// depends on failedID.
func transitiveDependents(failedID string, tasks []taskRow) map[string]bool {
	dependents := map[string]bool{}
	queue := []string{failedID}
	for len(queue) > 0 {
		current := queue[len(queue)-1]
		queue = queue[:len(queue)-1]
		for _, t := range tasks {
			if dependents[t.ID] {
				continue
			}
			for _, dep := range t.DependsOn {
				if dep == current {
					dependents[t.ID] = true
					queue = append(queue, t.ID)
					break
				}
			}
		}
	}
	return dependents
}

var (
	taskRefFullRe = regexp.MustCompile(`^\{\{task:([^.}\s]+)\.([^}\s]+)\}\}$`)
	taskRefRe     = regexp.MustCompile(`\{\{task:([^.}\s]+)\.([^}\s]+)\}\}`)
)

// resolveTaskRefs rewrites {{task:ID.field}} placeholders against completed
// task outputs. A string that is exactly one placeholder keeps the output
// value's type; embedded placeholders are stringified (maps and lists as
// JSON). Unresolved references become the empty string.
func resolveTaskRefs(params map[string]any, outputs map[string]map[string]any) map[string]any {
	resolved := make(map[string]any, len(params))
	for k, v := range params {
		resolved[k] = resolveValue(v, outputs)
	}
	return resolved
}

func resolveValue(v any, outputs map[string]map[string]any) any {
	switch vv := v.(type) {
	case string:
		if m := taskRefFullRe.FindStringSubmatch(vv); m != nil {
			out, ok := outputs[m[1]]
			if !ok {
				return ""
			}
			val, ok := out[m[2]]
			if !ok {
				return ""
			}
			return val
		}
		return taskRefRe.ReplaceAllStringFunc(vv, func(ref string) string {
			m := taskRefRe.FindStringSubmatch(ref)
			out, ok := outputs[m[1]]
			if !ok {
				return ""
			}
			val, ok := out[m[2]]
			if !ok {
				return ""
			}
			switch tv := val.(type) {
			case map[string]any, []any:
				b, err := json.Marshal(tv)
				if err != nil {
					return ""
				}
				return string(b)
			case string:
				return tv
			default:
				return fmt.Sprintf("%v", tv)
			}
		})
	case map[string]any:
		out := make(map[string]any, len(vv))
		for k, item := range vv {
			out[k] = resolveValue(item, outputs)
		}
		return out
	case []any:
		out := make([]any, len(vv))
		for i, item := range vv {
			out[i] = resolveValue(item, outputs)
		}
		return out
	default:
		return v
	}
}

// Status returns the live snapshot of a plan and its tasks.
func (e *Engine) Status(ctx context.Context, planRef string) (StatusResult, error) {
	plan, err := e.resolveRef(ctx, planRef, 0)
	if err != nil {
		return StatusResult{}, err
	}
	tasks, err := e.loadTasks(ctx, plan.ID)
	if err != nil {
		return StatusResult{}, err
	}

	result := StatusResult{
		PlanID:      plan.ID,
		Name:        plan.Name,
		Status:      plan.Status,
		OnFailure:   plan.OnFailure,
		CreatedAt:   plan.CreatedAt,
		StartedAt:   plan.StartedAt.String,
		CompletedAt: plan.CompletedAt.String,
		Tasks:       make([]TaskStatus, 0, len(tasks)),
		TasksTotal:  len(tasks),
	}
	for _, t := range tasks {
		result.Tasks = append(result.Tasks, TaskStatus{
			ID:             t.ID,
			Name:           t.Name,
			ToolCategory:   t.ToolCategory,
			ToolName:       t.ToolName,
			Status:         t.Status,
			Output:         t.Output,
			Error:          t.Error,
			StartedAt:      t.StartedAt,
			CompletedAt:    t.CompletedAt,
			DependsOn:      t.DependsOn,
			ExecutionLevel: t.ExecutionLevel,
		})
		switch t.Status {
		case StatusCompleted:
			result.TasksCompleted++
		case StatusFailed:
			result.TasksFailed++
		case StatusSkipped:
			result.TasksSkipped++
		case StatusRunning:
			result.TasksRunning++
		}
	}
	return result, nil
}

// List returns all plans, newest first.
func (e *Engine) List(ctx context.Context) ([]ListItem, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT p.id, p.name, p.status, p.on_failure, p.created_at,
		       p.started_at, p.completed_at,
		       (SELECT COUNT(*) FROM plan_tasks t WHERE t.plan_id = p.id)
		FROM plan_plans p
		ORDER BY p.created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	items := []ListItem{}
	for rows.Next() {
		var item ListItem
		var startedAt, completedAt sql.NullString
		if err := rows.Scan(&item.PlanID, &item.Name, &item.Status, &item.OnFailure,
			&item.CreatedAt, &startedAt, &completedAt, &item.TaskCount); err != nil {
			return nil, err
		}
		item.StartedAt = startedAt.String
		item.CompletedAt = completedAt.String
		items = append(items, item)
	}
	return items, rows.Err()
}

// Cancel marks the plan cancelled and every non-terminal task skipped.
// Running tasks are not interrupted; the executor observes the status at the
// next level boundary.
func (e *Engine) Cancel(ctx context.Context, planRef string) (CancelResult, error) {
	plan, err := e.resolveRef(ctx, planRef, 0)
	if err != nil {
		return CancelResult{}, err
	}
	if plan.Status == StatusCompleted || plan.Status == StatusCancelled {
		return CancelResult{}, apperr.New(apperr.KindInvalidParam,
			"Plan '%s' is already '%s' and cannot be cancelled", plan.ID, plan.Status)
	}

	now := store.NowISO()
	var cancelled int
	err = e.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM plan_tasks
		WHERE plan_id = ? AND status IN (?, ?)`,
		plan.ID, StatusPending, StatusRunning).Scan(&cancelled)
	if err != nil {
		return CancelResult{}, err
	}

	if _, err := e.db.ExecContext(ctx, `
		UPDATE plan_tasks SET status = ?, completed_at = ?
		WHERE plan_id = ? AND status IN (?, ?)`,
		StatusSkipped, now, plan.ID, StatusPending, StatusRunning); err != nil {
		return CancelResult{}, fmt.Errorf("skipping tasks: %w", err)
	}
	if _, err := e.db.ExecContext(ctx,
		"UPDATE plan_plans SET status = ?, completed_at = ? WHERE id = ?",
		StatusCancelled, now, plan.ID); err != nil {
		return CancelResult{}, fmt.Errorf("cancelling plan: %w", err)
	}

	e.logger.Info("plan_cancel", "plan_id", plan.ID, "cancelled_tasks", cancelled)
	return CancelResult{PlanID: plan.ID, CancelledTasks: cancelled, Status: StatusCancelled}, nil
}

func marshalOrEmpty(v any, empty string) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return empty
	}
	return string(b)
}

func unmarshalMap(s string) map[string]any {
	var out map[string]any
	if err := json.Unmarshal([]byte(s), &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func unmarshalList(s string) []string {
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil || out == nil {
		return []string{}
	}
	return out
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
