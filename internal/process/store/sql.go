package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cocdev/coc/internal/db"
	"github.com/cocdev/coc/internal/db/dialect"
	"github.com/cocdev/coc/internal/process/models"
)

// sqlTimeLayout is a fixed-width UTC layout so string comparison on the
// column matches chronological order across both drivers.
const sqlTimeLayout = "2006-01-02T15:04:05.000Z07:00"

const processColumns = `id, type, prompt_preview, full_prompt, status, start_time, end_time, error, result, working_directory, metadata, parent_process_id, sdk_session_id, structured_result, raw_stdout_path, result_file_path`

// SQLStore persists processes and workspaces through a db.Pool. It works
// against SQLite and PostgreSQL; dialect differences are isolated in the
// dialect package.
type SQLStore struct {
	pool   *db.Pool
	driver string

	hook   *changeHook
	output *outputHub
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore initializes the schema and returns the store. The pool stays
// owned by the caller.
func NewSQLStore(pool *db.Pool, driver string) (*SQLStore, error) {
	s := &SQLStore{
		pool:   pool,
		driver: driver,
		hook:   &changeHook{},
		output: newOutputHub(),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS ai_processes (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		prompt_preview TEXT NOT NULL DEFAULT '',
		full_prompt TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		start_time TEXT NOT NULL,
		end_time TEXT,
		error TEXT NOT NULL DEFAULT '',
		result TEXT NOT NULL DEFAULT '',
		working_directory TEXT NOT NULL DEFAULT '',
		metadata TEXT NOT NULL DEFAULT '{}',
		parent_process_id TEXT NOT NULL DEFAULT '',
		sdk_session_id TEXT NOT NULL DEFAULT '',
		structured_result TEXT,
		raw_stdout_path TEXT NOT NULL DEFAULT '',
		result_file_path TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workspaces (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		root_path TEXT NOT NULL DEFAULT '',
		color TEXT NOT NULL DEFAULT ''
	);

	CREATE INDEX IF NOT EXISTS idx_ai_processes_start_time ON ai_processes(start_time);
	CREATE INDEX IF NOT EXISTS idx_ai_processes_status ON ai_processes(status);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

// AddProcess upserts the full record and always emits process-added.
func (s *SQLStore) AddProcess(ctx context.Context, p *models.AIProcess) (*models.AIProcess, error) {
	record := normalizeProcess(p)
	metadataJSON, err := marshalJSONMap(record.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize process metadata: %w", err)
	}
	structuredJSON, err := marshalNullableJSONMap(record.StructuredResult)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize structured result: %w", err)
	}

	writer := s.pool.Writer()
	query := fmt.Sprintf(`
		INSERT INTO ai_processes (%s, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, %s)
		ON CONFLICT(id) DO UPDATE SET
			type = excluded.type,
			prompt_preview = excluded.prompt_preview,
			full_prompt = excluded.full_prompt,
			status = excluded.status,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			error = excluded.error,
			result = excluded.result,
			working_directory = excluded.working_directory,
			metadata = excluded.metadata,
			parent_process_id = excluded.parent_process_id,
			sdk_session_id = excluded.sdk_session_id,
			structured_result = excluded.structured_result,
			raw_stdout_path = excluded.raw_stdout_path,
			result_file_path = excluded.result_file_path,
			updated_at = excluded.updated_at
	`, processColumns, dialect.Now(s.driver))
	_, err = writer.ExecContext(ctx, writer.Rebind(query),
		record.ID,
		record.Type,
		record.PromptPreview,
		record.FullPrompt,
		string(record.Status),
		formatSQLTime(record.StartTime),
		nullableSQLTime(record.EndTime),
		record.Error,
		record.Result,
		record.WorkingDirectory,
		metadataJSON,
		record.ParentProcessID,
		record.SDKSessionID,
		structuredJSON,
		record.RawStdoutPath,
		record.ResultFilePath,
	)
	if err != nil {
		return nil, err
	}

	s.hook.Emit(models.ProcessChangeEvent{Type: models.ProcessAdded, Process: record.Clone()})
	return record, nil
}

// UpdateProcess merges the update inside a transaction; unknown ids are a
// silent no-op.
func (s *SQLStore) UpdateProcess(ctx context.Context, id string, update models.ProcessUpdate) (*models.AIProcess, error) {
	writer := s.pool.Writer()
	tx, err := writer.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}

	row := tx.QueryRowContext(ctx, writer.Rebind(`
		SELECT `+processColumns+`
		FROM ai_processes
		WHERE id = ?
	`), id)
	record, err := scanProcess(row)
	if err != nil {
		_ = tx.Rollback()
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	update.Apply(record)
	stampEndTime(record)

	metadataJSON, err := marshalJSONMap(record.Metadata)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to serialize process metadata: %w", err)
	}
	structuredJSON, err := marshalNullableJSONMap(record.StructuredResult)
	if err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to serialize structured result: %w", err)
	}

	_, err = tx.ExecContext(ctx, writer.Rebind(fmt.Sprintf(`
		UPDATE ai_processes
		SET status = ?, result = ?, error = ?, end_time = ?, metadata = ?, structured_result = ?,
			sdk_session_id = ?, raw_stdout_path = ?, result_file_path = ?, updated_at = %s
		WHERE id = ?
	`, dialect.Now(s.driver))),
		string(record.Status),
		record.Result,
		record.Error,
		nullableSQLTime(record.EndTime),
		metadataJSON,
		structuredJSON,
		record.SDKSessionID,
		record.RawStdoutPath,
		record.ResultFilePath,
		id,
	)
	if err != nil {
		_ = tx.Rollback()
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	s.hook.Emit(models.ProcessChangeEvent{Type: models.ProcessUpdated, Process: record.Clone()})
	return record, nil
}

// GetProcess returns the record or ErrProcessNotFound.
func (s *SQLStore) GetProcess(ctx context.Context, id string) (*models.AIProcess, error) {
	reader := s.pool.Reader()
	row := reader.QueryRowContext(ctx, reader.Rebind(`
		SELECT `+processColumns+`
		FROM ai_processes
		WHERE id = ?
	`), id)
	record, err := scanProcess(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrProcessNotFound
		}
		return nil, err
	}
	return record, nil
}

// GetAllProcesses returns matching records, newest first.
func (s *SQLStore) GetAllProcesses(ctx context.Context, filter models.ProcessFilter) ([]*models.AIProcess, error) {
	query := `SELECT ` + processColumns + ` FROM ai_processes`
	where, args := processFilterSQL(s.driver, filter)
	query += where
	query += ` ORDER BY start_time DESC, id ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 && !dialect.IsPostgres(s.driver) {
		// SQLite cannot express OFFSET without LIMIT.
		query += ` LIMIT -1`
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	reader := s.pool.Reader()
	rows, err := reader.QueryContext(ctx, reader.Rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var processes []*models.AIProcess
	for rows.Next() {
		record, err := scanProcess(rows)
		if err != nil {
			return nil, err
		}
		processes = append(processes, record)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return processes, nil
}

// RemoveProcess deletes the record, emitting process-removed.
func (s *SQLStore) RemoveProcess(ctx context.Context, id string) (bool, error) {
	record, err := s.GetProcess(ctx, id)
	if err != nil {
		if errors.Is(err, ErrProcessNotFound) {
			return false, nil
		}
		return false, err
	}

	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(`DELETE FROM ai_processes WHERE id = ?`), id)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		return false, nil
	}

	s.hook.Emit(models.ProcessChangeEvent{Type: models.ProcessRemoved, Process: record})
	return true, nil
}

// ClearProcesses deletes matching records and emits a single
// processes-cleared event.
func (s *SQLStore) ClearProcesses(ctx context.Context, filter models.ProcessFilter) (int, error) {
	query := `DELETE FROM ai_processes`
	where, args := processFilterSQL(s.driver, filter)
	query += where

	writer := s.pool.Writer()
	result, err := writer.ExecContext(ctx, writer.Rebind(query), args...)
	if err != nil {
		return 0, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	s.hook.Emit(models.ProcessChangeEvent{Type: models.ProcessesCleared})
	return int(affected), nil
}

// GetWorkspaces returns registered workspaces sorted by name.
func (s *SQLStore) GetWorkspaces(ctx context.Context) ([]models.WorkspaceInfo, error) {
	rows, err := s.pool.Reader().QueryContext(ctx, `
		SELECT id, name, root_path, color
		FROM workspaces
		ORDER BY name ASC, id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	workspaces := make([]models.WorkspaceInfo, 0)
	for rows.Next() {
		var ws models.WorkspaceInfo
		if err := rows.Scan(&ws.ID, &ws.Name, &ws.RootPath, &ws.Color); err != nil {
			return nil, err
		}
		workspaces = append(workspaces, ws)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return workspaces, nil
}

// RegisterWorkspace upserts the workspace record.
func (s *SQLStore) RegisterWorkspace(ctx context.Context, ws models.WorkspaceInfo) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO workspaces (id, name, root_path, color)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			root_path = excluded.root_path,
			color = excluded.color
	`), ws.ID, ws.Name, ws.RootPath, ws.Color)
	return err
}

// SetOnChange installs the single change hook.
func (s *SQLStore) SetOnChange(handler ChangeHandler) {
	s.hook.Set(handler)
}

// OnProcessOutput subscribes to the process's output stream.
func (s *SQLStore) OnProcessOutput(id string, handler OutputHandler) func() {
	return s.output.Subscribe(id, handler)
}

// EmitProcessOutput delivers a chunk to output subscribers.
func (s *SQLStore) EmitProcessOutput(id, content string) {
	s.output.EmitChunk(id, content)
}

// EmitProcessComplete delivers the completion event and disposes the bus.
func (s *SQLStore) EmitProcessComplete(id string, status models.ProcessStatus, durationMs int64) {
	s.output.EmitComplete(id, status, durationMs)
}

// Close drops the output buses. The underlying pool is closed by its owner.
func (s *SQLStore) Close() error {
	s.output.Close()
	return nil
}

// processFilterSQL translates the filter predicates into a WHERE clause with
// ? placeholders. Limit and offset are appended by the caller.
func processFilterSQL(driver string, filter models.ProcessFilter) (string, []any) {
	var clauses []string
	var args []any
	if filter.WorkspaceID != "" {
		clauses = append(clauses, dialect.JSONExtract(driver, "metadata", "workspaceId")+" = ?")
		args = append(args, filter.WorkspaceID)
	}
	if filter.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, filter.Type)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, 0, len(filter.Statuses))
		for _, status := range filter.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if !filter.Since.IsZero() {
		clauses = append(clauses, "start_time >= ?")
		args = append(args, formatSQLTime(filter.Since))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanProcess(scanner interface{ Scan(dest ...any) error }) (*models.AIProcess, error) {
	p := &models.AIProcess{}
	var startTime string
	var endTime sql.NullString
	var metadataJSON string
	var structuredJSON sql.NullString
	if err := scanner.Scan(
		&p.ID,
		&p.Type,
		&p.PromptPreview,
		&p.FullPrompt,
		&p.Status,
		&startTime,
		&endTime,
		&p.Error,
		&p.Result,
		&p.WorkingDirectory,
		&metadataJSON,
		&p.ParentProcessID,
		&p.SDKSessionID,
		&structuredJSON,
		&p.RawStdoutPath,
		&p.ResultFilePath,
	); err != nil {
		return nil, err
	}

	start, err := parseSQLTime(startTime)
	if err != nil {
		return nil, fmt.Errorf("failed to parse start time: %w", err)
	}
	p.StartTime = start
	if endTime.Valid && endTime.String != "" {
		end, err := parseSQLTime(endTime.String)
		if err != nil {
			return nil, fmt.Errorf("failed to parse end time: %w", err)
		}
		p.EndTime = &end
	}
	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize process metadata: %w", err)
		}
	}
	if structuredJSON.Valid && structuredJSON.String != "" {
		if err := json.Unmarshal([]byte(structuredJSON.String), &p.StructuredResult); err != nil {
			return nil, fmt.Errorf("failed to deserialize structured result: %w", err)
		}
	}
	return p, nil
}

func formatSQLTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

func parseSQLTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func nullableSQLTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatSQLTime(*t)
}

func marshalJSONMap(m map[string]any) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func marshalNullableJSONMap(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}
