package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/hpungsan/witkit/internal/errors"
	"github.com/hpungsan/witkit/internal/workitem"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WorkItem is a stored work item.
type WorkItem struct {
	ID        int
	Project   string
	Rev       int
	Fields    map[string]any
	CreatedAt int64
	ChangedAt int64
	DeletedAt *int64
}

// Comment is a stored work item comment.
type Comment struct {
	ID         int
	WorkItemID int
	Text       string
	CreatedAt  int64
}

// InsertWorkItem stores a new work item. If w.ID is zero an id is assigned.
// System.Id, System.Rev and System.TeamProject are kept in sync with the row.
func InsertWorkItem(ctx context.Context, q Querier, w *WorkItem) error {
	fieldsJSON, err := encodeFields(w)
	if err != nil {
		return err
	}

	var res sql.Result
	if w.ID > 0 {
		res, err = q.ExecContext(ctx, `
			INSERT INTO work_items (id, project, rev, fields_json, created_at, changed_at, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, NULL)
		`, w.ID, w.Project, w.Rev, fieldsJSON, w.CreatedAt, w.ChangedAt)
	} else {
		res, err = q.ExecContext(ctx, `
			INSERT INTO work_items (project, rev, fields_json, created_at, changed_at, deleted_at)
			VALUES (?, ?, ?, ?, ?, NULL)
		`, w.Project, w.Rev, fieldsJSON, w.CreatedAt, w.ChangedAt)
	}
	if err != nil {
		return errors.NewInternal(err)
	}

	if w.ID == 0 {
		id, err := res.LastInsertId()
		if err != nil {
			return errors.NewInternal(err)
		}
		w.ID = int(id)
		// Re-encode so the stored fields carry the assigned id.
		return UpdateWorkItem(ctx, q, w)
	}
	return nil
}

// UpsertWorkItem inserts or fully replaces a work item by id, clearing any deletion.
func UpsertWorkItem(ctx context.Context, q Querier, w *WorkItem) error {
	fieldsJSON, err := encodeFields(w)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO work_items (id, project, rev, fields_json, created_at, changed_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(id) DO UPDATE SET
			project = excluded.project,
			rev = excluded.rev,
			fields_json = excluded.fields_json,
			changed_at = excluded.changed_at,
			deleted_at = NULL
	`, w.ID, w.Project, w.Rev, fieldsJSON, w.CreatedAt, w.ChangedAt)
	if err != nil {
		return errors.NewInternal(err)
	}
	return nil
}

// GetWorkItem retrieves a work item by id.
// If includeDeleted is false, soft-deleted items are excluded.
func GetWorkItem(ctx context.Context, q Querier, id int, includeDeleted bool) (*WorkItem, error) {
	query := `
		SELECT id, project, rev, fields_json, created_at, changed_at, deleted_at
		FROM work_items
		WHERE id = ?
	`
	if !includeDeleted {
		query += " AND deleted_at IS NULL"
	}

	w, err := scanWorkItem(q.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, errors.NewNotFound(itoa(id))
	}
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	return w, nil
}

// UpdateWorkItem writes w's fields, revision and change time.
func UpdateWorkItem(ctx context.Context, q Querier, w *WorkItem) error {
	fieldsJSON, err := encodeFields(w)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		UPDATE work_items
		SET rev = ?, fields_json = ?, changed_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, w.Rev, fieldsJSON, w.ChangedAt, w.ID)
	if err != nil {
		return errors.NewInternal(err)
	}
	return requireAffected(res, w.ID)
}

// SoftDelete marks a work item as deleted (recycle bin).
func SoftDelete(ctx context.Context, q Querier, id int, at time.Time) error {
	res, err := q.ExecContext(ctx, `
		UPDATE work_items SET deleted_at = ? WHERE id = ? AND deleted_at IS NULL
	`, at.Unix(), id)
	if err != nil {
		return errors.NewInternal(err)
	}
	return requireAffected(res, id)
}

// HardDelete permanently removes a work item and its comments.
func HardDelete(ctx context.Context, q Querier, id int) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM comments WHERE work_item_id = ?`, id); err != nil {
		return errors.NewInternal(err)
	}
	res, err := q.ExecContext(ctx, `DELETE FROM work_items WHERE id = ?`, id)
	if err != nil {
		return errors.NewInternal(err)
	}
	return requireAffected(res, id)
}

// InsertComment adds a comment to a work item.
func InsertComment(ctx context.Context, q Querier, c *Comment) error {
	res, err := q.ExecContext(ctx, `
		INSERT INTO comments (work_item_id, text, created_at) VALUES (?, ?, ?)
	`, c.WorkItemID, c.Text, c.CreatedAt)
	if err != nil {
		return errors.NewInternal(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return errors.NewInternal(err)
	}
	c.ID = int(id)
	return nil
}

// ListComments returns a work item's comments, oldest first.
func ListComments(ctx context.Context, q Querier, workItemID int) ([]Comment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, work_item_id, text, created_at
		FROM comments
		WHERE work_item_id = ?
		ORDER BY created_at ASC, id ASC
	`, workItemID)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []Comment
	for rows.Next() {
		var c Comment
		if err := rows.Scan(&c.ID, &c.WorkItemID, &c.Text, &c.CreatedAt); err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

// ListWorkItems returns a project's live work items, most recently changed first.
// An empty project lists every project.
func ListWorkItems(ctx context.Context, q Querier, project string) ([]*WorkItem, error) {
	query := `
		SELECT id, project, rev, fields_json, created_at, changed_at, deleted_at
		FROM work_items
		WHERE deleted_at IS NULL
	`
	var args []any
	if project != "" {
		query += " AND project = ?"
		args = append(args, project)
	}
	query += " ORDER BY changed_at DESC, id ASC"

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewInternal(err)
	}
	defer rows.Close()

	var out []*WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, errors.NewInternal(err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternal(err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkItem(row scanner) (*WorkItem, error) {
	var (
		w          WorkItem
		fieldsJSON string
		deletedAt  sql.NullInt64
	)
	if err := row.Scan(&w.ID, &w.Project, &w.Rev, &fieldsJSON, &w.CreatedAt, &w.ChangedAt, &deletedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(fieldsJSON), &w.Fields); err != nil {
		return nil, err
	}
	if w.Fields == nil {
		w.Fields = make(map[string]any)
	}
	if deletedAt.Valid {
		w.DeletedAt = &deletedAt.Int64
	}
	return &w, nil
}

func encodeFields(w *WorkItem) (string, error) {
	if w.Fields == nil {
		w.Fields = make(map[string]any)
	}
	if w.ID > 0 {
		w.Fields[workitem.FieldID] = w.ID
	}
	w.Fields[workitem.FieldTeamProject] = w.Project
	w.Fields[workitem.FieldRev] = w.Rev
	w.Fields[workitem.FieldChangedDate] = time.Unix(w.ChangedAt, 0).UTC().Format(time.RFC3339)

	data, err := json.Marshal(w.Fields)
	if err != nil {
		return "", errors.NewInternal(err)
	}
	return string(data), nil
}

func requireAffected(res sql.Result, id int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.NewInternal(err)
	}
	if n == 0 {
		return errors.NewNotFound(itoa(id))
	}
	return nil
}
