package db

import (
	"context"
	"time"

	"github.com/hpungsan/witkit/internal/errors"
	"github.com/hpungsan/witkit/internal/workitem"
)

// SeedItem describes a work item to load into the local store.
// The shorthand fields are merged into Fields.
type SeedItem struct {
	ID         int            `json:"id" yaml:"id"`
	Project    string         `json:"project,omitempty" yaml:"project,omitempty"`
	Title      string         `json:"title,omitempty" yaml:"title,omitempty"`
	State      string         `json:"state,omitempty" yaml:"state,omitempty"`
	Type       string         `json:"type,omitempty" yaml:"type,omitempty"`
	Tags       []string       `json:"tags,omitempty" yaml:"tags,omitempty"`
	AssignedTo string         `json:"assigned_to,omitempty" yaml:"assigned_to,omitempty"`
	AreaPath   string         `json:"area_path,omitempty" yaml:"area_path,omitempty"`
	Fields     map[string]any `json:"fields,omitempty" yaml:"fields,omitempty"`
	ChangedAt  *time.Time     `json:"changed_at,omitempty" yaml:"changed_at,omitempty"`
}

// Seed upserts items in a single transaction and returns how many were written.
func (s *LocalStore) Seed(ctx context.Context, items []SeedItem) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.NewInternal(err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.opts.Now()
	for i, it := range items {
		if it.ID <= 0 {
			return 0, errors.NewInvalidInput("seed item " + itoa(i) + ": id must be positive")
		}
		w := &WorkItem{
			ID:        it.ID,
			Project:   it.Project,
			Rev:       1,
			Fields:    make(map[string]any, len(it.Fields)+6),
			CreatedAt: now.Unix(),
			ChangedAt: now.Unix(),
		}
		if w.Project == "" {
			w.Project = s.opts.DefaultProject
		}
		if w.Project == "" {
			return 0, errors.NewInvalidInput("seed item " + itoa(it.ID) + ": project is required")
		}
		for k, v := range it.Fields {
			w.Fields[k] = v
		}
		setIf(w.Fields, workitem.FieldTitle, it.Title)
		setIf(w.Fields, workitem.FieldState, it.State)
		setIf(w.Fields, workitem.FieldType, it.Type)
		setIf(w.Fields, workitem.FieldAssignedTo, it.AssignedTo)
		setIf(w.Fields, workitem.FieldAreaPath, it.AreaPath)
		if len(it.Tags) > 0 {
			w.Fields[workitem.FieldTags] = workitem.JoinTags(it.Tags)
		}
		if _, ok := w.Fields[workitem.FieldState]; !ok {
			w.Fields[workitem.FieldState] = "New"
		}
		if it.ChangedAt != nil {
			w.ChangedAt = it.ChangedAt.Unix()
		}

		if err := UpsertWorkItem(ctx, tx, w); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, errors.NewInternal(err)
	}
	s.opts.Logger.Info().Int("items", len(items)).Msg("local store seeded")
	return len(items), nil
}

func setIf(fields map[string]any, ref, value string) {
	if value != "" {
		fields[ref] = value
	}
}
