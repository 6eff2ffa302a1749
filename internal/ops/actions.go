package ops

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/hpungsan/witkit/internal/batch"
	"github.com/hpungsan/witkit/internal/errors"
	"github.com/hpungsan/witkit/internal/workitem"
)

// Action type names.
const (
	ActionComment     = "comment"
	ActionFieldUpdate = "field_update"
	ActionAssign      = "assign"
	ActionAddTags     = "add_tags"
	ActionRemoveTags  = "remove_tags"
	ActionMove        = "move"
	ActionDelete      = "delete"
)

// ActionTypes lists every supported action type.
var ActionTypes = []string{
	ActionComment, ActionFieldUpdate, ActionAssign, ActionAddTags,
	ActionRemoveTags, ActionMove, ActionDelete,
}

// Action is a bulk mutation applied to every selected item.
type Action interface {
	// Type returns the action's wire name.
	Type() string
	// Validate checks the payload shape. Failures are INVALID_ACTION.
	Validate() error
	// Describe summarizes the action for messages and undo records.
	Describe() string

	// snapshotFields lists the fields whose current values the action needs.
	// Nil means no snapshot is taken.
	snapshotFields() []string
	// reversible reports whether an inverse can be recorded.
	reversible() bool
	// templated reports whether any payload text uses substitution variables.
	templated() bool
	// plan computes the per-item request. current holds snapshot values and
	// may be nil during preview.
	plan(d templateData, current map[string]any) itemPlan
}

// request kinds
const (
	kindPatch   = "patch"
	kindComment = "comment"
	kindDelete  = "delete"
)

// itemPlan is the request one item receives, plus its inverse when reversible.
type itemPlan struct {
	id      int
	kind    string
	ops     []batch.PatchOp
	text    string
	hard    bool
	inverse []batch.PatchOp
	change  string
}

func (p itemPlan) addTo(b *batch.Builder) error {
	switch p.kind {
	case kindComment:
		return b.AddCommentRequest(p.id, p.text)
	case kindDelete:
		return b.AddDeleteRequest(p.id, p.hard)
	default:
		return b.AddPatchRequest(p.id, p.ops)
	}
}

func fieldPath(ref string) string { return "/fields/" + ref }

// inverseOps restores refs to the values in current. A field with no prior
// value is removed.
func inverseOps(refs []string, current map[string]any) []batch.PatchOp {
	ops := make([]batch.PatchOp, 0, len(refs))
	for _, ref := range refs {
		old, ok := current[ref]
		if !ok || old == nil || old == "" {
			ops = append(ops, batch.PatchOp{Op: "remove", Path: fieldPath(ref)})
			continue
		}
		ops = append(ops, batch.PatchOp{Op: "add", Path: fieldPath(ref), Value: old})
	}
	return ops
}

func currentString(current map[string]any, ref string) string {
	return workitem.StringValue(current[ref])
}

func quote(s string) string {
	const limit = 80
	if utf8.RuneCountInString(s) > limit {
		s = string([]rune(s)[:limit]) + "..."
	}
	return fmt.Sprintf("%q", s)
}

// Comment adds a discussion comment.
type Comment struct {
	Text string `json:"text"`
}

func (Comment) Type() string { return ActionComment }

func (a Comment) Validate() error {
	if strings.TrimSpace(a.Text) == "" {
		return errors.NewInvalidAction(ActionComment, "text is required")
	}
	return nil
}

func (a Comment) Describe() string       { return "add comment " + quote(a.Text) }
func (Comment) snapshotFields() []string { return nil }
func (Comment) reversible() bool         { return false }
func (a Comment) templated() bool        { return hasTemplate(a.Text) }

func (a Comment) plan(d templateData, _ map[string]any) itemPlan {
	text := d.expand(a.Text)
	return itemPlan{id: d.id, kind: kindComment, text: text, change: "comment " + quote(text)}
}

// FieldUpdate applies JSON-patch operations to item fields.
type FieldUpdate struct {
	Updates []batch.PatchOp `json:"updates"`
}

func (FieldUpdate) Type() string { return ActionFieldUpdate }

func (a FieldUpdate) Validate() error {
	if len(a.Updates) == 0 {
		return errors.NewInvalidAction(ActionFieldUpdate, "at least one update is required")
	}
	for i, u := range a.Updates {
		ref, ok := strings.CutPrefix(u.Path, "/fields/")
		if !ok || ref == "" || strings.Contains(ref, "/") {
			return errors.NewInvalidAction(ActionFieldUpdate, fmt.Sprintf("update %d: path must be /fields/<reference name>", i))
		}
		switch u.Op {
		case "add", "replace":
			if u.Value == nil {
				return errors.NewInvalidAction(ActionFieldUpdate, fmt.Sprintf("update %d: value is required for %s", i, u.Op))
			}
		case "remove":
		default:
			return errors.NewInvalidAction(ActionFieldUpdate, fmt.Sprintf("update %d: unsupported op %q", i, u.Op))
		}
	}
	return nil
}

func (a FieldUpdate) Describe() string {
	parts := make([]string, 0, len(a.Updates))
	for _, u := range a.Updates {
		ref := strings.TrimPrefix(u.Path, "/fields/")
		if u.Op == "remove" {
			parts = append(parts, "clear "+ref)
			continue
		}
		parts = append(parts, fmt.Sprintf("set %s = %v", ref, u.Value))
	}
	return strings.Join(parts, ", ")
}

func (a FieldUpdate) snapshotFields() []string {
	var refs []string
	for _, u := range a.Updates {
		ref := strings.TrimPrefix(u.Path, "/fields/")
		if !slices.Contains(refs, ref) {
			refs = append(refs, ref)
		}
	}
	return refs
}

func (FieldUpdate) reversible() bool { return true }

func (a FieldUpdate) templated() bool {
	for _, u := range a.Updates {
		if s, ok := u.Value.(string); ok && hasTemplate(s) {
			return true
		}
	}
	return false
}

func (a FieldUpdate) plan(d templateData, current map[string]any) itemPlan {
	ops := make([]batch.PatchOp, len(a.Updates))
	changes := make([]string, len(a.Updates))
	for i, u := range a.Updates {
		if s, ok := u.Value.(string); ok {
			u.Value = d.expand(s)
		}
		ops[i] = u
		ref := strings.TrimPrefix(u.Path, "/fields/")
		if u.Op == "remove" {
			changes[i] = "clear " + ref
		} else {
			changes[i] = fmt.Sprintf("%s: %s", ref, transition(current, ref, workitem.StringValue(u.Value)))
		}
	}
	p := itemPlan{id: d.id, kind: kindPatch, ops: ops, change: strings.Join(changes, ", ")}
	if current != nil {
		p.inverse = inverseOps(a.snapshotFields(), current)
	}
	return p
}

// transition renders "old -> new", or just the new value when old is unknown.
func transition(current map[string]any, ref, next string) string {
	if current == nil {
		return quote(next)
	}
	return quote(currentString(current, ref)) + " -> " + quote(next)
}

// Assign sets the assignee. An empty AssignTo unassigns.
type Assign struct {
	AssignTo string `json:"assign_to"`
}

func (Assign) Type() string { return ActionAssign }

func (a Assign) Validate() error {
	if a.AssignTo != strings.TrimSpace(a.AssignTo) {
		return errors.NewInvalidAction(ActionAssign, "assign_to must not have surrounding whitespace")
	}
	return nil
}

func (a Assign) Describe() string {
	if a.AssignTo == "" {
		return "unassign"
	}
	return "assign to " + a.AssignTo
}

func (Assign) snapshotFields() []string { return []string{workitem.FieldAssignedTo} }
func (Assign) reversible() bool         { return true }
func (Assign) templated() bool          { return false }

func (a Assign) plan(d templateData, current map[string]any) itemPlan {
	p := itemPlan{
		id:     d.id,
		kind:   kindPatch,
		ops:    []batch.PatchOp{{Op: "add", Path: fieldPath(workitem.FieldAssignedTo), Value: a.AssignTo}},
		change: "assignee: " + transition(current, workitem.FieldAssignedTo, a.AssignTo),
	}
	if current != nil {
		p.inverse = inverseOps(a.snapshotFields(), current)
	}
	return p
}

// AddTags adds tags, keeping existing ones.
type AddTags struct {
	Tags []string `json:"tags"`
}

func (AddTags) Type() string { return ActionAddTags }

func (a AddTags) Validate() error { return validateTags(ActionAddTags, a.Tags) }

func (a AddTags) Describe() string { return "add tags " + workitem.JoinTags(a.Tags) }

func (AddTags) snapshotFields() []string { return []string{workitem.FieldTags} }
func (AddTags) reversible() bool         { return true }
func (AddTags) templated() bool          { return false }

func (a AddTags) plan(d templateData, current map[string]any) itemPlan {
	return tagPlan(d, current, "add "+workitem.JoinTags(a.Tags), func(tags []string) []string {
		return workitem.AddTags(tags, a.Tags)
	})
}

// RemoveTags removes tags, ignoring case.
type RemoveTags struct {
	Tags []string `json:"tags"`
}

func (RemoveTags) Type() string { return ActionRemoveTags }

func (a RemoveTags) Validate() error { return validateTags(ActionRemoveTags, a.Tags) }

func (a RemoveTags) Describe() string { return "remove tags " + workitem.JoinTags(a.Tags) }

func (RemoveTags) snapshotFields() []string { return []string{workitem.FieldTags} }
func (RemoveTags) reversible() bool         { return true }
func (RemoveTags) templated() bool          { return false }

func (a RemoveTags) plan(d templateData, current map[string]any) itemPlan {
	return tagPlan(d, current, "remove "+workitem.JoinTags(a.Tags), func(tags []string) []string {
		return workitem.RemoveTags(tags, a.Tags)
	})
}

func validateTags(actionType string, tags []string) error {
	if len(tags) == 0 {
		return errors.NewInvalidAction(actionType, "at least one tag is required")
	}
	for _, t := range tags {
		if strings.TrimSpace(t) == "" {
			return errors.NewInvalidAction(actionType, "tags must not be empty")
		}
		if strings.Contains(t, ";") {
			return errors.NewInvalidAction(actionType, fmt.Sprintf("tag %q must not contain ';'", t))
		}
	}
	return nil
}

// tagPlan rewrites the whole tag string. Without a snapshot the preview only
// names the change.
func tagPlan(d templateData, current map[string]any, summary string, apply func([]string) []string) itemPlan {
	if current == nil {
		return itemPlan{id: d.id, kind: kindPatch, change: "tags: " + summary}
	}
	old := currentString(current, workitem.FieldTags)
	next := workitem.JoinTags(apply(workitem.SplitTags(old)))
	return itemPlan{
		id:      d.id,
		kind:    kindPatch,
		ops:     []batch.PatchOp{{Op: "add", Path: fieldPath(workitem.FieldTags), Value: next}},
		inverse: inverseOps([]string{workitem.FieldTags}, current),
		change:  "tags: " + quote(old) + " -> " + quote(next),
	}
}

// Move changes area and/or iteration path.
type Move struct {
	AreaPath      string `json:"area_path,omitempty"`
	IterationPath string `json:"iteration_path,omitempty"`
}

func (Move) Type() string { return ActionMove }

func (a Move) Validate() error {
	if strings.TrimSpace(a.AreaPath) == "" && strings.TrimSpace(a.IterationPath) == "" {
		return errors.NewInvalidAction(ActionMove, "area_path or iteration_path is required")
	}
	return nil
}

func (a Move) Describe() string {
	var parts []string
	if a.AreaPath != "" {
		parts = append(parts, "area "+a.AreaPath)
	}
	if a.IterationPath != "" {
		parts = append(parts, "iteration "+a.IterationPath)
	}
	return "move to " + strings.Join(parts, " and ")
}

func (a Move) snapshotFields() []string {
	var refs []string
	if a.AreaPath != "" {
		refs = append(refs, workitem.FieldAreaPath)
	}
	if a.IterationPath != "" {
		refs = append(refs, workitem.FieldIterationPath)
	}
	return refs
}

func (Move) reversible() bool { return true }
func (Move) templated() bool  { return false }

func (a Move) plan(d templateData, current map[string]any) itemPlan {
	var ops []batch.PatchOp
	var changes []string
	if a.AreaPath != "" {
		ops = append(ops, batch.PatchOp{Op: "add", Path: fieldPath(workitem.FieldAreaPath), Value: a.AreaPath})
		changes = append(changes, "area: "+transition(current, workitem.FieldAreaPath, a.AreaPath))
	}
	if a.IterationPath != "" {
		ops = append(ops, batch.PatchOp{Op: "add", Path: fieldPath(workitem.FieldIterationPath), Value: a.IterationPath})
		changes = append(changes, "iteration: "+transition(current, workitem.FieldIterationPath, a.IterationPath))
	}
	p := itemPlan{id: d.id, kind: kindPatch, ops: ops, change: strings.Join(changes, ", ")}
	if current != nil {
		p.inverse = inverseOps(a.snapshotFields(), current)
	}
	return p
}

// Delete removes items. Hard deletes are permanent.
type Delete struct {
	Hard bool `json:"hard,omitempty"`
}

func (Delete) Type() string    { return ActionDelete }
func (Delete) Validate() error { return nil }

func (a Delete) Describe() string {
	if a.Hard {
		return "permanently delete"
	}
	return "delete (recycle bin)"
}

func (Delete) snapshotFields() []string { return nil }
func (Delete) reversible() bool         { return false }
func (Delete) templated() bool          { return false }

func (a Delete) plan(d templateData, _ map[string]any) itemPlan {
	return itemPlan{id: d.id, kind: kindDelete, hard: a.Hard, change: a.Describe()}
}

// actionEnvelope is the wire form accepted by ParseAction.
type actionEnvelope struct {
	Type          string          `json:"type"`
	Text          string          `json:"text"`
	Updates       []batch.PatchOp `json:"updates"`
	AssignTo      *string         `json:"assign_to"`
	Tags          []string        `json:"tags"`
	AreaPath      string          `json:"area_path"`
	IterationPath string          `json:"iteration_path"`
	Hard          bool            `json:"hard"`
}

// ParseAction decodes and validates an action payload such as
// {"type":"add_tags","tags":["triaged"]}.
func ParseAction(raw json.RawMessage) (Action, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, errors.NewInvalidAction("unknown", "action is required")
	}

	var env actionEnvelope
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&env); err != nil {
		return nil, errors.NewInvalidAction("unknown", "malformed action: "+err.Error())
	}

	var a Action
	switch strings.ToLower(strings.TrimSpace(env.Type)) {
	case ActionComment:
		a = Comment{Text: env.Text}
	case ActionFieldUpdate:
		a = FieldUpdate{Updates: env.Updates}
	case ActionAssign:
		if env.AssignTo == nil {
			return nil, errors.NewInvalidAction(ActionAssign, "assign_to is required (use \"\" to unassign)")
		}
		a = Assign{AssignTo: *env.AssignTo}
	case ActionAddTags:
		a = AddTags{Tags: env.Tags}
	case ActionRemoveTags:
		a = RemoveTags{Tags: env.Tags}
	case ActionMove:
		a = Move{AreaPath: env.AreaPath, IterationPath: env.IterationPath}
	case ActionDelete:
		a = Delete{Hard: env.Hard}
	case "":
		return nil, errors.NewInvalidAction("unknown", "type is required; one of "+strings.Join(ActionTypes, ", "))
	default:
		return nil, errors.NewInvalidAction(env.Type, "unsupported type; one of "+strings.Join(ActionTypes, ", "))
	}

	if err := a.Validate(); err != nil {
		return nil, err
	}
	return a, nil
}
