// Package workitem holds the work-item vocabulary shared by the handle store,
// the executor and the local backing store: field reference names, tag
// parsing and the per-item context snapshot kept alongside query handles.
package workitem

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"
)

// Field reference names.
const (
	FieldID            = "System.Id"
	FieldTitle         = "System.Title"
	FieldState         = "System.State"
	FieldType          = "System.WorkItemType"
	FieldTags          = "System.Tags"
	FieldAssignedTo    = "System.AssignedTo"
	FieldAreaPath      = "System.AreaPath"
	FieldIterationPath = "System.IterationPath"
	FieldChangedDate   = "System.ChangedDate"
	FieldTeamProject   = "System.TeamProject"
	FieldRev           = "System.Rev"
)

// ContextFields is the field list requested when hydrating item context.
var ContextFields = []string{
	FieldTitle, FieldState, FieldType, FieldTags, FieldAssignedTo,
	FieldAreaPath, FieldIterationPath, FieldChangedDate,
}

// Context is a per-item snapshot captured at query time.
type Context struct {
	Title                 string         `json:"title,omitempty"`
	State                 string         `json:"state,omitempty"`
	Type                  string         `json:"type,omitempty"`
	Tags                  []string       `json:"tags,omitempty"`
	AssignedTo            string         `json:"assigned_to,omitempty"`
	AreaPath              string         `json:"area_path,omitempty"`
	IterationPath         string         `json:"iteration_path,omitempty"`
	LastSubstantiveChange *time.Time     `json:"last_substantive_change,omitempty"`
	Fields                map[string]any `json:"fields,omitempty"`

	// Captured lists the standard field refs this snapshot was read for.
	// An empty value is only trusted for a captured field.
	Captured []string `json:"-"`
}

// contextKeys maps the JSON member names of Context to field refs.
var contextKeys = map[string]string{
	"title":                   FieldTitle,
	"state":                   FieldState,
	"type":                    FieldType,
	"tags":                    FieldTags,
	"assigned_to":             FieldAssignedTo,
	"area_path":               FieldAreaPath,
	"iteration_path":          FieldIterationPath,
	"last_substantive_change": FieldChangedDate,
}

// UnmarshalJSON decodes a context and records which standard members were present.
func (c *Context) UnmarshalJSON(data []byte) error {
	type plain Context
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return err
	}
	*c = Context(p)
	c.Captured = nil
	for key := range members {
		if ref, ok := contextKeys[key]; ok {
			c.Captured = append(c.Captured, ref)
		}
	}
	slices.Sort(c.Captured)
	return nil
}

// Has reports whether the snapshot was read for ref.
func (c Context) Has(ref string) bool {
	return slices.Contains(c.Captured, ref)
}

// FieldValue returns the value this snapshot holds for a field reference name.
// Standard fields map to the typed members; anything else is looked up in Fields.
// Tags are returned in their wire form ("a; b"). An empty standard field is
// reported only when it was captured.
func (c Context) FieldValue(ref string) (any, bool) {
	switch ref {
	case FieldTitle:
		return c.Title, c.Title != "" || c.Has(ref)
	case FieldState:
		return c.State, c.State != "" || c.Has(ref)
	case FieldType:
		return c.Type, c.Type != "" || c.Has(ref)
	case FieldTags:
		return JoinTags(c.Tags), len(c.Tags) > 0 || c.Has(ref)
	case FieldAssignedTo:
		return c.AssignedTo, c.AssignedTo != "" || c.Has(ref)
	case FieldAreaPath:
		return c.AreaPath, c.AreaPath != "" || c.Has(ref)
	case FieldIterationPath:
		return c.IterationPath, c.IterationPath != "" || c.Has(ref)
	}
	v, ok := c.Fields[ref]
	return v, ok
}

// DaysInactive returns whole days since the last substantive change.
// ok is false when the snapshot has no change timestamp.
func (c Context) DaysInactive(now time.Time) (int, bool) {
	if c.LastSubstantiveChange == nil {
		return 0, false
	}
	d := now.Sub(*c.LastSubstantiveChange)
	if d < 0 {
		return 0, true
	}
	return int(math.Floor(d.Hours() / 24)), true
}

// FromFields builds a context from a work item's raw field map.
// Unrecognized fields are kept in Fields. requested names the fields the map
// was read for; the backend omits empty fields, so those count as captured
// even when absent.
func FromFields(fields map[string]any, requested ...string) Context {
	var c Context
	for _, ref := range requested {
		if _, ok := contextRefs[ref]; ok && !c.Has(ref) {
			c.Captured = append(c.Captured, ref)
		}
	}
	for ref, v := range fields {
		if _, ok := contextRefs[ref]; ok && !c.Has(ref) {
			c.Captured = append(c.Captured, ref)
		}
		switch ref {
		case FieldTitle:
			c.Title = StringValue(v)
		case FieldState:
			c.State = StringValue(v)
		case FieldType:
			c.Type = StringValue(v)
		case FieldTags:
			c.Tags = SplitTags(StringValue(v))
		case FieldAssignedTo:
			c.AssignedTo = identityValue(v)
		case FieldAreaPath:
			c.AreaPath = StringValue(v)
		case FieldIterationPath:
			c.IterationPath = StringValue(v)
		case FieldChangedDate:
			if t, err := time.Parse(time.RFC3339Nano, StringValue(v)); err == nil {
				t = t.UTC()
				c.LastSubstantiveChange = &t
			}
		case FieldID, FieldTeamProject, FieldRev:
		default:
			if c.Fields == nil {
				c.Fields = make(map[string]any)
			}
			c.Fields[ref] = v
		}
	}
	slices.Sort(c.Captured)
	return c
}

// contextRefs is the set of standard refs a Context holds as typed members.
var contextRefs = func() map[string]struct{} {
	m := make(map[string]struct{}, len(contextKeys))
	for _, ref := range contextKeys {
		m[ref] = struct{}{}
	}
	return m
}()

// SplitTags parses the "; "-separated tag string used on the wire.
func SplitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ";")
	tags := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		key := strings.ToLower(p)
		if p == "" || seen[key] {
			continue
		}
		seen[key] = true
		tags = append(tags, p)
	}
	return tags
}

// JoinTags renders tags in wire form.
func JoinTags(tags []string) string {
	return strings.Join(tags, "; ")
}

// HasTag reports whether tags contains tag, ignoring case.
func HasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if strings.EqualFold(t, tag) {
			return true
		}
	}
	return false
}

// AddTags returns current plus any of add not already present. Order is preserved.
func AddTags(current, add []string) []string {
	out := append([]string{}, current...)
	for _, t := range add {
		t = strings.TrimSpace(t)
		if t != "" && !HasTag(out, t) {
			out = append(out, t)
		}
	}
	return out
}

// RemoveTags returns current without any tag in remove (case-insensitive).
func RemoveTags(current, remove []string) []string {
	out := make([]string, 0, len(current))
	for _, t := range current {
		if !HasTag(remove, t) {
			out = append(out, t)
		}
	}
	return out
}

// StringValue renders a field value as a string. Whole numbers print without a decimal point.
func StringValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		if x == math.Trunc(x) {
			return fmt.Sprintf("%d", int64(x))
		}
		return fmt.Sprintf("%g", x)
	default:
		return fmt.Sprint(x)
	}
}

// identityValue handles identity fields, which arrive either as a plain
// string or as an object with displayName/uniqueName.
func identityValue(v any) string {
	if m, ok := v.(map[string]any); ok {
		if s, ok := m["uniqueName"].(string); ok && s != "" {
			return s
		}
		if s, ok := m["displayName"].(string); ok {
			return s
		}
		return ""
	}
	return StringValue(v)
}
