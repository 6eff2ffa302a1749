// Package selection resolves selector expressions against a query handle's
// ordered item set.
package selection

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hpungsan/witkit/internal/errors"
)

// Selection types reported in summaries.
const (
	TypeAll      = "all"
	TypeIndices  = "index-based"
	TypeCriteria = "criteria-based"
)

// Selector identifies a subset of a handle's items.
// Implementations are All, Indices and Criteria.
type Selector interface {
	selectionType() string
}

// All selects every item in stored order.
type All struct{}

// Indices selects zero-based positions into the handle's item list.
type Indices struct {
	Positions []int
}

// Criteria selects items whose context satisfies every supplied field.
type Criteria struct {
	States          []string `json:"states,omitempty"`
	Types           []string `json:"types,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	AssignedTo      string   `json:"assigned_to,omitempty"`
	DaysInactiveMin *int     `json:"days_inactive_min,omitempty"`
	DaysInactiveMax *int     `json:"days_inactive_max,omitempty"`
	TitleContains   string   `json:"title_contains,omitempty"`
}

func (All) selectionType() string      { return TypeAll }
func (Indices) selectionType() string  { return TypeIndices }
func (Criteria) selectionType() string { return TypeCriteria }

func (c Criteria) empty() bool {
	return len(c.States) == 0 && len(c.Types) == 0 && len(c.Tags) == 0 &&
		c.AssignedTo == "" && c.DaysInactiveMin == nil && c.DaysInactiveMax == nil &&
		c.TitleContains == ""
}

func (c Criteria) validate() error {
	if c.empty() {
		return errors.NewInvalidInput("item_selector criteria must set at least one field")
	}
	if c.DaysInactiveMin != nil && *c.DaysInactiveMin < 0 {
		return errors.NewInvalidInput("days_inactive_min must be >= 0")
	}
	if c.DaysInactiveMax != nil && *c.DaysInactiveMax < 0 {
		return errors.NewInvalidInput("days_inactive_max must be >= 0")
	}
	if c.DaysInactiveMin != nil && c.DaysInactiveMax != nil && *c.DaysInactiveMin > *c.DaysInactiveMax {
		return errors.NewInvalidInput("days_inactive_min must be <= days_inactive_max")
	}
	return nil
}

// Parse decodes a selector from its JSON form:
//
//	"all" or absent      -> All
//	[0, 2, 4]            -> Indices
//	{"states": [...]}    -> Criteria
func Parse(raw json.RawMessage) (Selector, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return All{}, nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, errors.NewInvalidInput("item_selector: " + err.Error())
		}
		if !strings.EqualFold(strings.TrimSpace(s), "all") {
			return nil, errors.NewInvalidInput(fmt.Sprintf("item_selector: unknown selector %q (use \"all\", an index array or a criteria object)", s))
		}
		return All{}, nil

	case '[':
		var positions []int
		if err := json.Unmarshal(raw, &positions); err != nil {
			return nil, errors.NewInvalidInput("item_selector: indices must be an array of integers")
		}
		for _, p := range positions {
			if p < 0 {
				return nil, errors.NewInvalidInput(fmt.Sprintf("item_selector: index %d is negative", p))
			}
		}
		return Indices{Positions: positions}, nil

	case '{':
		var c Criteria
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&c); err != nil {
			return nil, errors.NewInvalidInput("item_selector: " + err.Error())
		}
		if err := c.validate(); err != nil {
			return nil, err
		}
		return c, nil
	}

	return nil, errors.NewInvalidInput("item_selector must be \"all\", an index array or a criteria object")
}

// Describe renders a selector for human-readable messages.
func Describe(sel Selector) string {
	switch s := sel.(type) {
	case nil, All:
		return "all items"
	case Indices:
		return fmt.Sprintf("items at indices %v", s.Positions)
	case Criteria:
		var parts []string
		if len(s.States) > 0 {
			parts = append(parts, "state in "+strings.Join(s.States, "|"))
		}
		if len(s.Types) > 0 {
			parts = append(parts, "type in "+strings.Join(s.Types, "|"))
		}
		if len(s.Tags) > 0 {
			parts = append(parts, "tagged "+strings.Join(s.Tags, "|"))
		}
		if s.AssignedTo != "" {
			parts = append(parts, "assigned to "+s.AssignedTo)
		}
		if s.DaysInactiveMin != nil {
			parts = append(parts, fmt.Sprintf("inactive >= %d days", *s.DaysInactiveMin))
		}
		if s.DaysInactiveMax != nil {
			parts = append(parts, fmt.Sprintf("inactive <= %d days", *s.DaysInactiveMax))
		}
		if s.TitleContains != "" {
			parts = append(parts, fmt.Sprintf("title contains %q", s.TitleContains))
		}
		return "items where " + strings.Join(parts, " and ")
	default:
		return fmt.Sprintf("%T", sel)
	}
}
