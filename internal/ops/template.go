package ops

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hpungsan/witkit/internal/workitem"
)

var templateVar = regexp.MustCompile(`\{(id|title|state|type|assignedTo|tags|daysInactive)\}`)

// hasTemplate reports whether s uses any substitution variable.
func hasTemplate(s string) bool {
	return templateVar.MatchString(s)
}

// templateData is the per-item substitution source.
type templateData struct {
	id  int
	ctx *workitem.Context
	now time.Time
}

// expand substitutes variables. {id} is always known; the rest come from
// item context and stay literal when it is missing.
func (d templateData) expand(s string) string {
	if !strings.Contains(s, "{") {
		return s
	}
	return templateVar.ReplaceAllStringFunc(s, func(m string) string {
		name := m[1 : len(m)-1]
		if name == "id" {
			return strconv.Itoa(d.id)
		}
		if d.ctx == nil {
			return m
		}
		switch name {
		case "title":
			return d.ctx.Title
		case "state":
			return d.ctx.State
		case "type":
			return d.ctx.Type
		case "assignedTo":
			return d.ctx.AssignedTo
		case "tags":
			return workitem.JoinTags(d.ctx.Tags)
		case "daysInactive":
			if days, ok := d.ctx.DaysInactive(d.now); ok {
				return strconv.Itoa(days)
			}
		}
		return m
	})
}

func itoa(n int) string { return strconv.Itoa(n) }
