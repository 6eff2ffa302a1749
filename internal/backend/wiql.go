package backend

import (
	"fmt"
	"strings"

	"github.com/hpungsan/witkit/internal/workitem"
)

// BuildWIQL renders a structured query as WIQL scoped to project.
// Results are ordered by most recent change.
func BuildWIQL(project string, q Query) string {
	if !q.Structured() {
		return q.WIQL
	}

	var clauses []string
	if project != "" {
		clauses = append(clauses, fmt.Sprintf("[%s] = %s", workitem.FieldTeamProject, quote(project)))
	}
	if len(q.States) > 0 {
		clauses = append(clauses, fmt.Sprintf("[%s] IN (%s)", workitem.FieldState, quoteList(q.States)))
	} else if !q.IncludeRemoved {
		clauses = append(clauses, fmt.Sprintf("[%s] <> 'Removed'", workitem.FieldState))
	}
	if len(q.Types) > 0 {
		clauses = append(clauses, fmt.Sprintf("[%s] IN (%s)", workitem.FieldType, quoteList(q.Types)))
	}
	if len(q.Tags) > 0 {
		tags := make([]string, len(q.Tags))
		for i, t := range q.Tags {
			tags[i] = fmt.Sprintf("[%s] CONTAINS %s", workitem.FieldTags, quote(t))
		}
		clauses = append(clauses, "("+strings.Join(tags, " OR ")+")")
	}
	if q.AssignedTo != "" {
		if strings.EqualFold(q.AssignedTo, "@me") {
			clauses = append(clauses, fmt.Sprintf("[%s] = @Me", workitem.FieldAssignedTo))
		} else {
			clauses = append(clauses, fmt.Sprintf("[%s] = %s", workitem.FieldAssignedTo, quote(q.AssignedTo)))
		}
	}
	if q.AreaPath != "" {
		clauses = append(clauses, fmt.Sprintf("[%s] UNDER %s", workitem.FieldAreaPath, quote(q.AreaPath)))
	}
	if q.TitleContains != "" {
		clauses = append(clauses, fmt.Sprintf("[%s] CONTAINS %s", workitem.FieldTitle, quote(q.TitleContains)))
	}
	if q.ChangedDaysAgo > 0 {
		clauses = append(clauses, fmt.Sprintf("[%s] <= @Today - %d", workitem.FieldChangedDate, q.ChangedDaysAgo))
	}

	var sb strings.Builder
	sb.WriteString("SELECT [System.Id] FROM WorkItems")
	if len(clauses) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(clauses, " AND "))
	}
	fmt.Fprintf(&sb, " ORDER BY [%s] DESC", workitem.FieldChangedDate)
	return sb.String()
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func quoteList(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = quote(v)
	}
	return strings.Join(quoted, ", ")
}
