package repository

import (
	"fmt"
	"strings"
	"time"
)

// Dialect captures the SQL differences between the task store backends.
type Dialect struct {
	Placeholder func(n int) string
	// LikeOp is a case-insensitive LIKE operator.
	LikeOp string
	// Time converts a timestamp to the driver argument the column expects.
	Time func(t time.Time) any
}

var PostgresDialect = Dialect{
	Placeholder: func(n int) string { return fmt.Sprintf("$%d", n) },
	LikeOp:      "ILIKE",
	Time:        func(t time.Time) any { return t },
}

// SQLiteDialect stores timestamps as INTEGER unix microseconds.
var SQLiteDialect = Dialect{
	Placeholder: func(int) string { return "?" },
	LikeOp:      "LIKE",
	Time:        func(t time.Time) any { return t.UnixMicro() },
}

var sortColumns = map[string]string{
	SortByCreatedAt: "created_at",
	SortByUpdatedAt: "updated_at",
	SortByDueDate:   "due_date",
	SortByTitle:     "title",
	SortByPriority:  "CASE priority WHEN 'HIGH' THEN 3 WHEN 'MEDIUM' THEN 2 ELSE 1 END",
}

// ValidSortBy reports whether s names a sortable column.
func ValidSortBy(s string) bool {
	_, ok := sortColumns[s]
	return ok
}

// Builder accumulates positional arguments while rendering clauses.
type Builder struct {
	d    Dialect
	args []any
}

func NewBuilder(d Dialect) *Builder {
	return &Builder{d: d}
}

// Arg registers v and returns its placeholder.
func (b *Builder) Arg(v any) string {
	b.args = append(b.args, v)
	return b.d.Placeholder(len(b.args))
}

func (b *Builder) Args() []any {
	return b.args
}

// Where renders " WHERE ..." or "" for an unconstrained filter.
func (b *Builder) Where(f TaskFilter) string {
	var conds []string

	if f.IDs != nil {
		if len(f.IDs) == 0 {
			conds = append(conds, "1 = 0")
		} else {
			ph := make([]string, len(f.IDs))
			for i, id := range f.IDs {
				ph[i] = b.Arg(id)
			}
			conds = append(conds, "id IN ("+strings.Join(ph, ", ")+")")
		}
	}
	if f.UserID != "" {
		conds = append(conds, "user_id = "+b.Arg(f.UserID))
	}
	if f.Status != nil {
		conds = append(conds, "status = "+b.Arg(string(*f.Status)))
	}
	if f.StatusNot != nil {
		conds = append(conds, "status <> "+b.Arg(string(*f.StatusNot)))
	}
	if f.Priority != nil {
		conds = append(conds, "priority = "+b.Arg(string(*f.Priority)))
	}
	if f.DueBefore != nil {
		conds = append(conds, "due_date < "+b.Arg(b.d.Time(*f.DueBefore)))
	}
	if f.DueAfter != nil {
		conds = append(conds, "due_date > "+b.Arg(b.d.Time(*f.DueAfter)))
	}
	if f.TitleContains != "" {
		conds = append(conds, "title "+b.d.LikeOp+" "+b.Arg("%"+escapeLike(f.TitleContains)+"%")+` ESCAPE '\'`)
	}

	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// Set renders the SET list for patch, bumping version and updated_at.
func (b *Builder) Set(p TaskPatch, now time.Time) string {
	var sets []string
	if p.Title != nil {
		sets = append(sets, "title = "+b.Arg(*p.Title))
	}
	if p.Description != nil {
		sets = append(sets, "description = "+b.Arg(*p.Description))
	}
	if p.Status != nil {
		sets = append(sets, "status = "+b.Arg(string(*p.Status)))
	}
	if p.Priority != nil {
		sets = append(sets, "priority = "+b.Arg(string(*p.Priority)))
	}
	switch {
	case p.DueDate != nil:
		sets = append(sets, "due_date = "+b.Arg(b.d.Time(*p.DueDate)))
	case p.ClearDueDate:
		sets = append(sets, "due_date = NULL")
	}
	sets = append(sets, "version = version + 1", "updated_at = "+b.Arg(b.d.Time(now)))
	return " SET " + strings.Join(sets, ", ")
}

// OrderLimit renders ORDER BY, LIMIT and OFFSET.
func (b *Builder) OrderLimit(f TaskFilter) string {
	col, ok := sortColumns[f.SortBy]
	if !ok {
		col = sortColumns[SortByCreatedAt]
	}
	dir := "ASC"
	if f.SortDesc {
		dir = "DESC"
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, " ORDER BY %s %s, id %s", col, dir, dir)
	if f.Limit > 0 {
		sb.WriteString(" LIMIT " + b.Arg(f.Limit))
		if f.Offset > 0 {
			sb.WriteString(" OFFSET " + b.Arg(f.Offset))
		}
	}
	return sb.String()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
