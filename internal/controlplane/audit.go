package controlplane

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/zjrosen/fleetreg/internal/registry/domain"
)

// renderSnapshot formats an entity one field per line so diffs stay readable.
func renderSnapshot(e *domain.Entity) string {
	if e == nil {
		return ""
	}
	body, err := json.MarshalIndent(e, "", "  ")
	if err != nil {
		return ""
	}
	return string(body) + "\n"
}

// snapshotDiff returns a line diff of before -> after with "- " and "+ "
// prefixes. Unchanged lines are omitted.
func snapshotDiff(before, after *domain.Entity) string {
	return lineDiff(renderSnapshot(before), renderSnapshot(after))
}

func lineDiff(oldText, newText string) string {
	if oldText == newText {
		return ""
	}
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(oldText, newText)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lines)

	var sb strings.Builder
	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffEqual:
			continue
		case diffmatchpatch.DiffDelete:
			prefix = "- "
		case diffmatchpatch.DiffInsert:
			prefix = "+ "
		}
		for _, line := range strings.SplitAfter(d.Text, "\n") {
			if line == "" {
				continue
			}
			sb.WriteString(prefix)
			sb.WriteString(strings.TrimSpace(line))
			sb.WriteByte('\n')
		}
	}
	return sb.String()
}

func newAuditRecord(id domain.EntityID, action domain.AuditAction, actor string, before, after *domain.Entity, at time.Time) *domain.AuditRecord {
	return &domain.AuditRecord{
		EntityID:  id,
		Action:    action,
		Actor:     actor,
		Before:    before.Clone(),
		After:     after.Clone(),
		Diff:      snapshotDiff(before, after),
		Timestamp: at,
	}
}
