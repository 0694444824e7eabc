package indexer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oneminuta/spherigo/cellstore"
)

// Issue is one consistency finding from Verify.
type Issue struct {
	Prefix  string
	Problem string
}

func (i Issue) String() string {
	return fmt.Sprintf("%s: %s", i.Prefix, i.Problem)
}

// Verify scans every cell and checks the invariants incremental updates are
// supposed to preserve: counters summing to the record count, member lists
// matching the count on non-overflowed cells, and parents whose children's
// counts roll up to their own. Findings are returned, not fixed; Rebuild is
// the repair path. A non-empty result wraps ErrInconsistentIndex.
func (b *Builder) Verify(ctx context.Context) ([]Issue, error) {
	prefixes, err := b.cells.ListPrefixes(ctx)
	if err != nil {
		return nil, fmt.Errorf("indexer: verify: %w", err)
	}

	cells := make(map[string]*cellstore.GeoCell, len(prefixes))
	for _, p := range prefixes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		cell, err := b.cells.GetCell(ctx, p)
		if err != nil {
			if errors.Is(err, cellstore.ErrNotFound) {
				continue
			}
			return nil, fmt.Errorf("indexer: verify %q: %w", p, err)
		}
		cells[p] = cell
	}

	var issues []Issue
	for _, p := range prefixes {
		cell, ok := cells[p]
		if !ok {
			continue
		}
		issues = append(issues, checkCell(cell)...)
		issues = append(issues, checkRollup(cell, cells)...)
	}

	for _, issue := range issues {
		b.logger.Warn("index inconsistency",
			slog.String("prefix", issue.Prefix),
			slog.String("problem", issue.Problem))
	}
	if len(issues) > 0 {
		return issues, fmt.Errorf("%w: %d issue(s)", ErrInconsistentIndex, len(issues))
	}
	return nil, nil
}

func checkCell(cell *cellstore.GeoCell) []Issue {
	var issues []Issue

	sumStatus := 0
	for _, n := range cell.CountsByStatus {
		sumStatus += n
	}
	if sumStatus != cell.RecordCount {
		issues = append(issues, Issue{cell.Prefix,
			fmt.Sprintf("status counters sum to %d, record count is %d", sumStatus, cell.RecordCount)})
	}

	sumCategory := 0
	for _, n := range cell.CountsByCategory {
		sumCategory += n
	}
	if sumCategory != cell.RecordCount {
		issues = append(issues, Issue{cell.Prefix,
			fmt.Sprintf("category counters sum to %d, record count is %d", sumCategory, cell.RecordCount)})
	}

	if !cell.Overflow && len(cell.Members) != cell.RecordCount {
		issues = append(issues, Issue{cell.Prefix,
			fmt.Sprintf("%d members listed, record count is %d", len(cell.Members), cell.RecordCount)})
	}
	if cell.Overflow && len(cell.Members) > cell.RecordCount {
		issues = append(issues, Issue{cell.Prefix,
			fmt.Sprintf("overflowed cell lists %d members above record count %d", len(cell.Members), cell.RecordCount)})
	}

	seen := make(map[string]struct{}, len(cell.Members))
	for _, m := range cell.Members {
		if _, dup := seen[string(m.Ref)]; dup {
			issues = append(issues, Issue{cell.Prefix, fmt.Sprintf("duplicate member %s", m.Ref)})
		}
		seen[string(m.Ref)] = struct{}{}
	}
	return issues
}

// checkRollup verifies that a parent's record count equals the sum of its
// children's. Children partition the parent's area at the next maintained
// depth, so every parent member lands in exactly one child. Overflowed cells
// carry best-effort counters and are exempt.
func checkRollup(cell *cellstore.GeoCell, cells map[string]*cellstore.GeoCell) []Issue {
	if len(cell.Children) == 0 || cell.Overflow {
		return nil
	}
	sum := 0
	for _, child := range cell.Children {
		cc, ok := cells[child]
		if !ok {
			continue
		}
		if cc.Overflow {
			return nil
		}
		sum += cc.RecordCount
	}
	if sum != cell.RecordCount {
		return []Issue{{cell.Prefix,
			fmt.Sprintf("children roll up to %d records, cell has %d", sum, cell.RecordCount)}}
	}
	return nil
}
