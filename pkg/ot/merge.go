// ABOUTME: Three-way merge between two diverging document versions
// ABOUTME: Line-region diffs against the common ancestor

package ot

import (
	"fmt"
	"strings"
)

// MergeConflict describes a base region edited by both sides.
type MergeConflict struct {
	BaseStart int      // first conflicting base line
	BaseEnd   int      // one past the last conflicting base line
	Base      []string // ancestor lines in the region
	Ours      []string // replacement lines from the target side
	Theirs    []string // replacement lines from the source side
}

// MergeResult is the outcome of a three-way merge.
type MergeResult struct {
	Content   string
	Conflicts []MergeConflict
	Clean     bool
}

// hunk is a single contiguous edit of the base: base lines
// [start, end) replaced by lines.
type hunk struct {
	start, end int
	lines      []string
}

// Merge3 merges ours and theirs using their common ancestor base.
// When the two sides touched disjoint regions of the base the merge is
// automatic. Overlapping regions are reported as conflicts and the
// merged content keeps the base text for those regions.
func Merge3(base, ours, theirs string) MergeResult {
	baseLines := splitLines(base)
	ourHunk, ourChanged := diffRegion(baseLines, splitLines(ours))
	theirHunk, theirChanged := diffRegion(baseLines, splitLines(theirs))

	if !ourChanged && !theirChanged {
		return MergeResult{Content: base, Clean: true}
	}
	if !ourChanged {
		return MergeResult{Content: theirs, Clean: true}
	}
	if !theirChanged {
		return MergeResult{Content: ours, Clean: true}
	}

	if overlaps(ourHunk, theirHunk) {
		lo, hi := ourHunk.start, ourHunk.end
		if theirHunk.start < lo {
			lo = theirHunk.start
		}
		if theirHunk.end > hi {
			hi = theirHunk.end
		}
		return MergeResult{
			Content: base,
			Conflicts: []MergeConflict{{
				BaseStart: lo,
				BaseEnd:   hi,
				Base:      baseLines[lo:hi],
				Ours:      ourHunk.lines,
				Theirs:    theirHunk.lines,
			}},
		}
	}

	// Disjoint edits: splice both hunks into the base, later one first
	// so earlier offsets stay valid.
	first, second := ourHunk, theirHunk
	if second.start < first.start {
		first, second = second, first
	}

	merged := make([]string, 0, len(baseLines))
	merged = append(merged, baseLines[:first.start]...)
	merged = append(merged, first.lines...)
	merged = append(merged, baseLines[first.end:second.start]...)
	merged = append(merged, second.lines...)
	merged = append(merged, baseLines[second.end:]...)

	return MergeResult{Content: strings.Join(merged, "\n"), Clean: true}
}

// diffRegion reduces the difference between base and side to a single
// contiguous hunk by trimming the common prefix and suffix.
func diffRegion(base, side []string) (hunk, bool) {
	prefix := 0
	for prefix < len(base) && prefix < len(side) && base[prefix] == side[prefix] {
		prefix++
	}

	suffix := 0
	for suffix < len(base)-prefix && suffix < len(side)-prefix &&
		base[len(base)-1-suffix] == side[len(side)-1-suffix] {
		suffix++
	}

	h := hunk{
		start: prefix,
		end:   len(base) - suffix,
		lines: side[prefix : len(side)-suffix],
	}
	changed := h.start != h.end || len(h.lines) > 0
	return h, changed
}

// overlaps reports whether two hunks touch a common base region.
// Pure insertions at the same point also collide: there is no ordering
// of the two insertions that can be derived from the base.
func overlaps(a, b hunk) bool {
	if a.end <= b.start && !(a.start == a.end && a.start == b.start) {
		return false
	}
	if b.end <= a.start && !(b.start == b.end && b.start == a.start) {
		return false
	}
	return true
}

// String renders a conflict marker block, mirroring the familiar
// merge-tool layout for logs and manual resolution surfaces.
func (c MergeConflict) String() string {
	return fmt.Sprintf("<<<<<<< ours\n%s\n=======\n%s\n>>>>>>> theirs",
		strings.Join(c.Ours, "\n"), strings.Join(c.Theirs, "\n"))
}

func splitLines(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
