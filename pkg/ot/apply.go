// ABOUTME: Applies transformed operations to document content
// ABOUTME: Bounds violations from concurrent shrinkage clamp, not fail

package ot

// Apply executes op against content and returns the new content.
// Deletes that run past the end of the document clamp to the available
// range, since a concurrent edit may have shrunk the document after the
// operation was issued. Inserts outside the document are rejected.
func Apply(content string, op Operation) (string, error) {
	switch op.Kind {
	case KindInsert:
		if op.Position < 0 || op.Position > len(content) {
			return "", ErrInvalidPosition
		}
		return content[:op.Position] + op.Text + content[op.Position:], nil

	case KindDelete:
		start, end, ok := clampRange(content, op.Position, op.Length)
		if !ok {
			return content, nil
		}
		return content[:start] + content[end:], nil

	case KindReplace:
		start, end, ok := clampRange(content, op.Position, op.Length)
		if !ok {
			if op.Position < 0 || op.Position > len(content) {
				return "", ErrInvalidPosition
			}
			start, end = op.Position, op.Position
		}
		return content[:start] + op.Text + content[end:], nil

	case KindFormat, KindComment:
		// Annotations are recorded as document changes but do not
		// modify the text itself.
		return content, nil
	}

	return "", ErrIncompatibleOperations
}

// clampRange bounds [pos, pos+length) to the document. Returns ok=false
// when the range has no characters left to touch.
func clampRange(content string, pos, length int) (int, int, bool) {
	if pos < 0 {
		length += pos
		pos = 0
	}
	if pos >= len(content) || length <= 0 {
		return 0, 0, false
	}
	end := pos + length
	if end > len(content) {
		end = len(content)
	}
	return pos, end, true
}
