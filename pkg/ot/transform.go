// ABOUTME: Inclusion transformation for concurrent edit operations
// ABOUTME: Rewrites an operation to remain valid after another has applied

package ot

// Transform rewrites op so that it applies correctly to a document that
// has already had against applied. The returned operation preserves the
// editing intent of op: positions shift to account for text inserted or
// removed by against.
//
// Ties between inserts at the same position are broken by author id so
// that every replica orders the two inserts identically.
func Transform(op, against Operation) (Operation, error) {
	if !knownKind(op.Kind) || !knownKind(against.Kind) {
		return Operation{}, ErrIncompatibleOperations
	}

	// Annotations never change content, so nothing to include.
	if !against.Mutates() {
		return op, nil
	}

	// A replace acts as a delete followed by an insert at the same
	// position. Decompose and transform through both effects.
	if against.Kind == KindReplace {
		del := against
		del.Kind = KindDelete
		del.Text = ""

		ins := against
		ins.Kind = KindInsert
		ins.Length = 0

		out, err := Transform(op, del)
		if err != nil {
			return Operation{}, err
		}
		return Transform(out, ins)
	}

	if op.Kind == KindReplace {
		// Transform the removed range; the inserted text rides along.
		del := op
		del.Kind = KindDelete
		del.Text = ""

		out, err := Transform(del, against)
		if err != nil {
			return Operation{}, err
		}
		out.Kind = KindReplace
		out.Text = op.Text
		return out, nil
	}

	switch against.Kind {
	case KindInsert:
		return transformAgainstInsert(op, against), nil
	case KindDelete:
		return transformAgainstDelete(op, against), nil
	}

	return op, nil
}

// TransformAgainstAll folds op through every pending operation in order.
func TransformAgainstAll(op Operation, pending []Operation) (Operation, error) {
	out := op
	var err error
	for _, p := range pending {
		if p.ID == op.ID {
			continue
		}
		out, err = Transform(out, p)
		if err != nil {
			return Operation{}, err
		}
	}
	return out, nil
}

func transformAgainstInsert(op, ins Operation) Operation {
	shift := len(ins.Text)

	switch op.Kind {
	case KindInsert:
		if ins.Position < op.Position {
			op.Position += shift
		} else if ins.Position == op.Position && ins.Author < op.Author {
			// Deterministic tiebreak: lower author id keeps the left slot.
			op.Position += shift
		}
	case KindDelete:
		if ins.Position <= op.Position {
			op.Position += shift
		} else if ins.Position < op.Position+op.Length {
			// Insert landed inside the deleted range; widen the delete
			// so the document does not retain an orphaned fragment.
			op.Length += shift
		}
	case KindFormat, KindComment:
		if ins.Position <= op.Position {
			op.Position += shift
		}
	}
	return op
}

func transformAgainstDelete(op, del Operation) Operation {
	delStart := del.Position
	delEnd := del.Position + del.Length

	switch op.Kind {
	case KindInsert:
		if delEnd <= op.Position {
			op.Position -= del.Length
		} else if delStart < op.Position {
			// The insertion point sat strictly inside the deleted range.
			// The mirror transform widens the delete over our text, so
			// the insert must collapse here for both replicas to agree.
			op.Position = delStart
			op.Text = ""
		}
	case KindDelete:
		opStart := op.Position
		opEnd := op.Position + op.Length

		switch {
		case delEnd <= opStart:
			op.Position -= del.Length
		case opEnd <= delStart:
			// Fully before the other delete, untouched.
		case delStart <= opStart && delEnd >= opEnd:
			// Other delete covers ours entirely; nothing left to remove.
			op.Position = delStart
			op.Length = 0
		case opStart <= delStart && opEnd >= delEnd:
			op.Length -= del.Length
		case delStart < opStart:
			// Overlap on our left edge.
			op.Length = opEnd - delEnd
			op.Position = delStart
		default:
			// Overlap on our right edge.
			op.Length = delStart - opStart
		}
	case KindFormat, KindComment:
		if delEnd <= op.Position {
			op.Position -= del.Length
		} else if delStart < op.Position {
			op.Position = delStart
		}
	}
	return op
}

func knownKind(k Kind) bool {
	switch k {
	case KindInsert, KindDelete, KindReplace, KindFormat, KindComment:
		return true
	}
	return false
}
