package sync

// TransferPlan is the result of applying a byte budget to an ordered stream
// of item size references.
type TransferPlan struct {
	// Selected are the items that fit within the budget, in input order.
	Selected []ItemSizeRef
	// CutAt is the uuid of the first item that did not fit, or empty if
	// every item in refs was walked.
	CutAt string
	// Truncated reports whether any item was left out of Selected by the
	// budget (boundary rows skipped as already-delivered do not count).
	Truncated bool
}

// PlanTransfer walks refs in order, accumulating ContentSize until adding
// the next item would exceed budget, and returns the selected prefix.
//
// The budget bounds content transferred, not item count: the first
// deliverable item is always included even when it alone exceeds budget, so
// a get_items response always makes forward progress.
//
// boundary, when non-nil, is the updated_at_timestamp a cursor token was
// cut at. Rows at exactly that timestamp were delivered at the tail of the
// previous page: they are walked and counted against the running total (so
// page sizing stays stable across the inclusive re-read) but excluded from
// Selected, and the forward-progress rule applies to the first row past
// them. Pass nil for initial and sync-token reads, whose strictly-greater
// comparator never re-reads a delivered row.
func PlanTransfer(refs []ItemSizeRef, budget int64, boundary *int64) TransferPlan {
	var total int64
	var selected []ItemSizeRef

	for _, ref := range refs {
		if boundary != nil && ref.UpdatedAtTimestamp == *boundary {
			total += ref.ContentSize
			continue
		}

		if len(selected) > 0 && total+ref.ContentSize > budget {
			return TransferPlan{
				Selected:  selected,
				CutAt:     ref.UUID,
				Truncated: true,
			}
		}

		total += ref.ContentSize
		selected = append(selected, ref)
	}

	return TransferPlan{Selected: selected}
}
