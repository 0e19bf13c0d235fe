package engine

// Keyed is one item in a duplicate scan: an identifier, its normalized
// comparison key, and whether the item is canonical (already linked across
// sources via a foreign key such as a recorded google event ID).
type Keyed struct {
	ID        string
	Key       string
	Canonical bool
}

// FindDuplicates scans items in order and returns the set of IDs flagged
// as duplicates.
//
// A single pass builds a map from key to the first-seen item. When a key
// repeats, the current item is flagged, with one tie-break: a canonical
// item is never flagged. If the current item is canonical and the one
// holding the key is not, the roles swap and the earlier item is flagged
// instead.
//
// Deterministic for a given input order, O(n) time and space. Exactly one
// item per key survives, and a canonical item always survives regardless
// of where it appears in the input.
func FindDuplicates(items []Keyed) map[string]bool {
	dups := make(map[string]bool)
	seen := make(map[string]Keyed, len(items))

	for _, it := range items {
		first, ok := seen[it.Key]
		if !ok {
			seen[it.Key] = it
			continue
		}
		if it.Canonical && !first.Canonical {
			// The linked item wins; the earlier unlinked one is the dup.
			dups[first.ID] = true
			seen[it.Key] = it
			continue
		}
		if it.Canonical && first.Canonical {
			// Both linked: keep the first, flag the repeat.
			dups[it.ID] = true
			continue
		}
		dups[it.ID] = true
	}

	return dups
}
