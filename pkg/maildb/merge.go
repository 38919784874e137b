package maildb

// MergeChanges computes the net effect of every change record of the
// pair in (from, to], collapsing redundant history:
//
//   - a document inserted then deleted inside the range nets out
//     entirely (the consumer never saw it);
//   - a document updated after being inserted inside the range stays an
//     insert (still net-new from the consumer's viewpoint);
//   - a delete with no in-range insert stays a delete.
//
// The Thread collection carries no retrievable records and always
// collapses to empty. The returned sets are pairwise disjoint.
func (d *DB) MergeChanges(accountId uint32, collection Collection, from, to uint64) (*MergedChanges, error) {
	merged := NewMergedChanges(accountId, collection)
	if collection == CollectionThread {
		return merged, nil
	}

	err := d.ChangesIn(accountId, collection, from, to, func(index uint64, change *Change) error {
		foldChange(merged, change)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// foldChange collapses one change record, in index order, into the
// running merge while keeping the three sets disjoint.
func foldChange(merged *MergedChanges, change *Change) {
	it := change.Inserts.Iterator()
	for it.HasNext() {
		documentId := it.Next()
		merged.Deletes.Remove(documentId)
		merged.Updates.Remove(documentId)
		merged.Inserts.Add(documentId)
	}
	it = change.Updates.Iterator()
	for it.HasNext() {
		documentId := it.Next()
		if !merged.Inserts.Contains(documentId) {
			merged.Updates.Add(documentId)
		}
	}
	it = change.Deletes.Iterator()
	for it.HasNext() {
		documentId := it.Next()
		if merged.Inserts.Contains(documentId) {
			merged.Inserts.Remove(documentId)
		} else {
			merged.Updates.Remove(documentId)
			merged.Deletes.Add(documentId)
		}
	}
}
