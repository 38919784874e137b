package maildb

import (
	"github.com/cockroachdb/pebble"
	"github.com/jmapd/jmapd/pkg/maildb/key"
)

// PrepareRollbackChanges computes, for every (account, collection) pair,
// the net effect of the change records above afterIndex and stores it as
// rollback bookkeeping, then trims the diverged log suffix. The
// bookkeeping survives restarts, so an interrupted rollback resumes
// before any new synchronization.
func (d *DB) PrepareRollbackChanges(afterIndex uint64) error {
	prefix := key.ChangeTablePrefix()
	iter := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	defer iter.Close()

	// Iteration order is (account, collection, index), so per-pair
	// records arrive index-ascending and fold like a merge.
	type pairKey struct {
		accountId  uint32
		collection Collection
	}
	pairs := make(map[pairKey]*MergedChanges)

	for iter.First(); iter.Valid(); iter.Next() {
		accountId, collection, index, err := key.ParseChangeKey(iter.Key())
		if err != nil {
			return err
		}
		if index <= afterIndex {
			continue
		}
		change := &Change{}
		if err := change.Unmarshal(iter.Value()); err != nil {
			return corruptf("change record %d/%s at %d", accountId, Collection(collection), index)
		}
		pk := pairKey{accountId: accountId, collection: Collection(collection)}
		merged := pairs[pk]
		if merged == nil {
			merged = NewMergedChanges(accountId, Collection(collection))
			pairs[pk] = merged
		}
		foldChange(merged, change)
	}

	batch := d.db.NewBatch()
	defer batch.Close()
	for pk, merged := range pairs {
		if merged.IsEmpty() {
			continue
		}
		data, err := merged.Marshal()
		if err != nil {
			return err
		}
		if err := batch.Set(key.NewRollbackKey(pk.accountId, pk.collection.Uint8()), data, nil); err != nil {
			return err
		}
	}
	if !batch.Empty() {
		if err := batch.Commit(d.sync); err != nil {
			return err
		}
	}
	return d.TrimLogAbove(afterIndex)
}

// NextRollbackChange returns one pending rollback pair, or ok=false when
// the bookkeeping is empty.
func (d *DB) NextRollbackChange() (accountId uint32, collection Collection, changes *MergedChanges, ok bool, err error) {
	prefix := key.RollbackTablePrefix()
	iter := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	defer iter.Close()

	if !iter.First() {
		return 0, 0, nil, false, nil
	}
	var rawCollection uint8
	accountId, rawCollection, err = key.ParseRollbackKey(iter.Key())
	if err != nil {
		return 0, 0, nil, false, err
	}
	collection = Collection(rawCollection)
	changes = NewMergedChanges(accountId, collection)
	if err = changes.Unmarshal(iter.Value()); err != nil {
		return 0, 0, nil, false, corruptf("rollback change %d/%s", accountId, collection)
	}
	changes.AccountId = accountId
	changes.Collection = collection
	return accountId, collection, changes, true, nil
}

// UpdateRollbackChange rewrites a pair's bookkeeping after part of it
// has been undone.
func (d *DB) UpdateRollbackChange(changes *MergedChanges) error {
	data, err := changes.Marshal()
	if err != nil {
		return err
	}
	return d.set(key.NewRollbackKey(changes.AccountId, changes.Collection.Uint8()), data)
}

// RemoveRollbackChange clears a fully rolled back pair.
func (d *DB) RemoveRollbackChange(accountId uint32, collection Collection) error {
	return d.delete(key.NewRollbackKey(accountId, collection.Uint8()))
}

// HasPendingRollback reports whether an interrupted rollback must resume.
func (d *DB) HasPendingRollback() (bool, error) {
	prefix := key.RollbackTablePrefix()
	iter := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	defer iter.Close()
	return iter.First(), nil
}
