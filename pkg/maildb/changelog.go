package maildb

import (
	"math"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/cockroachdb/pebble"
	"github.com/jmapd/jmapd/pkg/maildb/key"
)

// LogEntryRecord is one raft log entry to append, value already in wire
// form.
type LogEntryRecord struct {
	Id   RaftID
	Data []byte
}

// ChangeRecord marks "this account/collection changed at this index",
// value already in wire form.
type ChangeRecord struct {
	AccountId  uint32
	Collection Collection
	Index      uint64
	Data       []byte
}

// AppendLog writes raft entries and their change records in one atomic
// batch.
func (d *DB) AppendLog(entries []LogEntryRecord, changes []ChangeRecord) error {
	if len(entries) == 0 && len(changes) == 0 {
		return nil
	}
	batch := d.db.NewBatch()
	defer batch.Close()
	for _, entry := range entries {
		if err := batch.Set(key.NewRaftLogKey(entry.Id.Term, entry.Id.Index), entry.Data, nil); err != nil {
			return err
		}
	}
	for _, change := range changes {
		if err := batch.Set(key.NewChangeKey(change.AccountId, change.Collection.Uint8(), change.Index), change.Data, nil); err != nil {
			return err
		}
	}
	return batch.Commit(d.sync)
}

// LastRaftIDBefore returns the newest stored RaftID not greater than id.
func (d *DB) LastRaftIDBefore(id RaftID) (RaftID, bool, error) {
	prefix := key.RaftLogTablePrefix()
	iter := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	defer iter.Close()

	// The smallest key strictly greater than id's exact key.
	seek := append(key.NewRaftLogKey(id.Term, id.Index), 0x00)
	if !iter.SeekLT(seek) {
		return NoneRaftID(), false, nil
	}
	term, index, err := key.ParseRaftLogKey(iter.Key())
	if err != nil {
		return NoneRaftID(), false, err
	}
	return NewRaftID(term, index), true, nil
}

// LastRaftID returns the newest stored RaftID.
func (d *DB) LastRaftID() (RaftID, bool, error) {
	return d.LastRaftIDBefore(NewRaftID(math.MaxUint64, math.MaxUint64))
}

// GetRaftEntry returns the stored log entry at id.
func (d *DB) GetRaftEntry(id RaftID) (*Entry, error) {
	value, err := d.get(key.NewRaftLogKey(id.Term, id.Index))
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, ErrNotFound
	}
	entry := &Entry{}
	if err := entry.Unmarshal(value); err != nil {
		return nil, corruptf("raft entry %s", id)
	}
	return entry, nil
}

// RaftMatchTerms returns the newest RaftID of every stored term,
// ascending. The divergence point with a peer is found by comparing the
// two lists pairwise.
func (d *DB) RaftMatchTerms() ([]RaftID, error) {
	prefix := key.RaftLogTablePrefix()
	iter := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	defer iter.Close()

	var result []RaftID
	var current RaftID
	var hasCurrent bool
	for iter.First(); iter.Valid(); iter.Next() {
		term, index, err := key.ParseRaftLogKey(iter.Key())
		if err != nil {
			return nil, err
		}
		if hasCurrent && term != current.Term {
			result = append(result, current)
		}
		current = NewRaftID(term, index)
		hasCurrent = true
	}
	if hasCurrent {
		result = append(result, current)
	}
	return result, nil
}

// RaftMatchIndexes returns the set of stored log indexes at or after
// fromIndex, used by the leader to compute a minimal merge set.
func (d *DB) RaftMatchIndexes(fromIndex uint64) (*roaring64.Bitmap, error) {
	prefix := key.RaftLogTablePrefix()
	iter := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	defer iter.Close()

	indexes := roaring64.New()
	for iter.First(); iter.Valid(); iter.Next() {
		_, index, err := key.ParseRaftLogKey(iter.Key())
		if err != nil {
			return nil, err
		}
		if index >= fromIndex {
			indexes.Add(index)
		}
	}
	return indexes, nil
}

// ChangesIn calls fn for every change record of the pair with
// after < index <= to, in index order.
func (d *DB) ChangesIn(accountId uint32, collection Collection, after, to uint64, fn func(index uint64, change *Change) error) error {
	prefix := key.NewChangePrefixKey(accountId, collection.Uint8())
	iter := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		_, _, index, err := key.ParseChangeKey(iter.Key())
		if err != nil {
			return err
		}
		if index <= after {
			continue
		}
		if index > to {
			break
		}
		change := &Change{}
		if err := change.Unmarshal(iter.Value()); err != nil {
			return corruptf("change record %d/%s at %d", accountId, collection, index)
		}
		if err := fn(index, change); err != nil {
			return err
		}
	}
	return nil
}

// deleteEntryChanges stages deletes for the change records named by one
// raft entry, covering both the item and snapshot variants.
func (d *DB) deleteEntryChanges(batch *pebble.Batch, entryData []byte, index uint64) error {
	entry := &Entry{}
	if err := entry.Unmarshal(entryData); err != nil {
		return corruptf("raft entry at index %d", index)
	}
	if entry.Item != nil {
		for _, collection := range entry.Item.ChangedCollections.All() {
			if err := batch.Delete(key.NewChangeKey(entry.Item.AccountId, collection.Uint8(), index), nil); err != nil {
				return err
			}
		}
	} else if entry.Snapshot != nil {
		for _, ca := range entry.Snapshot.ChangedAccounts {
			for _, collection := range ca.Collections.All() {
				for _, accountId := range ca.AccountIds {
					if err := batch.Delete(key.NewChangeKey(accountId, collection.Uint8(), index), nil); err != nil {
						return err
					}
				}
			}
		}
	}
	return nil
}

// TrimLogAbove removes every raft entry with index greater than after,
// along with the change records those entries name. Used when resetting
// uncommitted state from a previous leadership term.
func (d *DB) TrimLogAbove(after uint64) error {
	prefix := key.RaftLogTablePrefix()
	iter := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	defer iter.Close()

	batch := d.db.NewBatch()
	defer batch.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		_, index, err := key.ParseRaftLogKey(iter.Key())
		if err != nil {
			return err
		}
		if index <= after {
			continue
		}
		if err := d.deleteEntryChanges(batch, iter.Value(), index); err != nil {
			return err
		}
		rawKey := make([]byte, len(iter.Key()))
		copy(rawKey, iter.Key())
		if err := batch.Delete(rawKey, nil); err != nil {
			return err
		}
	}
	if batch.Empty() {
		return nil
	}
	return batch.Commit(d.sync)
}

// CompactLog removes raft entries and change records at or before the
// cutoff and replaces them with a single snapshot marker so match-term
// queries stay consistent.
func (d *DB) CompactLog(cutoff uint64) error {
	prefix := key.RaftLogTablePrefix()
	iter := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	defer iter.Close()

	batch := d.db.NewBatch()
	defer batch.Close()

	changed := make(map[Collections][]uint32)
	seen := make(map[uint32]Collections)
	var lastId RaftID
	var compacted bool

	for iter.First(); iter.Valid(); iter.Next() {
		term, index, err := key.ParseRaftLogKey(iter.Key())
		if err != nil {
			return err
		}
		if index > cutoff {
			break
		}
		entry := &Entry{}
		if err := entry.Unmarshal(iter.Value()); err != nil {
			return corruptf("raft entry at index %d", index)
		}
		if err := d.deleteEntryChanges(batch, iter.Value(), index); err != nil {
			return err
		}
		if entry.Item != nil {
			seen[entry.Item.AccountId] |= entry.Item.ChangedCollections
		} else if entry.Snapshot != nil {
			for _, ca := range entry.Snapshot.ChangedAccounts {
				for _, accountId := range ca.AccountIds {
					seen[accountId] |= ca.Collections
				}
			}
		}
		rawKey := make([]byte, len(iter.Key()))
		copy(rawKey, iter.Key())
		if err := batch.Delete(rawKey, nil); err != nil {
			return err
		}
		lastId = NewRaftID(term, index)
		compacted = true
	}
	if !compacted {
		return nil
	}

	for accountId, collections := range seen {
		changed[collections] = append(changed[collections], accountId)
	}
	snapshot := &Entry{Snapshot: &EntrySnapshot{}}
	for collections, accountIds := range changed {
		snapshot.Snapshot.ChangedAccounts = append(snapshot.Snapshot.ChangedAccounts, SnapshotAccounts{
			Collections: collections,
			AccountIds:  accountIds,
		})
	}
	snapshotData, err := snapshot.Marshal()
	if err != nil {
		return err
	}
	if err := batch.Set(key.NewRaftLogKey(lastId.Term, lastId.Index), snapshotData, nil); err != nil {
		return err
	}
	return batch.Commit(d.sync)
}
