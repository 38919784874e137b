package maildb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newTestDB(t *testing.T) *DB {
	db := NewDB(NewOptions(WithDir(t.TempDir())))
	err := db.Open()
	assert.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	return db
}

func testChange(inserts, updates, deletes []uint32) *Change {
	change := NewChange()
	change.Inserts.AddMany(inserts)
	change.Updates.AddMany(updates)
	change.Deletes.AddMany(deletes)
	return change
}

// appendEntry writes one log entry plus its change record for a single
// (account, collection) pair.
func appendEntry(t *testing.T, db *DB, accountId uint32, collection Collection, id RaftID, change *Change) {
	var collections Collections
	collections.Set(collection)
	entry := &Entry{Item: &EntryItem{AccountId: accountId, ChangedCollections: collections}}
	entryData, err := entry.Marshal()
	assert.NoError(t, err)
	changeData, err := change.Marshal()
	assert.NoError(t, err)
	err = db.AppendLog(
		[]LogEntryRecord{{Id: id, Data: entryData}},
		[]ChangeRecord{{AccountId: accountId, Collection: collection, Index: id.Index, Data: changeData}},
	)
	assert.NoError(t, err)
}

func mergedValues(m *MergedChanges) (inserts, updates, deletes []uint32) {
	return m.Inserts.ToArray(), m.Updates.ToArray(), m.Deletes.ToArray()
}
