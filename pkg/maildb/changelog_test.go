package maildb

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLastRaftIDBefore(t *testing.T) {
	db := newTestDB(t)

	for _, id := range []RaftID{
		NewRaftID(1, 1), NewRaftID(1, 2), NewRaftID(2, 3), NewRaftID(2, 5),
	} {
		appendEntry(t, db, 1, CollectionMail, id, testChange([]uint32{uint32(id.Index)}, nil, nil))
	}

	t.Run("exact", func(t *testing.T) {
		id, ok, err := db.LastRaftIDBefore(NewRaftID(2, 3))
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, NewRaftID(2, 3), id)
	})

	t.Run("between", func(t *testing.T) {
		id, ok, err := db.LastRaftIDBefore(NewRaftID(2, 4))
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, NewRaftID(2, 3), id)
	})

	t.Run("beforeAll", func(t *testing.T) {
		_, ok, err := db.LastRaftIDBefore(NewRaftID(0, 5))
		assert.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("last", func(t *testing.T) {
		id, ok, err := db.LastRaftID()
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, NewRaftID(2, 5), id)
	})
}

func TestRaftMatchTerms(t *testing.T) {
	db := newTestDB(t)

	for _, id := range []RaftID{
		NewRaftID(1, 1), NewRaftID(1, 2), NewRaftID(3, 3), NewRaftID(3, 4), NewRaftID(5, 5),
	} {
		appendEntry(t, db, 1, CollectionMail, id, testChange(nil, []uint32{1}, nil))
	}

	terms, err := db.RaftMatchTerms()
	assert.NoError(t, err)
	assert.Equal(t, []RaftID{NewRaftID(1, 2), NewRaftID(3, 4), NewRaftID(5, 5)}, terms)
}

func TestRaftMatchIndexes(t *testing.T) {
	db := newTestDB(t)

	for _, id := range []RaftID{
		NewRaftID(1, 1), NewRaftID(1, 3), NewRaftID(2, 7), NewRaftID(2, 9),
	} {
		appendEntry(t, db, 1, CollectionMail, id, testChange(nil, []uint32{1}, nil))
	}

	indexes, err := db.RaftMatchIndexes(3)
	assert.NoError(t, err)
	assert.Equal(t, []uint64{3, 7, 9}, indexes.ToArray())
}

func TestTrimLogAbove(t *testing.T) {
	db := newTestDB(t)

	appendEntry(t, db, 1, CollectionMail, NewRaftID(1, 1), testChange([]uint32{1}, nil, nil))
	appendEntry(t, db, 1, CollectionMail, NewRaftID(1, 2), testChange([]uint32{2}, nil, nil))
	appendEntry(t, db, 2, CollectionMailbox, NewRaftID(1, 3), testChange([]uint32{3}, nil, nil))

	err := db.TrimLogAbove(1)
	assert.NoError(t, err)

	last, ok, err := db.LastRaftID()
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, NewRaftID(1, 1), last)

	// Change records of trimmed entries are gone too.
	var got []uint64
	err = db.ChangesIn(1, CollectionMail, 0, 100, func(index uint64, change *Change) error {
		got = append(got, index)
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []uint64{1}, got)

	err = db.ChangesIn(2, CollectionMailbox, 0, 100, func(index uint64, change *Change) error {
		t.Fatalf("unexpected change record at %d", index)
		return nil
	})
	assert.NoError(t, err)
}

func TestCompactLog(t *testing.T) {
	db := newTestDB(t)

	appendEntry(t, db, 1, CollectionMail, NewRaftID(1, 1), testChange([]uint32{1}, nil, nil))
	appendEntry(t, db, 2, CollectionMail, NewRaftID(1, 2), testChange([]uint32{2}, nil, nil))
	appendEntry(t, db, 1, CollectionMail, NewRaftID(1, 3), testChange(nil, []uint32{1}, nil))

	err := db.CompactLog(2)
	assert.NoError(t, err)

	// Match terms still see the compacted position.
	terms, err := db.RaftMatchTerms()
	assert.NoError(t, err)
	assert.Equal(t, []RaftID{NewRaftID(1, 3)}, terms)

	// The snapshot marker at the cutoff names both accounts.
	entry, err := db.GetRaftEntry(NewRaftID(1, 2))
	assert.NoError(t, err)
	assert.NotNil(t, entry.Snapshot)
	accounts := make(map[uint32]bool)
	for _, ca := range entry.Snapshot.ChangedAccounts {
		for _, accountId := range ca.AccountIds {
			accounts[accountId] = true
		}
	}
	assert.True(t, accounts[1])
	assert.True(t, accounts[2])

	// Compacted change records are gone, later ones survive.
	var got []uint64
	err = db.ChangesIn(1, CollectionMail, 0, 100, func(index uint64, change *Change) error {
		got = append(got, index)
		return nil
	})
	assert.NoError(t, err)
	assert.Equal(t, []uint64{3}, got)
}

func TestGetRaftEntryNotFound(t *testing.T) {
	db := newTestDB(t)
	_, err := db.GetRaftEntry(NewRaftID(9, 9))
	assert.Equal(t, ErrNotFound, err)
}
