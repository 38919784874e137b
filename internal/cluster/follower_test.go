package cluster

import (
	"testing"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/jmapd/jmapd/internal/mail"
	"github.com/jmapd/jmapd/pkg/maildb"
	"github.com/jmapd/jmapd/pkg/maildb/key"
	"github.com/stretchr/testify/assert"
)

func newTestFollower(t *testing.T) (*Follower, *maildb.DB) {
	db := maildb.NewDB(maildb.NewOptions(maildb.WithDir(t.TempDir())))
	err := db.Open()
	assert.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Close()
	})
	f := NewFollower(NewOptions(WithNodeId(1)), db, mail.NewApplier(db))
	assert.NoError(t, f.recover())
	return f, db
}

func changeData(t *testing.T, inserts, updates, deletes []uint32) []byte {
	change := maildb.NewChange()
	change.Inserts.AddMany(inserts)
	change.Updates.AddMany(updates)
	change.Deletes.AddMany(deletes)
	data, err := change.Marshal()
	assert.NoError(t, err)
	return data
}

func entryData(t *testing.T, accountId uint32, collections ...maildb.Collection) []byte {
	var set maildb.Collections
	for _, collection := range collections {
		set.Set(collection)
	}
	entry := &maildb.Entry{Item: &maildb.EntryItem{AccountId: accountId, ChangedCollections: set}}
	data, err := entry.Marshal()
	assert.NoError(t, err)
	return data
}

// seedLog writes one entry plus its mail change record directly into
// the local store.
func seedLog(t *testing.T, db *maildb.DB, id maildb.RaftID, accountId uint32, inserts, updates, deletes []uint32) {
	err := db.AppendLog(
		[]maildb.LogEntryRecord{{Id: id, Data: entryData(t, accountId, maildb.CollectionMail)}},
		[]maildb.ChangeRecord{{
			AccountId:  accountId,
			Collection: maildb.CollectionMail,
			Index:      id.Index,
			Data:       changeData(t, inserts, updates, deletes),
		}},
	)
	assert.NoError(t, err)
}

func seedMailDocument(t *testing.T, db *maildb.DB, accountId, documentId uint32) {
	batch := db.NewWriteBatch(accountId)
	assert.NoError(t, batch.SetDocumentColumn(maildb.CollectionMail, documentId, key.TableDocument.Column.Metadata, []byte{1}))
	assert.NoError(t, db.Write(batch))
}

func insertMailUpdate(body []byte) maildb.DocumentUpdate {
	return maildb.DocumentUpdate{InsertMail: &maildb.InsertMail{
		ThreadId:  1,
		Mailboxes: []uint32{1},
		Body:      mail.CompressBody(body),
	}}
}

func TestStepDownOnStaleTerm(t *testing.T) {
	f, _ := newTestFollower(t)

	resp, err := f.step(&Request{Term: 5, AppendEntries: &AppendEntriesRequest{Match: &MatchRequest{LastLog: maildb.NoneRaftID()}}})
	assert.NoError(t, err)
	assert.NotNil(t, resp.Match)

	resp, err = f.step(&Request{Term: 3, AppendEntries: &AppendEntriesRequest{Match: &MatchRequest{LastLog: maildb.NoneRaftID()}}})
	assert.NoError(t, err)
	assert.NotNil(t, resp.StepDown)
	assert.Equal(t, uint64(5), resp.StepDown.Term)
}

func TestMatchLog(t *testing.T) {
	t.Run("bothEmpty", func(t *testing.T) {
		f, _ := newTestFollower(t)
		resp, err := f.step(&Request{Term: 1, AppendEntries: &AppendEntriesRequest{Match: &MatchRequest{LastLog: maildb.NoneRaftID()}}})
		assert.NoError(t, err)
		assert.NotNil(t, resp.Match)
		assert.True(t, resp.Match.MatchLog.IsNone())
		assert.True(t, f.UpToDate())
		assert.Equal(t, stateAppendEntries, f.state)
	})

	t.Run("contained", func(t *testing.T) {
		f, db := newTestFollower(t)
		seedLog(t, db, maildb.NewRaftID(1, 1), 1, []uint32{1}, nil, nil)
		seedLog(t, db, maildb.NewRaftID(1, 2), 1, []uint32{2}, nil, nil)

		resp, err := f.step(&Request{Term: 1, AppendEntries: &AppendEntriesRequest{Match: &MatchRequest{LastLog: maildb.NewRaftID(1, 2)}}})
		assert.NoError(t, err)
		assert.Equal(t, maildb.NewRaftID(1, 2), resp.Match.MatchLog)
		assert.True(t, f.UpToDate())
		assert.Equal(t, stateAppendEntries, f.state)
	})

	t.Run("divergent", func(t *testing.T) {
		f, db := newTestFollower(t)
		seedLog(t, db, maildb.NewRaftID(1, 1), 1, []uint32{1}, nil, nil)
		seedLog(t, db, maildb.NewRaftID(2, 2), 1, []uint32{2}, nil, nil)

		// The leader's last position is not in our log.
		resp, err := f.step(&Request{Term: 2, AppendEntries: &AppendEntriesRequest{Match: &MatchRequest{LastLog: maildb.NewRaftID(1, 5)}}})
		assert.NoError(t, err)
		assert.Equal(t, maildb.NewRaftID(1, 1), resp.Match.MatchLog)
		assert.False(t, f.UpToDate())
		assert.Equal(t, stateSynchronize, f.state)
	})
}

func TestSynchronizeLog(t *testing.T) {
	f, db := newTestFollower(t)
	seedLog(t, db, maildb.NewRaftID(1, 1), 1, []uint32{1}, nil, nil)
	seedLog(t, db, maildb.NewRaftID(1, 2), 1, []uint32{2}, nil, nil)
	seedLog(t, db, maildb.NewRaftID(2, 3), 1, []uint32{3}, nil, nil)
	seedLog(t, db, maildb.NewRaftID(2, 4), 1, []uint32{4}, nil, nil)

	// Common ground through term 1; term 2 differs on this side.
	resp, err := f.step(&Request{Term: 3, AppendEntries: &AppendEntriesRequest{Synchronize: &SynchronizeRequest{
		MatchTerms: []maildb.RaftID{maildb.NewRaftID(1, 2), maildb.NewRaftID(3, 6)},
	}}})
	assert.NoError(t, err)
	assert.NotNil(t, resp.Synchronize)

	indexes := roaring64.New()
	assert.NoError(t, indexes.UnmarshalBinary(resp.Synchronize.MatchIndexes))
	assert.Equal(t, []uint64{2, 3, 4}, indexes.ToArray())

	t.Run("emptyMatchTermsRejected", func(t *testing.T) {
		_, err := f.step(&Request{Term: 3, AppendEntries: &AppendEntriesRequest{Synchronize: &SynchronizeRequest{}}})
		assert.Error(t, err)
	})
}

func TestMergeRollback(t *testing.T) {
	t.Run("insertsDeletedLocally", func(t *testing.T) {
		f, db := newTestFollower(t)
		seedLog(t, db, maildb.NewRaftID(1, 1), 1, []uint32{9}, nil, nil)
		seedLog(t, db, maildb.NewRaftID(1, 2), 1, []uint32{10}, nil, nil)
		seedMailDocument(t, db, 1, 10)

		resp, err := f.step(&Request{Term: 2, AppendEntries: &AppendEntriesRequest{Merge: &MergeRequest{MatchedLog: maildb.NewRaftID(1, 1)}}})
		assert.NoError(t, err)
		// Nothing to fetch from the leader: rollback completes in place.
		assert.NotNil(t, resp.Match)
		assert.Equal(t, maildb.NewRaftID(1, 1), resp.Match.MatchLog)
		assert.Equal(t, stateAppendEntries, f.state)

		exists, err := db.DocumentExists(1, maildb.CollectionMail, 10)
		assert.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("updatesRestoredFromLeader", func(t *testing.T) {
		f, db := newTestFollower(t)
		seedLog(t, db, maildb.NewRaftID(1, 1), 1, []uint32{9}, nil, nil)
		seedLog(t, db, maildb.NewRaftID(1, 2), 1, nil, []uint32{10}, nil)

		resp, err := f.step(&Request{Term: 2, AppendEntries: &AppendEntriesRequest{Merge: &MergeRequest{MatchedLog: maildb.NewRaftID(1, 1)}}})
		assert.NoError(t, err)
		assert.NotNil(t, resp.Update)
		assert.Equal(t, uint32(1), resp.Update.AccountId)
		assert.Equal(t, maildb.CollectionMail, resp.Update.Collection)
		assert.Equal(t, stateRollback, f.state)

		requested := &maildb.MergedChanges{}
		assert.NoError(t, requested.Unmarshal(resp.Update.Changes))
		assert.Equal(t, []uint32{10}, requested.Updates.ToArray())

		// The leader streams its copy back.
		resp, err = f.step(&Request{Term: 2, AppendEntries: &AppendEntriesRequest{Update: &UpdateRequest{
			Updates: []UpdateItem{
				{Document: &UpdateDocument{AccountId: 1, DocumentId: 10, Update: insertMailUpdate([]byte("restored"))}},
				{Eof: true},
			},
		}}})
		assert.NoError(t, err)
		assert.NotNil(t, resp.Match)
		assert.Equal(t, maildb.NewRaftID(1, 1), resp.Match.MatchLog)
		assert.Equal(t, stateAppendEntries, f.state)

		body, err := db.GetDocumentColumn(1, maildb.CollectionMail, 10, key.TableDocument.Column.Body)
		assert.NoError(t, err)
		assert.Equal(t, []byte("restored"), body)
	})
}

func TestAppendEntriesAndCommit(t *testing.T) {
	f, db := newTestFollower(t)

	// Empty logs: leader starts streaming right away.
	resp, err := f.step(&Request{Term: 1, AppendEntries: &AppendEntriesRequest{Match: &MatchRequest{LastLog: maildb.NoneRaftID()}}})
	assert.NoError(t, err)
	assert.NotNil(t, resp.Match)

	resp, err = f.step(&Request{Term: 1, AppendEntries: &AppendEntriesRequest{Update: &UpdateRequest{
		CommitIndex: 1,
		Updates: []UpdateItem{
			{Log: &UpdateLog{Id: maildb.NewRaftID(1, 1), Data: entryData(t, 1, maildb.CollectionMail)}},
			{Change: &UpdateChange{AccountId: 1, Collection: maildb.CollectionMail, Data: changeData(t, []uint32{10}, nil, nil)}},
			{Eof: true},
		},
	}}})
	assert.NoError(t, err)
	// An insert needs the document from the leader.
	assert.NotNil(t, resp.Update)
	assert.Equal(t, uint32(1), resp.Update.AccountId)
	assert.Equal(t, stateAppendChanges, f.state)

	// The change record was keyed by the entry that preceded it.
	requested := &maildb.MergedChanges{}
	assert.NoError(t, requested.Unmarshal(resp.Update.Changes))
	assert.Equal(t, []uint32{10}, requested.Inserts.ToArray())

	resp, err = f.step(&Request{Term: 1, AppendEntries: &AppendEntriesRequest{Update: &UpdateRequest{
		CommitIndex: 1,
		Updates: []UpdateItem{
			{Document: &UpdateDocument{AccountId: 1, DocumentId: 10, Update: insertMailUpdate([]byte("hello"))}},
			{Eof: true},
		},
	}}})
	assert.NoError(t, err)
	assert.NotNil(t, resp.Commit)
	assert.Equal(t, uint64(1), resp.Commit.CommitIndex)
	assert.True(t, f.UpToDate())
	assert.Equal(t, stateAppendEntries, f.state)

	body, err := db.GetDocumentColumn(1, maildb.CollectionMail, 10, key.TableDocument.Column.Body)
	assert.NoError(t, err)
	assert.Equal(t, []byte("hello"), body)
}

func TestDeletesOnlySkipsDocumentRoundTrip(t *testing.T) {
	f, db := newTestFollower(t)
	seedMailDocument(t, db, 1, 10)

	resp, err := f.step(&Request{Term: 1, AppendEntries: &AppendEntriesRequest{Match: &MatchRequest{LastLog: maildb.NoneRaftID()}}})
	assert.NoError(t, err)
	assert.NotNil(t, resp.Match)

	resp, err = f.step(&Request{Term: 1, AppendEntries: &AppendEntriesRequest{Update: &UpdateRequest{
		CommitIndex: 1,
		Updates: []UpdateItem{
			{Log: &UpdateLog{Id: maildb.NewRaftID(1, 1), Data: entryData(t, 1, maildb.CollectionMail)}},
			{Change: &UpdateChange{AccountId: 1, Collection: maildb.CollectionMail, Data: changeData(t, nil, nil, []uint32{10})}},
			{Eof: true},
		},
	}}})
	assert.NoError(t, err)
	// No documents needed: the stream commits in one exchange.
	assert.NotNil(t, resp.Commit)
	assert.Equal(t, uint64(1), resp.Commit.CommitIndex)
	assert.True(t, f.UpToDate())

	exists, err := db.DocumentExists(1, maildb.CollectionMail, 10)
	assert.NoError(t, err)
	assert.False(t, exists)
}

func TestEntriesBeyondCommitStayStaged(t *testing.T) {
	f, db := newTestFollower(t)

	resp, err := f.step(&Request{Term: 1, AppendEntries: &AppendEntriesRequest{Match: &MatchRequest{LastLog: maildb.NoneRaftID()}}})
	assert.NoError(t, err)
	assert.NotNil(t, resp.Match)

	resp, err = f.step(&Request{Term: 1, AppendEntries: &AppendEntriesRequest{Update: &UpdateRequest{
		CommitIndex: 0,
		Updates: []UpdateItem{
			{Log: &UpdateLog{Id: maildb.NewRaftID(1, 1), Data: entryData(t, 1, maildb.CollectionMail)}},
			{Change: &UpdateChange{AccountId: 1, Collection: maildb.CollectionMail, Data: changeData(t, []uint32{10}, nil, nil)}},
			{Eof: true},
		},
	}}})
	assert.NoError(t, err)
	assert.NotNil(t, resp.Update)

	resp, err = f.step(&Request{Term: 1, AppendEntries: &AppendEntriesRequest{Update: &UpdateRequest{
		CommitIndex: 0,
		Updates: []UpdateItem{
			{Document: &UpdateDocument{AccountId: 1, DocumentId: 10, Update: insertMailUpdate([]byte("hello"))}},
			{Eof: true},
		},
	}}})
	assert.NoError(t, err)
	// The reply reports how far the follower has staged, even though
	// nothing is applied yet.
	assert.NotNil(t, resp.Commit)
	assert.Equal(t, uint64(1), resp.Commit.CommitIndex)
	assert.Equal(t, uint64(0), f.CommitIndex())
	assert.False(t, f.UpToDate())

	// Not applied yet: the leader has not committed the entry.
	exists, err := db.DocumentExists(1, maildb.CollectionMail, 10)
	assert.NoError(t, err)
	assert.False(t, exists)

	// The commit index advancing is enough to apply the staged work.
	resp, err = f.step(&Request{Term: 1, AppendEntries: &AppendEntriesRequest{Update: &UpdateRequest{
		CommitIndex: 1,
		Updates:     []UpdateItem{{Eof: true}},
	}}})
	assert.NoError(t, err)
	assert.NotNil(t, resp.Commit)
	assert.Equal(t, uint64(1), resp.Commit.CommitIndex)
	assert.True(t, f.UpToDate())

	exists, err = db.DocumentExists(1, maildb.CollectionMail, 10)
	assert.NoError(t, err)
	assert.True(t, exists)
}

func TestRecoverResumesRollback(t *testing.T) {
	db := maildb.NewDB(maildb.NewOptions(maildb.WithDir(t.TempDir())))
	assert.NoError(t, db.Open())
	t.Cleanup(func() {
		_ = db.Close()
	})
	seedLog(t, db, maildb.NewRaftID(1, 1), 1, []uint32{9}, nil, nil)
	seedLog(t, db, maildb.NewRaftID(1, 2), 1, nil, []uint32{10}, nil)
	assert.NoError(t, db.PrepareRollbackChanges(1))

	f := NewFollower(NewOptions(WithNodeId(1)), db, mail.NewApplier(db))
	assert.NoError(t, f.recover())
	assert.Equal(t, stateRollback, f.state)

	// Any leader contact resumes the rollback.
	resp, err := f.step(&Request{Term: 2, AppendEntries: &AppendEntriesRequest{Match: &MatchRequest{LastLog: maildb.NewRaftID(1, 1)}}})
	assert.NoError(t, err)
	assert.NotNil(t, resp.Update)
	assert.Equal(t, uint32(1), resp.Update.AccountId)
}

// An update stream can open while the follower still sits in the
// synchronize state, which is where every committed batch leaves it.
func TestUpdateStreamFromSynchronize(t *testing.T) {
	f, db := newTestFollower(t)
	assert.Equal(t, stateSynchronize, f.state)

	resp, err := f.step(&Request{Term: 1, AppendEntries: &AppendEntriesRequest{Update: &UpdateRequest{
		CommitIndex: 1,
		Updates: []UpdateItem{
			{Log: &UpdateLog{Id: maildb.NewRaftID(1, 1), Data: entryData(t, 1, maildb.CollectionMail)}},
			{Change: &UpdateChange{AccountId: 1, Collection: maildb.CollectionMail, Data: changeData(t, []uint32{10}, nil, nil)}},
			{Eof: true},
		},
	}}})
	assert.NoError(t, err)
	assert.NotNil(t, resp.Update)

	resp, err = f.step(&Request{Term: 1, AppendEntries: &AppendEntriesRequest{Update: &UpdateRequest{
		CommitIndex: 1,
		Updates: []UpdateItem{
			{Document: &UpdateDocument{AccountId: 1, DocumentId: 10, Update: insertMailUpdate([]byte("hello"))}},
			{Eof: true},
		},
	}}})
	assert.NoError(t, err)
	assert.NotNil(t, resp.Commit)
	assert.Equal(t, uint64(1), resp.Commit.CommitIndex)
	assert.True(t, f.UpToDate())

	exists, err := db.DocumentExists(1, maildb.CollectionMail, 10)
	assert.NoError(t, err)
	assert.True(t, exists)
}

func TestChangeBeforeLogRejected(t *testing.T) {
	f, _ := newTestFollower(t)

	resp, err := f.step(&Request{Term: 1, AppendEntries: &AppendEntriesRequest{Match: &MatchRequest{LastLog: maildb.NoneRaftID()}}})
	assert.NoError(t, err)
	assert.NotNil(t, resp.Match)

	// A change record with no owning entry is a protocol violation.
	_, err = f.step(&Request{Term: 1, AppendEntries: &AppendEntriesRequest{Update: &UpdateRequest{
		Updates: []UpdateItem{
			{Change: &UpdateChange{AccountId: 1, Collection: maildb.CollectionMail, Data: changeData(t, []uint32{10}, nil, nil)}},
		},
	}}})
	assert.Error(t, err)
}

func TestUndefinedTransitionsPanic(t *testing.T) {
	f, _ := newTestFollower(t)
	resp, err := f.step(&Request{Term: 1, AppendEntries: &AppendEntriesRequest{Match: &MatchRequest{LastLog: maildb.NoneRaftID()}}})
	assert.NoError(t, err)
	assert.NotNil(t, resp.Match)
	assert.Equal(t, stateAppendEntries, f.state)

	// A Document item belongs to a change stream, never a log stream.
	assert.Panics(t, func() {
		_, _ = f.step(&Request{Term: 1, AppendEntries: &AppendEntriesRequest{Update: &UpdateRequest{
			Updates: []UpdateItem{{Document: &UpdateDocument{AccountId: 1, DocumentId: 1, Update: insertMailUpdate(nil)}}},
		}}})
	})
}

func TestBecomeFollower(t *testing.T) {
	f, db := newTestFollower(t)
	seedLog(t, db, maildb.NewRaftID(1, 1), 1, []uint32{1}, nil, nil)

	resp, err := f.step(&Request{Term: 2, BecomeFollower: &BecomeFollower{LastLog: maildb.NewRaftID(1, 1)}})
	assert.NoError(t, err)
	assert.NotNil(t, resp.Match)
	assert.Equal(t, maildb.NewRaftID(1, 1), resp.Match.MatchLog)
	assert.Equal(t, uint64(2), f.term)
	assert.False(t, f.UpToDate())
}
