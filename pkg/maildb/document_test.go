package maildb

import (
	"encoding/binary"
	"testing"

	"github.com/jmapd/jmapd/pkg/maildb/key"
	"github.com/stretchr/testify/assert"
)

func writeTestMail(t *testing.T, db *DB, accountId, documentId, threadId uint32, keywords []string, mailboxes []uint32) {
	batch := db.NewWriteBatch(accountId)
	thread := make([]byte, 4)
	binary.BigEndian.PutUint32(thread, threadId)
	assert.NoError(t, batch.SetDocumentColumn(CollectionMail, documentId, key.TableDocument.Column.ThreadId, thread))
	assert.NoError(t, batch.SetDocumentColumn(CollectionMail, documentId, key.TableDocument.Column.Keywords, MarshalStrings(keywords)))
	assert.NoError(t, batch.SetDocumentColumn(CollectionMail, documentId, key.TableDocument.Column.Mailboxes, MarshalUint32s(mailboxes)))
	assert.NoError(t, batch.Tag(CollectionMail, documentId, key.TableTag.Kind.Thread, threadId))
	for _, id := range mailboxes {
		assert.NoError(t, batch.Tag(CollectionMail, documentId, key.TableTag.Kind.Mailbox, id))
	}
	for _, keyword := range keywords {
		assert.NoError(t, batch.Tag(CollectionMail, documentId, key.TableTag.Kind.Keyword, KeywordTagId(keyword)))
	}
	assert.NoError(t, db.Write(batch))
}

func TestDeleteDocumentClearsTags(t *testing.T) {
	db := newTestDB(t)
	writeTestMail(t, db, 1, 10, 3, []string{"$seen"}, []uint32{2})

	has, err := db.HasTag(1, CollectionMail, 10, key.TableTag.Kind.Mailbox, 2)
	assert.NoError(t, err)
	assert.True(t, has)

	batch := db.NewWriteBatch(1)
	assert.NoError(t, batch.DeleteDocument(CollectionMail, 10))
	assert.NoError(t, db.Write(batch))

	exists, err := db.DocumentExists(1, CollectionMail, 10)
	assert.NoError(t, err)
	assert.False(t, exists)

	for _, check := range []struct {
		kind  byte
		tagId uint32
	}{
		{key.TableTag.Kind.Thread, 3},
		{key.TableTag.Kind.Mailbox, 2},
		{key.TableTag.Kind.Keyword, KeywordTagId("$seen")},
	} {
		has, err := db.HasTag(1, CollectionMail, 10, check.kind, check.tagId)
		assert.NoError(t, err)
		assert.False(t, has)
	}
}

func TestGetMailTags(t *testing.T) {
	db := newTestDB(t)

	_, _, _, exists, err := db.GetMailTags(1, 10)
	assert.NoError(t, err)
	assert.False(t, exists)

	writeTestMail(t, db, 1, 10, 3, []string{"$seen", "$flagged"}, []uint32{2, 4})
	threadId, mailboxes, keywords, exists, err := db.GetMailTags(1, 10)
	assert.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, uint32(3), threadId)
	assert.Equal(t, []uint32{2, 4}, mailboxes)
	assert.Equal(t, []string{"$seen", "$flagged"}, keywords)
}

func TestMailboxCache(t *testing.T) {
	db := newTestDB(t)

	_, err := db.GetMailbox(1, 5)
	assert.Equal(t, ErrNotFound, err)

	batch := db.NewWriteBatch(1)
	assert.NoError(t, batch.SetMailboxMetadata(5, &Mailbox{Name: "Inbox", Role: "inbox"}))
	assert.NoError(t, db.Write(batch))

	mailbox, err := db.GetMailbox(1, 5)
	assert.NoError(t, err)
	assert.Equal(t, "Inbox", mailbox.Name)

	// A second write through a batch invalidates the cached record.
	batch = db.NewWriteBatch(1)
	assert.NoError(t, batch.SetMailboxMetadata(5, &Mailbox{Name: "Archive", Role: "archive"}))
	assert.NoError(t, db.Write(batch))

	mailbox, err = db.GetMailbox(1, 5)
	assert.NoError(t, err)
	assert.Equal(t, "Archive", mailbox.Name)
}
