package mail

import (
	"encoding/binary"

	"github.com/jmapd/jmapd/pkg/maildb"
	"github.com/jmapd/jmapd/pkg/maildb/key"
	"github.com/jmapd/jmapd/pkg/mlog"
	"go.uber.org/zap"
)

// Ingester is the local write path: it materializes a document, records
// the change history and appends the log entry the replication layer
// streams to peers.
type Ingester struct {
	db      *maildb.DB
	applier *Applier
	mlog.Log
}

func NewIngester(db *maildb.DB) *Ingester {
	return &Ingester{
		db:      db,
		applier: NewApplier(db),
		Log:     mlog.NewMLog("mail.ingester"),
	}
}

// IngestMail stores a new message under raftId. The body is compressed
// before it enters the replicated stream, so followers receive exactly
// what is stored in the log.
func (g *Ingester) IngestMail(accountId uint32, raftId maildb.RaftID, documentId uint32, insert *maildb.InsertMail) error {
	insert.Body = CompressBody(insert.Body)

	batch := g.db.NewWriteBatch(accountId)
	update := &maildb.DocumentUpdate{InsertMail: insert}
	if err := g.applier.ApplyDocumentUpdate(batch, documentId, update); err != nil {
		batch.Discard()
		return err
	}
	messageId := make([]byte, 8)
	binary.BigEndian.PutUint64(messageId, g.db.NextMessageId())
	if err := batch.SetDocumentColumn(maildb.CollectionMail, documentId, key.TableDocument.Column.Metadata, messageId); err != nil {
		batch.Discard()
		return err
	}
	if err := g.db.Write(batch); err != nil {
		return err
	}

	var collections maildb.Collections
	collections.Set(maildb.CollectionMail)
	collections.Set(maildb.CollectionThread)
	if err := g.appendChange(accountId, raftId, collections, func(collection maildb.Collection, change *maildb.Change) {
		if collection == maildb.CollectionMail {
			change.Inserts.Add(documentId)
		}
	}); err != nil {
		return err
	}
	g.Debug("ingested mail",
		zap.Uint32("accountId", accountId),
		zap.Uint32("documentId", documentId),
		zap.String("raftId", raftId.String()))
	return nil
}

// IngestMailbox stores mailbox metadata and records the change.
func (g *Ingester) IngestMailbox(accountId uint32, raftId maildb.RaftID, documentId uint32, mailbox *maildb.Mailbox, isInsert bool) error {
	batch := g.db.NewWriteBatch(accountId)
	if err := batch.SetMailboxMetadata(documentId, mailbox); err != nil {
		batch.Discard()
		return err
	}
	if err := g.db.Write(batch); err != nil {
		return err
	}

	var collections maildb.Collections
	collections.Set(maildb.CollectionMailbox)
	return g.appendChange(accountId, raftId, collections, func(collection maildb.Collection, change *maildb.Change) {
		if isInsert {
			change.Inserts.Add(documentId)
		} else {
			change.Updates.Add(documentId)
		}
	})
}

func (g *Ingester) appendChange(accountId uint32, raftId maildb.RaftID, collections maildb.Collections, fill func(maildb.Collection, *maildb.Change)) error {
	entry := &maildb.Entry{Item: &maildb.EntryItem{
		AccountId:          accountId,
		ChangedCollections: collections,
	}}
	entryData, err := entry.Marshal()
	if err != nil {
		return err
	}
	var changes []maildb.ChangeRecord
	for _, collection := range collections.All() {
		change := maildb.NewChange()
		fill(collection, change)
		changeData, err := change.Marshal()
		if err != nil {
			return err
		}
		changes = append(changes, maildb.ChangeRecord{
			AccountId:  accountId,
			Collection: collection,
			Index:      raftId.Index,
			Data:       changeData,
		})
	}
	return g.db.AppendLog([]maildb.LogEntryRecord{{Id: raftId, Data: entryData}}, changes)
}
