package mail

import (
	"encoding/binary"

	"github.com/jmapd/jmapd/pkg/maildb"
	"github.com/jmapd/jmapd/pkg/maildb/key"
	"github.com/jmapd/jmapd/pkg/mlog"
	"go.uber.org/zap"
)

// Applier materializes replicated document updates into the local
// store. Every write path is set-semantics: re-applying the same update
// converges to the same state.
type Applier struct {
	db *maildb.DB
	mlog.Log
}

func NewApplier(db *maildb.DB) *Applier {
	return &Applier{
		db:  db,
		Log: mlog.NewMLog("mail.applier"),
	}
}

func (a *Applier) ApplyDocumentUpdate(batch *maildb.WriteBatch, documentId uint32, update *maildb.DocumentUpdate) error {
	switch {
	case update.InsertMail != nil:
		return a.applyInsertMail(batch, documentId, update.InsertMail)
	case update.UpdateMail != nil:
		return a.applyUpdateMail(batch, documentId, update.UpdateMail)
	case update.UpdateMailbox != nil:
		return batch.SetMailboxMetadata(documentId, &update.UpdateMailbox.Mailbox)
	default:
		a.Warn("document update without variant", zap.Uint32("documentId", documentId))
		return nil
	}
}

func (a *Applier) applyInsertMail(batch *maildb.WriteBatch, documentId uint32, insert *maildb.InsertMail) error {
	body, err := DecompressBody(insert.Body)
	if err != nil {
		return err
	}
	if err := batch.SetDocumentColumn(maildb.CollectionMail, documentId, key.TableDocument.Column.Body, body); err != nil {
		return err
	}
	receivedAt := make([]byte, 8)
	binary.BigEndian.PutUint64(receivedAt, uint64(insert.ReceivedAt))
	if err := batch.SetDocumentColumn(maildb.CollectionMail, documentId, key.TableDocument.Column.ReceivedAt, receivedAt); err != nil {
		return err
	}
	return a.applyMailTags(batch, documentId, insert.ThreadId, insert.Keywords, insert.Mailboxes)
}

func (a *Applier) applyUpdateMail(batch *maildb.WriteBatch, documentId uint32, update *maildb.UpdateMail) error {
	return a.applyMailTags(batch, documentId, update.ThreadId, update.Keywords, update.Mailboxes)
}

// applyMailTags rewrites the tag columns and reconciles the tag rows
// against whatever is currently stored, so stale rows from an earlier
// version of the document never survive.
func (a *Applier) applyMailTags(batch *maildb.WriteBatch, documentId uint32, threadId uint32, keywords []string, mailboxes []uint32) error {
	oldThreadId, oldMailboxes, oldKeywords, exists, err := a.db.GetMailTags(batch.AccountId, documentId)
	if err != nil {
		return err
	}
	if exists {
		if oldThreadId != threadId {
			if err := batch.Untag(maildb.CollectionMail, documentId, key.TableTag.Kind.Thread, oldThreadId); err != nil {
				return err
			}
		}
		wantMailboxes := make(map[uint32]struct{}, len(mailboxes))
		for _, id := range mailboxes {
			wantMailboxes[id] = struct{}{}
		}
		for _, id := range oldMailboxes {
			if _, ok := wantMailboxes[id]; !ok {
				if err := batch.Untag(maildb.CollectionMail, documentId, key.TableTag.Kind.Mailbox, id); err != nil {
					return err
				}
			}
		}
		wantKeywords := make(map[string]struct{}, len(keywords))
		for _, keyword := range keywords {
			wantKeywords[keyword] = struct{}{}
		}
		for _, keyword := range oldKeywords {
			if _, ok := wantKeywords[keyword]; !ok {
				if err := batch.Untag(maildb.CollectionMail, documentId, key.TableTag.Kind.Keyword, maildb.KeywordTagId(keyword)); err != nil {
					return err
				}
			}
		}
	}

	thread := make([]byte, 4)
	binary.BigEndian.PutUint32(thread, threadId)
	if err := batch.SetDocumentColumn(maildb.CollectionMail, documentId, key.TableDocument.Column.ThreadId, thread); err != nil {
		return err
	}
	if err := batch.SetDocumentColumn(maildb.CollectionMail, documentId, key.TableDocument.Column.Keywords, maildb.MarshalStrings(keywords)); err != nil {
		return err
	}
	if err := batch.SetDocumentColumn(maildb.CollectionMail, documentId, key.TableDocument.Column.Mailboxes, maildb.MarshalUint32s(mailboxes)); err != nil {
		return err
	}

	if err := batch.Tag(maildb.CollectionMail, documentId, key.TableTag.Kind.Thread, threadId); err != nil {
		return err
	}
	for _, id := range mailboxes {
		if err := batch.Tag(maildb.CollectionMail, documentId, key.TableTag.Kind.Mailbox, id); err != nil {
			return err
		}
	}
	for _, keyword := range keywords {
		if err := batch.Tag(maildb.CollectionMail, documentId, key.TableTag.Kind.Keyword, maildb.KeywordTagId(keyword)); err != nil {
			return err
		}
	}
	return nil
}
