package maildb

import (
	"encoding/binary"
	"hash/fnv"

	wkproto "github.com/WuKongIM/WuKongIMGoProto"
	"github.com/cockroachdb/pebble"
	"github.com/jmapd/jmapd/pkg/maildb/key"
)

// WriteBatch accumulates document mutations for a single account. All
// writes are set-semantics so re-applying a batch is idempotent.
type WriteBatch struct {
	AccountId uint32
	db        *DB
	batch     *pebble.Batch
}

func (d *DB) NewWriteBatch(accountId uint32) *WriteBatch {
	return &WriteBatch{
		AccountId: accountId,
		db:        d,
		batch:     d.db.NewBatch(),
	}
}

func (w *WriteBatch) IsEmpty() bool {
	return w.batch.Empty()
}

// Write commits the batch atomically and releases it.
func (d *DB) Write(w *WriteBatch) error {
	defer w.batch.Close()
	return w.batch.Commit(d.sync)
}

// Discard releases the batch without committing.
func (w *WriteBatch) Discard() {
	_ = w.batch.Close()
}

func (w *WriteBatch) SetDocumentColumn(collection Collection, documentId uint32, columnName [2]byte, value []byte) error {
	return w.batch.Set(key.NewDocumentColumnKey(w.AccountId, collection.Uint8(), documentId, columnName), value, nil)
}

func (w *WriteBatch) Tag(collection Collection, documentId uint32, tagKind byte, tagId uint32) error {
	return w.batch.Set(key.NewTagKey(w.AccountId, collection.Uint8(), tagKind, tagId, documentId), nil, nil)
}

func (w *WriteBatch) Untag(collection Collection, documentId uint32, tagKind byte, tagId uint32) error {
	return w.batch.Delete(key.NewTagKey(w.AccountId, collection.Uint8(), tagKind, tagId, documentId), nil)
}

// DeleteDocument removes every column of the document plus the tag rows
// recorded in its current columns.
func (w *WriteBatch) DeleteDocument(collection Collection, documentId uint32) error {
	if collection == CollectionMail {
		threadId, mailboxes, keywords, exists, err := w.db.GetMailTags(w.AccountId, documentId)
		if err != nil {
			return err
		}
		if exists {
			if err := w.Untag(collection, documentId, key.TableTag.Kind.Thread, threadId); err != nil {
				return err
			}
			for _, mailboxId := range mailboxes {
				if err := w.Untag(collection, documentId, key.TableTag.Kind.Mailbox, mailboxId); err != nil {
					return err
				}
			}
			for _, keyword := range keywords {
				if err := w.Untag(collection, documentId, key.TableTag.Kind.Keyword, KeywordTagId(keyword)); err != nil {
					return err
				}
			}
		}
	}
	if collection == CollectionMailbox {
		w.db.mailboxCache.Remove(mailboxCacheKey(w.AccountId, documentId))
	}
	lower := key.NewDocumentPrimaryKey(w.AccountId, collection.Uint8(), documentId)
	return w.batch.DeleteRange(lower, prefixUpperBound(lower), nil)
}

// KeywordTagId maps a keyword to its tag row id.
func KeywordTagId(keyword string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(keyword))
	return h.Sum32()
}

// MarshalUint32s / MarshalStrings are the column encodings for mailbox
// membership and keyword lists.
func MarshalUint32s(values []uint32) []byte {
	enc := wkproto.NewEncoder()
	defer enc.End()
	writeUint32s(enc, values)
	return enc.Bytes()
}

func UnmarshalUint32s(data []byte) ([]uint32, error) {
	return readUint32s(wkproto.NewDecoder(data))
}

func MarshalStrings(values []string) []byte {
	enc := wkproto.NewEncoder()
	defer enc.End()
	writeStrings(enc, values)
	return enc.Bytes()
}

func UnmarshalStrings(data []byte) ([]string, error) {
	return readStrings(wkproto.NewDecoder(data))
}

// GetDocumentColumn returns nil without error when the column is absent.
func (d *DB) GetDocumentColumn(accountId uint32, collection Collection, documentId uint32, columnName [2]byte) ([]byte, error) {
	return d.get(key.NewDocumentColumnKey(accountId, collection.Uint8(), documentId, columnName))
}

// DocumentExists reports whether any column of the document is stored.
func (d *DB) DocumentExists(accountId uint32, collection Collection, documentId uint32) (bool, error) {
	lower := key.NewDocumentPrimaryKey(accountId, collection.Uint8(), documentId)
	iter := d.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: prefixUpperBound(lower),
	})
	defer iter.Close()
	return iter.First(), nil
}

// HasTag reports whether the tag row is stored.
func (d *DB) HasTag(accountId uint32, collection Collection, documentId uint32, tagKind byte, tagId uint32) (bool, error) {
	value, closer, err := d.db.Get(key.NewTagKey(accountId, collection.Uint8(), tagKind, tagId, documentId))
	if err != nil {
		if err == pebble.ErrNotFound {
			return false, nil
		}
		return false, err
	}
	_ = value
	_ = closer.Close()
	return true, nil
}

// GetMailTags returns the thread, mailbox and keyword tags currently
// recorded in the mail document's columns.
func (d *DB) GetMailTags(accountId uint32, documentId uint32) (threadId uint32, mailboxes []uint32, keywords []string, exists bool, err error) {
	threadData, err := d.GetDocumentColumn(accountId, CollectionMail, documentId, key.TableDocument.Column.ThreadId)
	if err != nil {
		return 0, nil, nil, false, err
	}
	if threadData == nil {
		return 0, nil, nil, false, nil
	}
	if len(threadData) != 4 {
		return 0, nil, nil, false, corruptf("thread column of mail %d/%d", accountId, documentId)
	}
	threadId = binary.BigEndian.Uint32(threadData)

	mailboxData, err := d.GetDocumentColumn(accountId, CollectionMail, documentId, key.TableDocument.Column.Mailboxes)
	if err != nil {
		return 0, nil, nil, false, err
	}
	if mailboxData != nil {
		if mailboxes, err = UnmarshalUint32s(mailboxData); err != nil {
			return 0, nil, nil, false, corruptf("mailboxes column of mail %d/%d", accountId, documentId)
		}
	}
	keywordData, err := d.GetDocumentColumn(accountId, CollectionMail, documentId, key.TableDocument.Column.Keywords)
	if err != nil {
		return 0, nil, nil, false, err
	}
	if keywordData != nil {
		if keywords, err = UnmarshalStrings(keywordData); err != nil {
			return 0, nil, nil, false, corruptf("keywords column of mail %d/%d", accountId, documentId)
		}
	}
	return threadId, mailboxes, keywords, true, nil
}

func mailboxCacheKey(accountId, documentId uint32) uint64 {
	return uint64(accountId)<<32 | uint64(documentId)
}

// SetMailboxMetadata writes the mailbox record into the batch and keeps
// the cache coherent.
func (w *WriteBatch) SetMailboxMetadata(documentId uint32, mailbox *Mailbox) error {
	data, err := mailbox.Marshal()
	if err != nil {
		return err
	}
	if err := w.SetDocumentColumn(CollectionMailbox, documentId, key.TableDocument.Column.Metadata, data); err != nil {
		return err
	}
	w.db.mailboxCache.Remove(mailboxCacheKey(w.AccountId, documentId))
	return nil
}

func (d *DB) GetMailbox(accountId uint32, documentId uint32) (*Mailbox, error) {
	cacheKey := mailboxCacheKey(accountId, documentId)
	if mailbox, ok := d.mailboxCache.Get(cacheKey); ok {
		return mailbox, nil
	}
	data, err := d.GetDocumentColumn(accountId, CollectionMailbox, documentId, key.TableDocument.Column.Metadata)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNotFound
	}
	mailbox := &Mailbox{}
	if err := mailbox.Unmarshal(data); err != nil {
		return nil, corruptf("mailbox %d/%d", accountId, documentId)
	}
	d.mailboxCache.Add(cacheKey, mailbox)
	return mailbox, nil
}
