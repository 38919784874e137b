package maildb

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/pebble"
	"github.com/jmapd/jmapd/pkg/maildb/key"
)

// DocumentApplier materializes one streamed document update into a
// batch. The codec boundary (body decompression) lives on the caller's
// side.
type DocumentApplier interface {
	ApplyDocumentUpdate(batch *WriteBatch, documentId uint32, update *DocumentUpdate) error
}

// StagePendingUpdates persists one batch of not-yet-committed updates
// under (commitIndex, seq). Staging is durable before the leader gets a
// reply, so a restart can resume from the queue.
func (d *DB) StagePendingUpdates(commitIndex, seq uint64, updates *PendingUpdates) error {
	data, err := updates.Marshal()
	if err != nil {
		return err
	}
	return d.set(key.NewPendingKey(commitIndex, seq), data)
}

// LastAppliedIndex returns the durably recorded apply watermark.
func (d *DB) LastAppliedIndex() (uint64, bool, error) {
	value, err := d.get(key.NewMetaKey(key.TableMeta.Column.LastAppliedIndex))
	if err != nil {
		return 0, false, err
	}
	if value == nil {
		return 0, false, nil
	}
	if len(value) != 8 {
		return 0, false, corruptf("last applied index marker")
	}
	return binary.BigEndian.Uint64(value), true, nil
}

func (d *DB) setLastAppliedIndex(index uint64) error {
	value := make([]byte, 8)
	binary.BigEndian.PutUint64(value, index)
	return d.set(key.NewMetaKey(key.TableMeta.Column.LastAppliedIndex), value)
}

// ApplyPendingUpdates drains staged batches with commit index at or
// below upTo, grouping document writes per account. upTo of MaxUint64
// means "up to the recorded watermark"; without a watermark there is
// nothing to do and false is returned.
//
// With reset set, staged batches above upTo are dropped instead of
// kept, the watermark is cleared and the log is trimmed back to upTo.
// Used on startup to discard uncommitted state from a previous
// leadership term.
func (d *DB) ApplyPendingUpdates(applier DocumentApplier, upTo uint64, reset bool) (bool, error) {
	if upTo == math.MaxUint64 {
		marker, ok, err := d.LastAppliedIndex()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		upTo = marker
	}

	prefix := key.PendingTablePrefix()
	iter := d.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: prefixUpperBound(prefix),
	})
	defer iter.Close()

	cleanup := d.db.NewBatch()
	defer cleanup.Close()

	var documentBatch *WriteBatch
	flush := func() error {
		if documentBatch == nil {
			return nil
		}
		batch := documentBatch
		documentBatch = nil
		if batch.IsEmpty() {
			batch.Discard()
			return nil
		}
		return d.Write(batch)
	}
	batchFor := func(accountId uint32) (*WriteBatch, error) {
		if documentBatch != nil && documentBatch.AccountId != accountId {
			if err := flush(); err != nil {
				return nil, err
			}
		}
		if documentBatch == nil {
			documentBatch = d.NewWriteBatch(accountId)
		}
		return documentBatch, nil
	}

	for iter.First(); iter.Valid(); iter.Next() {
		commitIndex, seq, err := key.ParsePendingKey(iter.Key())
		if err != nil {
			return false, err
		}
		rawKey := make([]byte, len(iter.Key()))
		copy(rawKey, iter.Key())

		if commitIndex > upTo {
			if !reset {
				break
			}
			if err := cleanup.Delete(rawKey, nil); err != nil {
				return false, err
			}
			continue
		}

		staged := &PendingUpdates{}
		if err := staged.Unmarshal(iter.Value()); err != nil {
			return false, corruptf("pending updates %d/%d", commitIndex, seq)
		}
		for i := range staged.Updates {
			update := &staged.Updates[i]
			switch {
			case update.UpdateDocument != nil:
				batch, err := batchFor(update.UpdateDocument.AccountId)
				if err != nil {
					return false, err
				}
				if err := applier.ApplyDocumentUpdate(batch, update.UpdateDocument.DocumentId, &update.UpdateDocument.Update); err != nil {
					return false, err
				}
			case update.DeleteDocuments != nil:
				batch, err := batchFor(update.DeleteDocuments.AccountId)
				if err != nil {
					return false, err
				}
				for _, documentId := range update.DeleteDocuments.DocumentIds {
					if err := batch.DeleteDocument(update.DeleteDocuments.Collection, documentId); err != nil {
						return false, err
					}
				}
			}
		}
		if err := cleanup.Delete(rawKey, nil); err != nil {
			return false, err
		}
	}
	if err := flush(); err != nil {
		return false, err
	}
	if !cleanup.Empty() {
		if err := cleanup.Commit(d.sync); err != nil {
			return false, err
		}
	}

	if reset {
		if err := d.delete(key.NewMetaKey(key.TableMeta.Column.LastAppliedIndex)); err != nil {
			return false, err
		}
		return true, d.TrimLogAbove(upTo)
	}
	return true, d.setLastAppliedIndex(upTo)
}
