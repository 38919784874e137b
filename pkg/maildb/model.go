package maildb

import (
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	wkproto "github.com/WuKongIM/WuKongIMGoProto"
)

// RaftID identifies a position in the replicated log.
// The zero position does not exist; None() marks "no position yet".
type RaftID struct {
	Term  uint64
	Index uint64
}

func NewRaftID(term, index uint64) RaftID {
	return RaftID{Term: term, Index: index}
}

func NoneRaftID() RaftID {
	return RaftID{Term: math.MaxUint64, Index: math.MaxUint64}
}

func (r RaftID) IsNone() bool {
	return r.Term == math.MaxUint64 && r.Index == math.MaxUint64
}

// Less orders by term, then index.
func (r RaftID) Less(other RaftID) bool {
	if r.Term != other.Term {
		return r.Term < other.Term
	}
	return r.Index < other.Index
}

func (r RaftID) LessEq(other RaftID) bool {
	return r == other || r.Less(other)
}

func (r RaftID) String() string {
	if r.IsNone() {
		return "none"
	}
	return fmt.Sprintf("%d/%d", r.Term, r.Index)
}

// Collection is a JMAP object collection.
type Collection uint8

const (
	CollectionMail     Collection = 0
	CollectionMailbox  Collection = 1
	CollectionThread   Collection = 2
	CollectionIdentity Collection = 3
)

func (c Collection) String() string {
	switch c {
	case CollectionMail:
		return "mail"
	case CollectionMailbox:
		return "mailbox"
	case CollectionThread:
		return "thread"
	case CollectionIdentity:
		return "identity"
	default:
		return fmt.Sprintf("collection(%d)", uint8(c))
	}
}

func (c Collection) Uint8() uint8 {
	return uint8(c)
}

// Collections is a bitmask of collections, consumed as a worklist.
type Collections uint64

func (c *Collections) Set(collection Collection) {
	*c |= 1 << collection
}

func (c Collections) Has(collection Collection) bool {
	return c&(1<<collection) != 0
}

func (c Collections) IsEmpty() bool {
	return c == 0
}

// Pop removes and returns the lowest collection in the set.
func (c *Collections) Pop() (Collection, bool) {
	if *c == 0 {
		return 0, false
	}
	for i := Collection(0); i < 64; i++ {
		if c.Has(i) {
			*c &^= 1 << i
			return i, true
		}
	}
	return 0, false
}

// All returns the collections in the set, lowest first.
func (c Collections) All() []Collection {
	var result []Collection
	for i := Collection(0); i < 64; i++ {
		if c.Has(i) {
			result = append(result, i)
		}
	}
	return result
}

// Log entry variants.
const (
	entryTypeItem     uint8 = 1
	entryTypeSnapshot uint8 = 2
)

// Entry is one raft log entry: a single operation's footprint, or a
// compacted snapshot marker covering many accounts.
type Entry struct {
	Item     *EntryItem
	Snapshot *EntrySnapshot
}

type EntryItem struct {
	AccountId          uint32
	ChangedCollections Collections
}

type SnapshotAccounts struct {
	Collections Collections
	AccountIds  []uint32
}

type EntrySnapshot struct {
	ChangedAccounts []SnapshotAccounts
}

func (e *Entry) Marshal() ([]byte, error) {
	enc := wkproto.NewEncoder()
	defer enc.End()
	if e.Item != nil {
		enc.WriteUint8(entryTypeItem)
		enc.WriteUint32(e.Item.AccountId)
		enc.WriteUint64(uint64(e.Item.ChangedCollections))
	} else if e.Snapshot != nil {
		enc.WriteUint8(entryTypeSnapshot)
		enc.WriteUint32(uint32(len(e.Snapshot.ChangedAccounts)))
		for _, ca := range e.Snapshot.ChangedAccounts {
			enc.WriteUint64(uint64(ca.Collections))
			enc.WriteUint32(uint32(len(ca.AccountIds)))
			for _, accountId := range ca.AccountIds {
				enc.WriteUint32(accountId)
			}
		}
	} else {
		return nil, fmt.Errorf("entry has no variant")
	}
	return enc.Bytes(), nil
}

func (e *Entry) Unmarshal(data []byte) error {
	dec := wkproto.NewDecoder(data)
	entryType, err := dec.Uint8()
	if err != nil {
		return err
	}
	switch entryType {
	case entryTypeItem:
		item := &EntryItem{}
		if item.AccountId, err = dec.Uint32(); err != nil {
			return err
		}
		collections, err := dec.Uint64()
		if err != nil {
			return err
		}
		item.ChangedCollections = Collections(collections)
		e.Item = item
	case entryTypeSnapshot:
		snapshot := &EntrySnapshot{}
		count, err := dec.Uint32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < count; i++ {
			var ca SnapshotAccounts
			collections, err := dec.Uint64()
			if err != nil {
				return err
			}
			ca.Collections = Collections(collections)
			accountCount, err := dec.Uint32()
			if err != nil {
				return err
			}
			for j := uint32(0); j < accountCount; j++ {
				accountId, err := dec.Uint32()
				if err != nil {
					return err
				}
				ca.AccountIds = append(ca.AccountIds, accountId)
			}
			snapshot.ChangedAccounts = append(snapshot.ChangedAccounts, ca)
		}
		e.Snapshot = snapshot
	default:
		return fmt.Errorf("unknown entry type: %d", entryType)
	}
	return nil
}

// Change is the raw delta recorded for one (account, collection) at one
// log index.
type Change struct {
	Inserts *roaring.Bitmap
	Updates *roaring.Bitmap
	Deletes *roaring.Bitmap
}

func NewChange() *Change {
	return &Change{
		Inserts: roaring.New(),
		Updates: roaring.New(),
		Deletes: roaring.New(),
	}
}

func writeBitmap(enc *wkproto.Encoder, bm *roaring.Bitmap) error {
	data, err := bm.ToBytes()
	if err != nil {
		return err
	}
	enc.WriteUint32(uint32(len(data)))
	enc.WriteBytes(data)
	return nil
}

func readBitmap(dec *wkproto.Decoder) (*roaring.Bitmap, error) {
	size, err := dec.Uint32()
	if err != nil {
		return nil, err
	}
	bm := roaring.New()
	if size == 0 {
		return bm, nil
	}
	data, err := dec.Bytes(int(size))
	if err != nil {
		return nil, err
	}
	if err := bm.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return bm, nil
}

func (c *Change) Marshal() ([]byte, error) {
	enc := wkproto.NewEncoder()
	defer enc.End()
	for _, bm := range []*roaring.Bitmap{c.Inserts, c.Updates, c.Deletes} {
		if err := writeBitmap(enc, bm); err != nil {
			return nil, err
		}
	}
	return enc.Bytes(), nil
}

func (c *Change) Unmarshal(data []byte) error {
	dec := wkproto.NewDecoder(data)
	var err error
	if c.Inserts, err = readBitmap(dec); err != nil {
		return err
	}
	if c.Updates, err = readBitmap(dec); err != nil {
		return err
	}
	if c.Deletes, err = readBitmap(dec); err != nil {
		return err
	}
	return nil
}

// MergedChanges is the collapsed net effect of the change records of one
// (account, collection) pair over an index range. The three sets are
// pairwise disjoint.
type MergedChanges struct {
	AccountId  uint32
	Collection Collection
	Inserts    *roaring.Bitmap
	Updates    *roaring.Bitmap
	Deletes    *roaring.Bitmap
}

func NewMergedChanges(accountId uint32, collection Collection) *MergedChanges {
	return &MergedChanges{
		AccountId:  accountId,
		Collection: collection,
		Inserts:    roaring.New(),
		Updates:    roaring.New(),
		Deletes:    roaring.New(),
	}
}

func (m *MergedChanges) IsEmpty() bool {
	return m.Inserts.IsEmpty() && m.Updates.IsEmpty() && m.Deletes.IsEmpty()
}

func (m *MergedChanges) Marshal() ([]byte, error) {
	enc := wkproto.NewEncoder()
	defer enc.End()
	for _, bm := range []*roaring.Bitmap{m.Inserts, m.Updates, m.Deletes} {
		if err := writeBitmap(enc, bm); err != nil {
			return nil, err
		}
	}
	return enc.Bytes(), nil
}

func (m *MergedChanges) Unmarshal(data []byte) error {
	dec := wkproto.NewDecoder(data)
	var err error
	if m.Inserts, err = readBitmap(dec); err != nil {
		return err
	}
	if m.Updates, err = readBitmap(dec); err != nil {
		return err
	}
	if m.Deletes, err = readBitmap(dec); err != nil {
		return err
	}
	return nil
}

// Mailbox metadata carried by UpdateMailbox.
type Mailbox struct {
	Name      string
	ParentId  uint32
	Role      string
	SortOrder uint32
}

func (m *Mailbox) encode(enc *wkproto.Encoder) {
	enc.WriteString(m.Name)
	enc.WriteUint32(m.ParentId)
	enc.WriteString(m.Role)
	enc.WriteUint32(m.SortOrder)
}

func (m *Mailbox) decode(dec *wkproto.Decoder) error {
	var err error
	if m.Name, err = dec.String(); err != nil {
		return err
	}
	if m.ParentId, err = dec.Uint32(); err != nil {
		return err
	}
	if m.Role, err = dec.String(); err != nil {
		return err
	}
	if m.SortOrder, err = dec.Uint32(); err != nil {
		return err
	}
	return nil
}

func (m *Mailbox) Marshal() ([]byte, error) {
	enc := wkproto.NewEncoder()
	defer enc.End()
	m.encode(enc)
	return enc.Bytes(), nil
}

func (m *Mailbox) Unmarshal(data []byte) error {
	return m.decode(wkproto.NewDecoder(data))
}

// DocumentUpdate variants.
const (
	documentUpdateInsertMail    uint8 = 1
	documentUpdateUpdateMail    uint8 = 2
	documentUpdateUpdateMailbox uint8 = 3
)

// DocumentUpdate is the payload of one materialized document change
// streamed by the leader.
type DocumentUpdate struct {
	InsertMail    *InsertMail
	UpdateMail    *UpdateMail
	UpdateMailbox *UpdateMailbox
}

// InsertMail carries the lz4-compressed raw message body.
type InsertMail struct {
	ThreadId   uint32
	Keywords   []string
	Mailboxes  []uint32
	ReceivedAt int64
	Body       []byte
}

type UpdateMail struct {
	ThreadId  uint32
	Keywords  []string
	Mailboxes []uint32
}

type UpdateMailbox struct {
	Mailbox Mailbox
}

func writeStrings(enc *wkproto.Encoder, values []string) {
	enc.WriteUint32(uint32(len(values)))
	for _, v := range values {
		enc.WriteString(v)
	}
}

func readStrings(dec *wkproto.Decoder) ([]string, error) {
	count, err := dec.Uint32()
	if err != nil {
		return nil, err
	}
	var values []string
	for i := uint32(0); i < count; i++ {
		v, err := dec.String()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func writeUint32s(enc *wkproto.Encoder, values []uint32) {
	enc.WriteUint32(uint32(len(values)))
	for _, v := range values {
		enc.WriteUint32(v)
	}
}

func readUint32s(dec *wkproto.Decoder) ([]uint32, error) {
	count, err := dec.Uint32()
	if err != nil {
		return nil, err
	}
	var values []uint32
	for i := uint32(0); i < count; i++ {
		v, err := dec.Uint32()
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, nil
}

func (u *DocumentUpdate) encode(enc *wkproto.Encoder) error {
	switch {
	case u.InsertMail != nil:
		enc.WriteUint8(documentUpdateInsertMail)
		enc.WriteUint32(u.InsertMail.ThreadId)
		writeStrings(enc, u.InsertMail.Keywords)
		writeUint32s(enc, u.InsertMail.Mailboxes)
		enc.WriteInt64(u.InsertMail.ReceivedAt)
		enc.WriteUint32(uint32(len(u.InsertMail.Body)))
		enc.WriteBytes(u.InsertMail.Body)
	case u.UpdateMail != nil:
		enc.WriteUint8(documentUpdateUpdateMail)
		enc.WriteUint32(u.UpdateMail.ThreadId)
		writeStrings(enc, u.UpdateMail.Keywords)
		writeUint32s(enc, u.UpdateMail.Mailboxes)
	case u.UpdateMailbox != nil:
		enc.WriteUint8(documentUpdateUpdateMailbox)
		u.UpdateMailbox.Mailbox.encode(enc)
	default:
		return fmt.Errorf("document update has no variant")
	}
	return nil
}

func (u *DocumentUpdate) decode(dec *wkproto.Decoder) error {
	updateType, err := dec.Uint8()
	if err != nil {
		return err
	}
	switch updateType {
	case documentUpdateInsertMail:
		insert := &InsertMail{}
		if insert.ThreadId, err = dec.Uint32(); err != nil {
			return err
		}
		if insert.Keywords, err = readStrings(dec); err != nil {
			return err
		}
		if insert.Mailboxes, err = readUint32s(dec); err != nil {
			return err
		}
		if insert.ReceivedAt, err = dec.Int64(); err != nil {
			return err
		}
		bodyLen, err := dec.Uint32()
		if err != nil {
			return err
		}
		if bodyLen > 0 {
			if insert.Body, err = dec.Bytes(int(bodyLen)); err != nil {
				return err
			}
		}
		u.InsertMail = insert
	case documentUpdateUpdateMail:
		update := &UpdateMail{}
		if update.ThreadId, err = dec.Uint32(); err != nil {
			return err
		}
		if update.Keywords, err = readStrings(dec); err != nil {
			return err
		}
		if update.Mailboxes, err = readUint32s(dec); err != nil {
			return err
		}
		u.UpdateMail = update
	case documentUpdateUpdateMailbox:
		update := &UpdateMailbox{}
		if err = update.Mailbox.decode(dec); err != nil {
			return err
		}
		u.UpdateMailbox = update
	default:
		return fmt.Errorf("unknown document update type: %d", updateType)
	}
	return nil
}

// MarshalDocumentUpdate frames a single update for transports that
// carry it outside a pending batch.
func MarshalDocumentUpdate(u *DocumentUpdate) ([]byte, error) {
	enc := wkproto.NewEncoder()
	defer enc.End()
	if err := u.encode(enc); err != nil {
		return nil, err
	}
	return enc.Bytes(), nil
}

func UnmarshalDocumentUpdate(data []byte, u *DocumentUpdate) error {
	return u.decode(wkproto.NewDecoder(data))
}

// PendingUpdate variants.
const (
	pendingUpdateDocument  uint8 = 1
	pendingDeleteDocuments uint8 = 2
)

// PendingUpdate is one staged, not-yet-applied mutation.
type PendingUpdate struct {
	UpdateDocument  *PendingUpdateDocument
	DeleteDocuments *PendingDeleteDocuments
}

type PendingUpdateDocument struct {
	AccountId  uint32
	DocumentId uint32
	Update     DocumentUpdate
}

type PendingDeleteDocuments struct {
	AccountId   uint32
	Collection  Collection
	DocumentIds []uint32
}

// PendingUpdates is the persisted form of one staged batch.
type PendingUpdates struct {
	Updates []PendingUpdate
}

func (p *PendingUpdates) Marshal() ([]byte, error) {
	enc := wkproto.NewEncoder()
	defer enc.End()
	enc.WriteUint32(uint32(len(p.Updates)))
	for i := range p.Updates {
		update := &p.Updates[i]
		switch {
		case update.UpdateDocument != nil:
			enc.WriteUint8(pendingUpdateDocument)
			enc.WriteUint32(update.UpdateDocument.AccountId)
			enc.WriteUint32(update.UpdateDocument.DocumentId)
			if err := update.UpdateDocument.Update.encode(enc); err != nil {
				return nil, err
			}
		case update.DeleteDocuments != nil:
			enc.WriteUint8(pendingDeleteDocuments)
			enc.WriteUint32(update.DeleteDocuments.AccountId)
			enc.WriteUint8(update.DeleteDocuments.Collection.Uint8())
			writeUint32s(enc, update.DeleteDocuments.DocumentIds)
		default:
			return nil, fmt.Errorf("pending update has no variant")
		}
	}
	return enc.Bytes(), nil
}

func (p *PendingUpdates) Unmarshal(data []byte) error {
	dec := wkproto.NewDecoder(data)
	count, err := dec.Uint32()
	if err != nil {
		return err
	}
	for i := uint32(0); i < count; i++ {
		updateType, err := dec.Uint8()
		if err != nil {
			return err
		}
		switch updateType {
		case pendingUpdateDocument:
			update := &PendingUpdateDocument{}
			if update.AccountId, err = dec.Uint32(); err != nil {
				return err
			}
			if update.DocumentId, err = dec.Uint32(); err != nil {
				return err
			}
			if err = update.Update.decode(dec); err != nil {
				return err
			}
			p.Updates = append(p.Updates, PendingUpdate{UpdateDocument: update})
		case pendingDeleteDocuments:
			deletes := &PendingDeleteDocuments{}
			if deletes.AccountId, err = dec.Uint32(); err != nil {
				return err
			}
			collection, err := dec.Uint8()
			if err != nil {
				return err
			}
			deletes.Collection = Collection(collection)
			if deletes.DocumentIds, err = readUint32s(dec); err != nil {
				return err
			}
			p.Updates = append(p.Updates, PendingUpdate{DeleteDocuments: deletes})
		default:
			return fmt.Errorf("unknown pending update type: %d", updateType)
		}
	}
	return nil
}
