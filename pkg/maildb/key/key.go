package key

import (
	"encoding/binary"
	"fmt"
)

// Key layout
// ---------------------------------------------------
// | tableID  | dataType | primaryKey... | columnKey |
// | 2 byte   | 1 byte   | fixed width   | 2 byte    |
// ---------------------------------------------------

var (
	dataTypeTable byte = 0x01
	dataTypeIndex byte = 0x02
)

// Raft log entries, ordered by (term, index).
// | tableID | dataType | term    | index   |
// | 2 byte  | 1 byte   | 8 byte  | 8 byte  |
var TableRaftLog = struct {
	Id   [2]byte
	Size int
}{
	Id:   [2]byte{0x01, 0x01},
	Size: 2 + 1 + 8 + 8,
}

func NewRaftLogKey(term, index uint64) []byte {
	key := make([]byte, TableRaftLog.Size)
	key[0] = TableRaftLog.Id[0]
	key[1] = TableRaftLog.Id[1]
	key[2] = dataTypeTable
	binary.BigEndian.PutUint64(key[3:], term)
	binary.BigEndian.PutUint64(key[11:], index)
	return key
}

func ParseRaftLogKey(key []byte) (term, index uint64, err error) {
	if len(key) != TableRaftLog.Size {
		err = fmt.Errorf("raftlog: invalid key length, keyLen: %d", len(key))
		return
	}
	term = binary.BigEndian.Uint64(key[3:])
	index = binary.BigEndian.Uint64(key[11:])
	return
}

// RaftLogTablePrefix bounds iteration over the whole raft log table.
func RaftLogTablePrefix() []byte {
	return []byte{TableRaftLog.Id[0], TableRaftLog.Id[1], dataTypeTable}
}

// Change records, one per (account, collection, log index).
// | tableID | dataType | account | collection | index  |
// | 2 byte  | 1 byte   | 4 byte  | 1 byte     | 8 byte |
var TableChange = struct {
	Id   [2]byte
	Size int
}{
	Id:   [2]byte{0x02, 0x01},
	Size: 2 + 1 + 4 + 1 + 8,
}

func NewChangeKey(accountId uint32, collection uint8, logIndex uint64) []byte {
	key := make([]byte, TableChange.Size)
	key[0] = TableChange.Id[0]
	key[1] = TableChange.Id[1]
	key[2] = dataTypeTable
	binary.BigEndian.PutUint32(key[3:], accountId)
	key[7] = collection
	binary.BigEndian.PutUint64(key[8:], logIndex)
	return key
}

// ChangeTablePrefix bounds iteration over the whole change table.
func ChangeTablePrefix() []byte {
	return []byte{TableChange.Id[0], TableChange.Id[1], dataTypeTable}
}

// NewChangePrefixKey bounds iteration over one (account, collection) pair.
func NewChangePrefixKey(accountId uint32, collection uint8) []byte {
	key := make([]byte, 2+1+4+1)
	key[0] = TableChange.Id[0]
	key[1] = TableChange.Id[1]
	key[2] = dataTypeTable
	binary.BigEndian.PutUint32(key[3:], accountId)
	key[7] = collection
	return key
}

func ParseChangeKey(key []byte) (accountId uint32, collection uint8, logIndex uint64, err error) {
	if len(key) != TableChange.Size {
		err = fmt.Errorf("change: invalid key length, keyLen: %d", len(key))
		return
	}
	accountId = binary.BigEndian.Uint32(key[3:])
	collection = key[7]
	logIndex = binary.BigEndian.Uint64(key[8:])
	return
}

// Pending updates staged by the follower, ordered by (commit index, seq).
// | tableID | dataType | commitIndex | seq    |
// | 2 byte  | 1 byte   | 8 byte      | 8 byte |
var TablePending = struct {
	Id   [2]byte
	Size int
}{
	Id:   [2]byte{0x03, 0x01},
	Size: 2 + 1 + 8 + 8,
}

func NewPendingKey(commitIndex, seq uint64) []byte {
	key := make([]byte, TablePending.Size)
	key[0] = TablePending.Id[0]
	key[1] = TablePending.Id[1]
	key[2] = dataTypeTable
	binary.BigEndian.PutUint64(key[3:], commitIndex)
	binary.BigEndian.PutUint64(key[11:], seq)
	return key
}

func ParsePendingKey(key []byte) (commitIndex, seq uint64, err error) {
	if len(key) != TablePending.Size {
		err = fmt.Errorf("pending: invalid key length, keyLen: %d", len(key))
		return
	}
	commitIndex = binary.BigEndian.Uint64(key[3:])
	seq = binary.BigEndian.Uint64(key[11:])
	return
}

// PendingTablePrefix bounds iteration over the whole pending table.
func PendingTablePrefix() []byte {
	return []byte{TablePending.Id[0], TablePending.Id[1], dataTypeTable}
}

// Rollback bookkeeping, one entry per diverged (account, collection) pair.
// | tableID | dataType | account | collection |
// | 2 byte  | 1 byte   | 4 byte  | 1 byte     |
var TableRollback = struct {
	Id   [2]byte
	Size int
}{
	Id:   [2]byte{0x04, 0x01},
	Size: 2 + 1 + 4 + 1,
}

func NewRollbackKey(accountId uint32, collection uint8) []byte {
	key := make([]byte, TableRollback.Size)
	key[0] = TableRollback.Id[0]
	key[1] = TableRollback.Id[1]
	key[2] = dataTypeTable
	binary.BigEndian.PutUint32(key[3:], accountId)
	key[7] = collection
	return key
}

func ParseRollbackKey(key []byte) (accountId uint32, collection uint8, err error) {
	if len(key) != TableRollback.Size {
		err = fmt.Errorf("rollback: invalid key length, keyLen: %d", len(key))
		return
	}
	accountId = binary.BigEndian.Uint32(key[3:])
	collection = key[7]
	return
}

// RollbackTablePrefix bounds iteration over the whole rollback table.
func RollbackTablePrefix() []byte {
	return []byte{TableRollback.Id[0], TableRollback.Id[1], dataTypeTable}
}

// Document columns.
// | tableID | dataType | account | collection | document | columnKey |
// | 2 byte  | 1 byte   | 4 byte  | 1 byte     | 4 byte   | 2 byte    |
var TableDocument = struct {
	Id     [2]byte
	Size   int
	Column struct {
		ThreadId   [2]byte
		Keywords   [2]byte
		Mailboxes  [2]byte
		ReceivedAt [2]byte
		Body       [2]byte
		Metadata   [2]byte
	}
}{
	Id:   [2]byte{0x05, 0x01},
	Size: 2 + 1 + 4 + 1 + 4 + 2,
	Column: struct {
		ThreadId   [2]byte
		Keywords   [2]byte
		Mailboxes  [2]byte
		ReceivedAt [2]byte
		Body       [2]byte
		Metadata   [2]byte
	}{
		ThreadId:   [2]byte{0x01, 0x01},
		Keywords:   [2]byte{0x01, 0x02},
		Mailboxes:  [2]byte{0x01, 0x03},
		ReceivedAt: [2]byte{0x01, 0x04},
		Body:       [2]byte{0x01, 0x05},
		Metadata:   [2]byte{0x01, 0x06},
	},
}

func NewDocumentColumnKey(accountId uint32, collection uint8, documentId uint32, columnName [2]byte) []byte {
	key := make([]byte, TableDocument.Size)
	key[0] = TableDocument.Id[0]
	key[1] = TableDocument.Id[1]
	key[2] = dataTypeTable
	binary.BigEndian.PutUint32(key[3:], accountId)
	key[7] = collection
	binary.BigEndian.PutUint32(key[8:], documentId)
	key[12] = columnName[0]
	key[13] = columnName[1]
	return key
}

func NewDocumentPrimaryKey(accountId uint32, collection uint8, documentId uint32) []byte {
	key := make([]byte, 2+1+4+1+4)
	key[0] = TableDocument.Id[0]
	key[1] = TableDocument.Id[1]
	key[2] = dataTypeTable
	binary.BigEndian.PutUint32(key[3:], accountId)
	key[7] = collection
	binary.BigEndian.PutUint32(key[8:], documentId)
	return key
}

func ParseDocumentColumnKey(key []byte) (documentId uint32, columnName [2]byte, err error) {
	if len(key) != TableDocument.Size {
		err = fmt.Errorf("document: invalid key length, keyLen: %d", len(key))
		return
	}
	documentId = binary.BigEndian.Uint32(key[8:])
	columnName[0] = key[12]
	columnName[1] = key[13]
	return
}

// Tag index rows (mailbox membership, keywords, thread membership).
// Presence of the key is the value, which keeps re-application idempotent.
// | tableID | dataType | account | collection | tagKind | tagId  | document |
// | 2 byte  | 1 byte   | 4 byte  | 1 byte     | 1 byte  | 4 byte | 4 byte   |
var TableTag = struct {
	Id   [2]byte
	Size int
	Kind struct {
		Mailbox byte
		Keyword byte
		Thread  byte
	}
}{
	Id:   [2]byte{0x06, 0x01},
	Size: 2 + 1 + 4 + 1 + 1 + 4 + 4,
	Kind: struct {
		Mailbox byte
		Keyword byte
		Thread  byte
	}{
		Mailbox: 0x01,
		Keyword: 0x02,
		Thread:  0x03,
	},
}

func NewTagKey(accountId uint32, collection uint8, tagKind byte, tagId uint32, documentId uint32) []byte {
	key := make([]byte, TableTag.Size)
	key[0] = TableTag.Id[0]
	key[1] = TableTag.Id[1]
	key[2] = dataTypeIndex
	binary.BigEndian.PutUint32(key[3:], accountId)
	key[7] = collection
	key[8] = tagKind
	binary.BigEndian.PutUint32(key[9:], tagId)
	binary.BigEndian.PutUint32(key[13:], documentId)
	return key
}

// NewTagDocumentPrefixKey bounds deletion of every tag row of one document.
func NewTagDocumentPrefixKey(accountId uint32, collection uint8) []byte {
	key := make([]byte, 2+1+4+1)
	key[0] = TableTag.Id[0]
	key[1] = TableTag.Id[1]
	key[2] = dataTypeIndex
	binary.BigEndian.PutUint32(key[3:], accountId)
	key[7] = collection
	return key
}

func ParseTagKey(key []byte) (tagKind byte, tagId uint32, documentId uint32, err error) {
	if len(key) != TableTag.Size {
		err = fmt.Errorf("tag: invalid key length, keyLen: %d", len(key))
		return
	}
	tagKind = key[8]
	tagId = binary.BigEndian.Uint32(key[9:])
	documentId = binary.BigEndian.Uint32(key[13:])
	return
}

// Single-value markers.
// | tableID | dataType | columnKey |
// | 2 byte  | 1 byte   | 2 byte    |
var TableMeta = struct {
	Id     [2]byte
	Size   int
	Column struct {
		LastAppliedIndex [2]byte
	}
}{
	Id:   [2]byte{0x07, 0x01},
	Size: 2 + 1 + 2,
	Column: struct {
		LastAppliedIndex [2]byte
	}{
		LastAppliedIndex: [2]byte{0x01, 0x01},
	},
}

func NewMetaKey(columnName [2]byte) []byte {
	key := make([]byte, TableMeta.Size)
	key[0] = TableMeta.Id[0]
	key[1] = TableMeta.Id[1]
	key[2] = dataTypeTable
	key[3] = columnName[0]
	key[4] = columnName[1]
	return key
}
