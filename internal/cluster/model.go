package cluster

import (
	"fmt"

	wkproto "github.com/WuKongIM/WuKongIMGoProto"
	"github.com/jmapd/jmapd/pkg/maildb"
)

// Wire messages exchanged between the leader and a follower during log
// replication. One Request or Response travels per RPC; the variant
// pointers make the union explicit.

const (
	requestBecomeFollower uint8 = 1
	requestAppendEntries  uint8 = 2
)

const (
	appendMatch       uint8 = 1
	appendSynchronize uint8 = 2
	appendMerge       uint8 = 3
	appendUpdate      uint8 = 4
)

const (
	updateItemChange   uint8 = 1
	updateItemLog      uint8 = 2
	updateItemDocument uint8 = 3
	updateItemEof      uint8 = 4
)

const (
	responseStepDown         uint8 = 1
	responseMatch            uint8 = 2
	responseSynchronize      uint8 = 3
	responseUpdate           uint8 = 4
	responseContinue         uint8 = 5
	responseCommit           uint8 = 6
	responseUnregisteredPeer uint8 = 7
)

type Request struct {
	Term           uint64
	BecomeFollower *BecomeFollower
	AppendEntries  *AppendEntriesRequest
}

// BecomeFollower announces a new leader and its last log position.
type BecomeFollower struct {
	LastLog maildb.RaftID
}

type AppendEntriesRequest struct {
	Match       *MatchRequest
	Synchronize *SynchronizeRequest
	Merge       *MergeRequest
	Update      *UpdateRequest
}

// MatchRequest asks whether the follower's log contains the leader's
// last position.
type MatchRequest struct {
	LastLog maildb.RaftID
}

// SynchronizeRequest carries the leader's newest position per term so
// the follower can locate the divergence point.
type SynchronizeRequest struct {
	MatchTerms []maildb.RaftID
}

// MergeRequest tells the follower where the logs agree; everything
// after MatchedLog must be rolled back.
type MergeRequest struct {
	MatchedLog maildb.RaftID
}

// UpdateRequest streams log entries or materialized documents, batched
// up to the leader's commit index.
type UpdateRequest struct {
	CommitIndex uint64
	Updates     []UpdateItem
}

type UpdateItem struct {
	Change   *UpdateChange
	Log      *UpdateLog
	Document *UpdateDocument
	Eof      bool
}

// UpdateChange carries one collection's change set for the entry
// announced by the preceding Log item.
type UpdateChange struct {
	AccountId  uint32
	Collection maildb.Collection
	Data       []byte
}

type UpdateLog struct {
	Id   maildb.RaftID
	Data []byte
}

type UpdateDocument struct {
	AccountId  uint32
	DocumentId uint32
	Update     maildb.DocumentUpdate
}

type Response struct {
	StepDown         *StepDownResponse
	Match            *MatchResponse
	Synchronize      *SynchronizeResponse
	Update           *UpdateResponse
	Continue         bool
	Commit           *CommitResponse
	UnregisteredPeer bool
}

// StepDown tells a stale leader about a newer term.
type StepDownResponse struct {
	Term uint64
}

// MatchResponse reports the follower's last log position agreeing with
// the leader.
type MatchResponse struct {
	MatchLog maildb.RaftID
}

// SynchronizeResponse carries the follower's stored log indexes from
// the divergence term, serialized as a 64-bit roaring bitmap.
type SynchronizeResponse struct {
	MatchIndexes []byte
}

// UpdateResponse asks the leader for the documents behind a merged
// change set, serialized maildb.MergedChanges.
type UpdateResponse struct {
	AccountId  uint32
	Collection maildb.Collection
	Changes    []byte
}

// CommitResponse acknowledges application up to the commit index.
type CommitResponse struct {
	CommitIndex uint64
}

func writeRaftID(enc *wkproto.Encoder, id maildb.RaftID) {
	enc.WriteUint64(id.Term)
	enc.WriteUint64(id.Index)
}

func readRaftID(dec *wkproto.Decoder) (maildb.RaftID, error) {
	term, err := dec.Uint64()
	if err != nil {
		return maildb.RaftID{}, err
	}
	index, err := dec.Uint64()
	if err != nil {
		return maildb.RaftID{}, err
	}
	return maildb.NewRaftID(term, index), nil
}

func (r *Request) Marshal() ([]byte, error) {
	enc := wkproto.NewEncoder()
	defer enc.End()
	enc.WriteUint64(r.Term)
	switch {
	case r.BecomeFollower != nil:
		enc.WriteUint8(requestBecomeFollower)
		writeRaftID(enc, r.BecomeFollower.LastLog)
	case r.AppendEntries != nil:
		enc.WriteUint8(requestAppendEntries)
		if err := r.AppendEntries.encode(enc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("request has no variant")
	}
	return enc.Bytes(), nil
}

func (r *Request) Unmarshal(data []byte) error {
	dec := wkproto.NewDecoder(data)
	var err error
	if r.Term, err = dec.Uint64(); err != nil {
		return err
	}
	requestType, err := dec.Uint8()
	if err != nil {
		return err
	}
	switch requestType {
	case requestBecomeFollower:
		become := &BecomeFollower{}
		if become.LastLog, err = readRaftID(dec); err != nil {
			return err
		}
		r.BecomeFollower = become
	case requestAppendEntries:
		appendEntries := &AppendEntriesRequest{}
		if err = appendEntries.decode(dec); err != nil {
			return err
		}
		r.AppendEntries = appendEntries
	default:
		return fmt.Errorf("unknown request type: %d", requestType)
	}
	return nil
}

func (a *AppendEntriesRequest) encode(enc *wkproto.Encoder) error {
	switch {
	case a.Match != nil:
		enc.WriteUint8(appendMatch)
		writeRaftID(enc, a.Match.LastLog)
	case a.Synchronize != nil:
		enc.WriteUint8(appendSynchronize)
		enc.WriteUint32(uint32(len(a.Synchronize.MatchTerms)))
		for _, id := range a.Synchronize.MatchTerms {
			writeRaftID(enc, id)
		}
	case a.Merge != nil:
		enc.WriteUint8(appendMerge)
		writeRaftID(enc, a.Merge.MatchedLog)
	case a.Update != nil:
		enc.WriteUint8(appendUpdate)
		enc.WriteUint64(a.Update.CommitIndex)
		enc.WriteUint32(uint32(len(a.Update.Updates)))
		for i := range a.Update.Updates {
			if err := a.Update.Updates[i].encode(enc); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("append entries request has no variant")
	}
	return nil
}

func (a *AppendEntriesRequest) decode(dec *wkproto.Decoder) error {
	appendType, err := dec.Uint8()
	if err != nil {
		return err
	}
	switch appendType {
	case appendMatch:
		match := &MatchRequest{}
		if match.LastLog, err = readRaftID(dec); err != nil {
			return err
		}
		a.Match = match
	case appendSynchronize:
		sync := &SynchronizeRequest{}
		count, err := dec.Uint32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < count; i++ {
			id, err := readRaftID(dec)
			if err != nil {
				return err
			}
			sync.MatchTerms = append(sync.MatchTerms, id)
		}
		a.Synchronize = sync
	case appendMerge:
		merge := &MergeRequest{}
		if merge.MatchedLog, err = readRaftID(dec); err != nil {
			return err
		}
		a.Merge = merge
	case appendUpdate:
		update := &UpdateRequest{}
		if update.CommitIndex, err = dec.Uint64(); err != nil {
			return err
		}
		count, err := dec.Uint32()
		if err != nil {
			return err
		}
		for i := uint32(0); i < count; i++ {
			var item UpdateItem
			if err = item.decode(dec); err != nil {
				return err
			}
			update.Updates = append(update.Updates, item)
		}
		a.Update = update
	default:
		return fmt.Errorf("unknown append entries type: %d", appendType)
	}
	return nil
}

func (u *UpdateItem) encode(enc *wkproto.Encoder) error {
	switch {
	case u.Change != nil:
		enc.WriteUint8(updateItemChange)
		enc.WriteUint32(u.Change.AccountId)
		enc.WriteUint8(u.Change.Collection.Uint8())
		enc.WriteUint32(uint32(len(u.Change.Data)))
		enc.WriteBytes(u.Change.Data)
	case u.Log != nil:
		enc.WriteUint8(updateItemLog)
		writeRaftID(enc, u.Log.Id)
		enc.WriteUint32(uint32(len(u.Log.Data)))
		enc.WriteBytes(u.Log.Data)
	case u.Document != nil:
		enc.WriteUint8(updateItemDocument)
		enc.WriteUint32(u.Document.AccountId)
		enc.WriteUint32(u.Document.DocumentId)
		if err := encodeDocumentUpdate(enc, &u.Document.Update); err != nil {
			return err
		}
	case u.Eof:
		enc.WriteUint8(updateItemEof)
	default:
		return fmt.Errorf("update item has no variant")
	}
	return nil
}

func (u *UpdateItem) decode(dec *wkproto.Decoder) error {
	itemType, err := dec.Uint8()
	if err != nil {
		return err
	}
	switch itemType {
	case updateItemChange:
		change := &UpdateChange{}
		if change.AccountId, err = dec.Uint32(); err != nil {
			return err
		}
		collection, err := dec.Uint8()
		if err != nil {
			return err
		}
		change.Collection = maildb.Collection(collection)
		size, err := dec.Uint32()
		if err != nil {
			return err
		}
		if size > 0 {
			if change.Data, err = dec.Bytes(int(size)); err != nil {
				return err
			}
		}
		u.Change = change
	case updateItemLog:
		logItem := &UpdateLog{}
		if logItem.Id, err = readRaftID(dec); err != nil {
			return err
		}
		size, err := dec.Uint32()
		if err != nil {
			return err
		}
		if size > 0 {
			if logItem.Data, err = dec.Bytes(int(size)); err != nil {
				return err
			}
		}
		u.Log = logItem
	case updateItemDocument:
		document := &UpdateDocument{}
		if document.AccountId, err = dec.Uint32(); err != nil {
			return err
		}
		if document.DocumentId, err = dec.Uint32(); err != nil {
			return err
		}
		if err = decodeDocumentUpdate(dec, &document.Update); err != nil {
			return err
		}
		u.Document = document
	case updateItemEof:
		u.Eof = true
	default:
		return fmt.Errorf("unknown update item type: %d", itemType)
	}
	return nil
}

// DocumentUpdate rides inside UpdateItem using its own length-prefixed
// frame so maildb keeps ownership of the encoding.
func encodeDocumentUpdate(enc *wkproto.Encoder, update *maildb.DocumentUpdate) error {
	data, err := maildb.MarshalDocumentUpdate(update)
	if err != nil {
		return err
	}
	enc.WriteUint32(uint32(len(data)))
	enc.WriteBytes(data)
	return nil
}

func decodeDocumentUpdate(dec *wkproto.Decoder, update *maildb.DocumentUpdate) error {
	size, err := dec.Uint32()
	if err != nil {
		return err
	}
	data, err := dec.Bytes(int(size))
	if err != nil {
		return err
	}
	return maildb.UnmarshalDocumentUpdate(data, update)
}

func (r *Response) Marshal() ([]byte, error) {
	enc := wkproto.NewEncoder()
	defer enc.End()
	switch {
	case r.StepDown != nil:
		enc.WriteUint8(responseStepDown)
		enc.WriteUint64(r.StepDown.Term)
	case r.Match != nil:
		enc.WriteUint8(responseMatch)
		writeRaftID(enc, r.Match.MatchLog)
	case r.Synchronize != nil:
		enc.WriteUint8(responseSynchronize)
		enc.WriteUint32(uint32(len(r.Synchronize.MatchIndexes)))
		enc.WriteBytes(r.Synchronize.MatchIndexes)
	case r.Update != nil:
		enc.WriteUint8(responseUpdate)
		enc.WriteUint32(r.Update.AccountId)
		enc.WriteUint8(r.Update.Collection.Uint8())
		enc.WriteUint32(uint32(len(r.Update.Changes)))
		enc.WriteBytes(r.Update.Changes)
	case r.Continue:
		enc.WriteUint8(responseContinue)
	case r.Commit != nil:
		enc.WriteUint8(responseCommit)
		enc.WriteUint64(r.Commit.CommitIndex)
	case r.UnregisteredPeer:
		enc.WriteUint8(responseUnregisteredPeer)
	default:
		return nil, fmt.Errorf("response has no variant")
	}
	return enc.Bytes(), nil
}

func (r *Response) Unmarshal(data []byte) error {
	dec := wkproto.NewDecoder(data)
	responseType, err := dec.Uint8()
	if err != nil {
		return err
	}
	switch responseType {
	case responseStepDown:
		stepDown := &StepDownResponse{}
		if stepDown.Term, err = dec.Uint64(); err != nil {
			return err
		}
		r.StepDown = stepDown
	case responseMatch:
		match := &MatchResponse{}
		if match.MatchLog, err = readRaftID(dec); err != nil {
			return err
		}
		r.Match = match
	case responseSynchronize:
		sync := &SynchronizeResponse{}
		size, err := dec.Uint32()
		if err != nil {
			return err
		}
		if size > 0 {
			if sync.MatchIndexes, err = dec.Bytes(int(size)); err != nil {
				return err
			}
		}
		r.Synchronize = sync
	case responseUpdate:
		update := &UpdateResponse{}
		if update.AccountId, err = dec.Uint32(); err != nil {
			return err
		}
		collection, err := dec.Uint8()
		if err != nil {
			return err
		}
		update.Collection = maildb.Collection(collection)
		size, err := dec.Uint32()
		if err != nil {
			return err
		}
		if size > 0 {
			if update.Changes, err = dec.Bytes(int(size)); err != nil {
				return err
			}
		}
		r.Update = update
	case responseContinue:
		r.Continue = true
	case responseCommit:
		commit := &CommitResponse{}
		if commit.CommitIndex, err = dec.Uint64(); err != nil {
			return err
		}
		r.Commit = commit
	case responseUnregisteredPeer:
		r.UnregisteredPeer = true
	default:
		return fmt.Errorf("unknown response type: %d", responseType)
	}
	return nil
}
