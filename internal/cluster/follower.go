package cluster

import (
	"context"
	"fmt"

	"github.com/jmapd/jmapd/pkg/maildb"
	"github.com/jmapd/jmapd/pkg/mlog"
	"github.com/lni/goutils/syncutil"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

type followerState uint8

const (
	// stateSynchronize: waiting for the leader to locate the divergence
	// point of the two logs.
	stateSynchronize followerState = iota + 1
	// stateAppendEntries: receiving log entries.
	stateAppendEntries
	// stateAppendChanges: receiving the documents behind a merged change
	// set.
	stateAppendChanges
	// stateRollback: undoing log entries the leader never had.
	stateRollback
)

func (s followerState) String() string {
	switch s {
	case stateSynchronize:
		return "synchronize"
	case stateAppendEntries:
		return "appendEntries"
	case stateAppendChanges:
		return "appendChanges"
	case stateRollback:
		return "rollback"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

type changedPair struct {
	accountId  uint32
	collection maildb.Collection
}

// currentChanges is the pair whose documents the leader is streaming.
type currentChanges struct {
	pair     changedPair
	merged   *maildb.MergedChanges
	buffered []maildb.PendingUpdate
}

type stepReq struct {
	req   *Request
	respC chan stepResp
}

type stepResp struct {
	resp *Response
	err  error
}

// Follower drives this node's side of log replication. All state
// transitions happen on the single loop goroutine; Step is the only
// entry point.
type Follower struct {
	opts    *Options
	db      *maildb.DB
	applier maildb.DocumentApplier
	mlog.Log

	stopper *syncutil.Stopper
	stepC   chan stepReq

	state followerState

	term     uint64
	leaderId uint64
	upToDate *atomic.Bool

	// Log positions of the stream being appended. firstId is None until
	// the first entry of the batch arrives.
	firstId maildb.RaftID
	lastId  maildb.RaftID

	// Commit watermarks: what the leader has committed, and what this
	// node has durably applied.
	leaderCommit uint64
	commitIndex  uint64

	// Accumulated (account, collections) footprint of the entries being
	// appended, consumed as a worklist once the stream ends.
	changed map[uint32]maildb.Collections

	worklist []changedPair
	current  *currentChanges

	// Rollback bookkeeping for the pair currently being undone.
	rollback *maildb.MergedChanges

	pendingSeq uint64
}

func NewFollower(opts *Options, db *maildb.DB, applier maildb.DocumentApplier) *Follower {
	return &Follower{
		opts:     opts,
		db:       db,
		applier:  applier,
		Log:      mlog.NewMLog(fmt.Sprintf("cluster.follower[%d]", opts.NodeId)),
		stopper:  syncutil.NewStopper(),
		stepC:    make(chan stepReq, 64),
		upToDate: atomic.NewBool(false),
		changed:  make(map[uint32]maildb.Collections),
	}
}

// Start recovers durable state and runs the step loop.
func (f *Follower) Start() error {
	if err := f.recover(); err != nil {
		return err
	}
	f.stopper.RunWorker(f.loop)
	return nil
}

// recover rebuilds volatile state from the store: uncommitted work from
// a previous leadership term is dropped, and an interrupted rollback
// resumes before any new synchronization.
func (f *Follower) recover() error {
	marker, ok, err := f.db.LastAppliedIndex()
	if err != nil {
		return err
	}
	if ok {
		// Everything past the watermark was never acknowledged as
		// committed; drop it rather than guess.
		if _, err := f.db.ApplyPendingUpdates(f.applier, marker, true); err != nil {
			return err
		}
		f.commitIndex = marker
		f.leaderCommit = marker
	}
	f.lastId, _, err = f.db.LastRaftID()
	if err != nil {
		return err
	}
	f.firstId = maildb.NoneRaftID()

	pending, err := f.db.HasPendingRollback()
	if err != nil {
		return err
	}
	if pending {
		f.state = stateRollback
		f.Info("resuming interrupted rollback")
	} else {
		f.state = stateSynchronize
	}
	return nil
}

func (f *Follower) Stop() {
	f.stopper.Stop()
}

// UpToDate reports whether this node has applied everything the leader
// has committed.
func (f *Follower) UpToDate() bool {
	return f.upToDate.Load()
}

func (f *Follower) CommitIndex() uint64 {
	return f.commitIndex
}

// Step feeds one leader request into the state machine and waits for
// the reply. A nil response means the request needs no reply.
func (f *Follower) Step(ctx context.Context, req *Request) (*Response, error) {
	s := stepReq{req: req, respC: make(chan stepResp, 1)}
	select {
	case f.stepC <- s:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.stopper.ShouldStop():
		return nil, ErrStopped
	}
	select {
	case r := <-s.respC:
		return r.resp, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-f.stopper.ShouldStop():
		return nil, ErrStopped
	}
}

func (f *Follower) loop() {
	for {
		select {
		case s := <-f.stepC:
			resp, err := f.step(s.req)
			if err != nil {
				f.Error("step failed", zap.String("state", f.state.String()), zap.Error(err))
			}
			s.respC <- stepResp{resp: resp, err: err}
		case <-f.stopper.ShouldStop():
			return
		}
	}
}

func (f *Follower) step(req *Request) (*Response, error) {
	if req.Term < f.term {
		return &Response{StepDown: &StepDownResponse{Term: f.term}}, nil
	}
	if req.Term > f.term {
		f.Info("term advanced", zap.Uint64("from", f.term), zap.Uint64("to", req.Term))
		f.term = req.Term
		f.upToDate.Store(false)
	}

	switch {
	case req.BecomeFollower != nil:
		return f.handleBecomeFollower(req.BecomeFollower)
	case req.AppendEntries != nil:
		return f.stepAppendEntries(req.AppendEntries)
	default:
		return nil, fmt.Errorf("request has no variant")
	}
}

func (f *Follower) stepAppendEntries(req *AppendEntriesRequest) (*Response, error) {
	if f.state == stateRollback {
		// A rollback in flight blocks everything else. The leader's
		// request is answered with whatever the rollback needs next.
		if req.Update != nil {
			return f.handleRollbackUpdates(req.Update)
		}
		return f.nextRollback()
	}

	switch {
	case req.Match != nil:
		return f.handleMatchLog(req.Match)
	case req.Synchronize != nil:
		return f.handleSynchronizeLog(req.Synchronize)
	case req.Merge != nil:
		return f.handleMergeLog(req.Merge)
	case req.Update != nil:
		switch f.state {
		case stateSynchronize, stateAppendEntries:
			// A committed follower sits in synchronize; the leader's
			// next entry stream starts right there.
			return f.handleUpdateLog(req.Update)
		case stateAppendChanges:
			return f.handleUpdateChanges(req.Update)
		}
	}
	// A (state, request) combination outside the protocol means one
	// side has corrupted state. Crashing is the only safe move.
	panic(fmt.Sprintf("unexpected append entries request in state %s", f.state))
}

// handleBecomeFollower acknowledges a new leader with our last log
// position so it can pick the next phase.
func (f *Follower) handleBecomeFollower(req *BecomeFollower) (*Response, error) {
	f.upToDate.Store(false)
	lastLog, ok, err := f.db.LastRaftID()
	if err != nil {
		return nil, err
	}
	if !ok {
		lastLog = maildb.NoneRaftID()
	}
	if f.state != stateRollback {
		f.resetStream()
		f.state = stateAppendEntries
		if !lastLog.IsNone() && !req.LastLog.IsNone() && req.LastLog.Less(lastLog) {
			// Our log runs past the new leader's: divergence is certain,
			// wait for synchronize.
			f.state = stateSynchronize
		}
	}
	return &Response{Match: &MatchResponse{MatchLog: lastLog}}, nil
}

// handleMatchLog checks whether our log contains the leader's last
// position and reports the closest position we do have.
func (f *Follower) handleMatchLog(req *MatchRequest) (*Response, error) {
	if req.LastLog.IsNone() {
		local, ok, err := f.db.LastRaftID()
		if err != nil {
			return nil, err
		}
		if !ok {
			// Both logs empty: nothing to reconcile.
			f.markUpToDate()
			f.resetStream()
			f.state = stateAppendEntries
			return &Response{Match: &MatchResponse{MatchLog: maildb.NoneRaftID()}}, nil
		}
		return &Response{Match: &MatchResponse{MatchLog: local}}, nil
	}

	matched, ok, err := f.db.LastRaftIDBefore(req.LastLog)
	if err != nil {
		return nil, err
	}
	if !ok {
		matched = maildb.NoneRaftID()
	}
	if matched == req.LastLog {
		local, hasLocal, err := f.db.LastRaftID()
		if err != nil {
			return nil, err
		}
		if hasLocal && local == req.LastLog {
			f.markUpToDate()
		}
		f.resetStream()
		f.lastId = matched
		f.state = stateAppendEntries
	} else {
		f.state = stateSynchronize
	}
	return &Response{Match: &MatchResponse{MatchLog: matched}}, nil
}

// handleSynchronizeLog compares the leader's newest id per term against
// ours and replies with the stored indexes past the divergence point,
// letting the leader pick the highest common entry.
func (f *Follower) handleSynchronizeLog(req *SynchronizeRequest) (*Response, error) {
	if len(req.MatchTerms) == 0 {
		return nil, fmt.Errorf("synchronize request without match terms")
	}
	localTerms, err := f.db.RaftMatchTerms()
	if err != nil {
		return nil, err
	}

	matched := maildb.NoneRaftID()
	for i, leaderId := range req.MatchTerms {
		if i >= len(localTerms) {
			break
		}
		local := localTerms[i]
		if local.Term != leaderId.Term {
			break
		}
		if local.Index == leaderId.Index {
			matched = local
			continue
		}
		if local.Index < leaderId.Index {
			matched = local
		} else {
			matched = leaderId
		}
		break
	}

	var fromIndex uint64
	if !matched.IsNone() {
		fromIndex = matched.Index
	}
	indexes, err := f.db.RaftMatchIndexes(fromIndex)
	if err != nil {
		return nil, err
	}
	data, err := indexes.ToBytes()
	if err != nil {
		return nil, err
	}
	f.state = stateSynchronize
	return &Response{Synchronize: &SynchronizeResponse{MatchIndexes: data}}, nil
}

// handleMergeLog rolls the log back to the position both sides agree
// on, then walks the rollback bookkeeping pair by pair.
func (f *Follower) handleMergeLog(req *MergeRequest) (*Response, error) {
	f.upToDate.Store(false)
	var afterIndex uint64
	if !req.MatchedLog.IsNone() {
		afterIndex = req.MatchedLog.Index
	}
	if err := f.db.PrepareRollbackChanges(afterIndex); err != nil {
		return nil, err
	}
	f.resetStream()
	f.lastId = req.MatchedLog
	if f.commitIndex > afterIndex {
		f.commitIndex = afterIndex
	}
	f.state = stateRollback
	return f.nextRollback()
}

// nextRollback processes rollback pairs until one needs documents from
// the leader or the bookkeeping is drained.
func (f *Follower) nextRollback() (*Response, error) {
	for {
		accountId, collection, changes, ok, err := f.db.NextRollbackChange()
		if err != nil {
			return nil, err
		}
		if !ok {
			f.rollback = nil
			f.state = stateAppendEntries
			lastLog, hasLast, err := f.db.LastRaftID()
			if err != nil {
				return nil, err
			}
			if !hasLast {
				lastLog = maildb.NoneRaftID()
			}
			f.lastId = lastLog
			return &Response{Match: &MatchResponse{MatchLog: lastLog}}, nil
		}

		if collection == maildb.CollectionThread {
			// Thread changes carry no documents; dropping the
			// bookkeeping is the whole rollback.
			if err := f.db.RemoveRollbackChange(accountId, collection); err != nil {
				return nil, err
			}
			continue
		}

		if !changes.Inserts.IsEmpty() {
			// Documents we created that the leader never saw: delete
			// them outright.
			batch := f.db.NewWriteBatch(accountId)
			it := changes.Inserts.Iterator()
			for it.HasNext() {
				if err := batch.DeleteDocument(collection, it.Next()); err != nil {
					batch.Discard()
					return nil, err
				}
			}
			if err := f.db.Write(batch); err != nil {
				return nil, err
			}
			changes.Inserts.Clear()
			if err := f.db.UpdateRollbackChange(changes); err != nil {
				return nil, err
			}
		}

		if changes.Updates.IsEmpty() && changes.Deletes.IsEmpty() {
			if err := f.db.RemoveRollbackChange(accountId, collection); err != nil {
				return nil, err
			}
			continue
		}

		// Updated or deleted documents need the leader's copies.
		data, err := changes.Marshal()
		if err != nil {
			return nil, err
		}
		f.rollback = changes
		return &Response{Update: &UpdateResponse{
			AccountId:  accountId,
			Collection: collection,
			Changes:    data,
		}}, nil
	}
}

// handleRollbackUpdates applies the leader's copies of documents being
// restored. Rollback repairs pre-divergence state, so writes go
// straight to the store instead of the staging queue.
func (f *Follower) handleRollbackUpdates(req *UpdateRequest) (*Response, error) {
	if f.rollback == nil {
		resp, err := f.nextRollback()
		if err != nil || f.rollback == nil {
			return resp, err
		}
	}
	batch := f.db.NewWriteBatch(f.rollback.AccountId)
	done := false
	for i := range req.Updates {
		item := &req.Updates[i]
		switch {
		case item.Document != nil:
			if err := f.applier.ApplyDocumentUpdate(batch, item.Document.DocumentId, &item.Document.Update); err != nil {
				batch.Discard()
				return nil, err
			}
			f.rollback.Updates.Remove(item.Document.DocumentId)
			f.rollback.Deletes.Remove(item.Document.DocumentId)
		case item.Eof:
			done = true
		default:
			batch.Discard()
			panic(fmt.Sprintf("unexpected update item during rollback in state %s", f.state))
		}
	}
	if !batch.IsEmpty() {
		if err := f.db.Write(batch); err != nil {
			return nil, err
		}
	} else {
		batch.Discard()
	}
	if !done {
		if err := f.db.UpdateRollbackChange(f.rollback); err != nil {
			return nil, err
		}
		return &Response{Continue: true}, nil
	}
	if err := f.db.RemoveRollbackChange(f.rollback.AccountId, f.rollback.Collection); err != nil {
		return nil, err
	}
	f.rollback = nil
	return f.nextRollback()
}

// handleUpdateLog appends streamed log entries. Each Change item
// belongs to the entry announced by the last Log item seen, so a
// stream opens with a Log before any Change.
func (f *Follower) handleUpdateLog(req *UpdateRequest) (*Response, error) {
	if req.CommitIndex > f.leaderCommit {
		f.leaderCommit = req.CommitIndex
	}
	f.state = stateAppendEntries

	var entries []maildb.LogEntryRecord
	var changes []maildb.ChangeRecord
	done := false
	for i := range req.Updates {
		item := &req.Updates[i]
		switch {
		case item.Log != nil:
			entries = append(entries, maildb.LogEntryRecord{Id: item.Log.Id, Data: item.Log.Data})
			if f.firstId.IsNone() {
				f.firstId = item.Log.Id
			}
			f.lastId = item.Log.Id
		case item.Change != nil:
			if f.lastId.IsNone() {
				return nil, fmt.Errorf("change record before any log entry")
			}
			changes = append(changes, maildb.ChangeRecord{
				AccountId:  item.Change.AccountId,
				Collection: item.Change.Collection,
				Index:      f.lastId.Index,
				Data:       item.Change.Data,
			})
			collections := f.changed[item.Change.AccountId]
			collections.Set(item.Change.Collection)
			f.changed[item.Change.AccountId] = collections
		case item.Eof:
			done = true
		default:
			panic(fmt.Sprintf("unexpected update item in state %s", f.state))
		}
	}

	if len(entries) > 0 {
		// Behind again until the new entries are committed and applied.
		f.upToDate.Store(false)
	}
	if err := f.db.AppendLog(entries, changes); err != nil {
		return nil, err
	}

	if !done {
		return &Response{Continue: true}, nil
	}
	f.worklist = f.buildWorklist()
	f.state = stateAppendChanges
	return f.requestNextChanges()
}

func (f *Follower) buildWorklist() []changedPair {
	var worklist []changedPair
	for accountId, collections := range f.changed {
		for _, collection := range collections.All() {
			worklist = append(worklist, changedPair{accountId: accountId, collection: collection})
		}
	}
	f.changed = make(map[uint32]maildb.Collections)
	return worklist
}

// requestNextChanges walks the worklist. Delete-only pairs are staged
// locally without a round trip; pairs with inserts or updates ask the
// leader for documents. A drained worklist commits.
func (f *Follower) requestNextChanges() (*Response, error) {
	for len(f.worklist) > 0 {
		pair := f.worklist[0]
		f.worklist = f.worklist[1:]

		if pair.collection == maildb.CollectionThread {
			continue
		}
		var after uint64
		if !f.firstId.IsNone() && f.firstId.Index > 0 {
			after = f.firstId.Index - 1
		}
		merged, err := f.db.MergeChanges(pair.accountId, pair.collection, after, f.lastId.Index)
		if err != nil {
			return nil, err
		}
		if merged.IsEmpty() {
			continue
		}

		if merged.Inserts.IsEmpty() && merged.Updates.IsEmpty() {
			// Deletes need no documents: stage and move on.
			deletes := &maildb.PendingDeleteDocuments{
				AccountId:  pair.accountId,
				Collection: pair.collection,
			}
			it := merged.Deletes.Iterator()
			for it.HasNext() {
				deletes.DocumentIds = append(deletes.DocumentIds, it.Next())
			}
			staged := &maildb.PendingUpdates{Updates: []maildb.PendingUpdate{{DeleteDocuments: deletes}}}
			if err := f.db.StagePendingUpdates(f.lastId.Index, f.nextSeq(), staged); err != nil {
				return nil, err
			}
			continue
		}

		data, err := merged.Marshal()
		if err != nil {
			return nil, err
		}
		f.current = &currentChanges{pair: pair, merged: merged}
		f.state = stateAppendChanges
		return &Response{Update: &UpdateResponse{
			AccountId:  pair.accountId,
			Collection: pair.collection,
			Changes:    data,
		}}, nil
	}

	// Worklist drained: apply what the leader has committed. The reply
	// always carries lastId.Index so the leader learns how far this
	// node has staged, applied or not.
	f.current = nil
	f.state = stateAppendEntries
	if f.lastId.IsNone() {
		return &Response{Commit: &CommitResponse{CommitIndex: f.commitIndex}}, nil
	}
	if f.lastId.Index <= f.leaderCommit {
		if _, err := f.db.ApplyPendingUpdates(f.applier, f.lastId.Index, false); err != nil {
			return nil, err
		}
		f.commitIndex = f.lastId.Index
		if f.lastId.Index == f.leaderCommit {
			f.markUpToDate()
		}
	}
	f.firstId = maildb.NoneRaftID()
	return &Response{Commit: &CommitResponse{CommitIndex: f.lastId.Index}}, nil
}

// handleUpdateChanges buffers the documents of the current pair and
// stages them, together with the pair's deletes, once the stream ends.
func (f *Follower) handleUpdateChanges(req *UpdateRequest) (*Response, error) {
	if f.current == nil {
		panic(fmt.Sprintf("document stream without a current pair in state %s", f.state))
	}
	done := false
	for i := range req.Updates {
		item := &req.Updates[i]
		switch {
		case item.Document != nil:
			f.current.buffered = append(f.current.buffered, maildb.PendingUpdate{
				UpdateDocument: &maildb.PendingUpdateDocument{
					AccountId:  item.Document.AccountId,
					DocumentId: item.Document.DocumentId,
					Update:     item.Document.Update,
				},
			})
		case item.Eof:
			done = true
		default:
			panic(fmt.Sprintf("unexpected update item in state %s", f.state))
		}
	}
	if !done {
		return &Response{Continue: true}, nil
	}

	staged := &maildb.PendingUpdates{Updates: f.current.buffered}
	if !f.current.merged.Deletes.IsEmpty() {
		deletes := &maildb.PendingDeleteDocuments{
			AccountId:  f.current.pair.accountId,
			Collection: f.current.pair.collection,
		}
		it := f.current.merged.Deletes.Iterator()
		for it.HasNext() {
			deletes.DocumentIds = append(deletes.DocumentIds, it.Next())
		}
		staged.Updates = append(staged.Updates, maildb.PendingUpdate{DeleteDocuments: deletes})
	}
	if len(staged.Updates) > 0 {
		if err := f.db.StagePendingUpdates(f.lastId.Index, f.nextSeq(), staged); err != nil {
			return nil, err
		}
	}
	f.current = nil
	return f.requestNextChanges()
}

func (f *Follower) markUpToDate() {
	if f.upToDate.CompareAndSwap(false, true) {
		f.Info("up to date with leader",
			zap.Uint64("term", f.term),
			zap.Uint64("commitIndex", f.commitIndex))
	}
}

func (f *Follower) resetStream() {
	f.firstId = maildb.NoneRaftID()
	f.lastId = maildb.NoneRaftID()
	f.changed = make(map[uint32]maildb.Collections)
	f.worklist = nil
	f.current = nil
}

func (f *Follower) nextSeq() uint64 {
	f.pendingSeq++
	return f.pendingSeq
}
