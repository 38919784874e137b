package cluster

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/RussellLuo/timingwheel"
	"github.com/jmapd/jmapd/pkg/maildb"
	"github.com/jmapd/jmapd/pkg/mlog"
	"github.com/lni/goutils/syncutil"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Cluster owns this node's replication side: the follower state
// machine, the gossip membership layer and the failure detector that
// watches peers.
type Cluster struct {
	opts *Options
	db   *maildb.DB
	mlog.Log

	follower *Follower
	gossip   *gossip

	mu    sync.RWMutex
	peers map[uint64]*Peer

	// generation distinguishes this process incarnation; epoch counts
	// membership changes observed locally.
	generation uint64
	epoch      *atomic.Uint64

	timingWheel *timingwheel.TimingWheel
	stopper     *syncutil.Stopper
}

func NewCluster(opts *Options, db *maildb.DB, applier maildb.DocumentApplier) *Cluster {
	c := &Cluster{
		opts:        opts,
		db:          db,
		Log:         mlog.NewMLog(fmt.Sprintf("cluster[%d]", opts.NodeId)),
		peers:       make(map[uint64]*Peer),
		generation:  uint64(time.Now().UnixNano()),
		epoch:       atomic.NewUint64(0),
		timingWheel: timingwheel.NewTimingWheel(time.Millisecond*10, 100),
		stopper:     syncutil.NewStopper(),
	}
	c.follower = NewFollower(opts, db, applier)
	c.gossip = newGossip(c)
	return c
}

func (c *Cluster) Start() error {
	if err := c.follower.Start(); err != nil {
		return err
	}
	if err := c.gossip.start(); err != nil {
		c.follower.Stop()
		return err
	}
	c.timingWheel.Start()
	c.timingWheel.ScheduleFunc(&everyScheduler{interval: c.opts.PingInterval}, c.gossip.broadcastPing)
	c.timingWheel.ScheduleFunc(&everyScheduler{interval: c.opts.LivenessInterval}, c.checkLiveness)
	return nil
}

func (c *Cluster) Stop() {
	c.timingWheel.Stop()
	c.gossip.stop()
	c.follower.Stop()
	c.stopper.Stop()
}

func (c *Cluster) Follower() *Follower {
	return c.follower
}

// HandleRequest is the RPC entry point: one serialized leader request
// in, one serialized response out. A nil payload means no reply is
// owed. An unknown sender gets an UnregisteredPeer reply together with
// ErrUnregisteredPeer so the transport can drop the connection.
func (c *Cluster) HandleRequest(ctx context.Context, fromNodeId uint64, data []byte) ([]byte, error) {
	if fromNodeId != c.opts.NodeId && !c.knowsPeer(fromNodeId) {
		c.Warn("request from unregistered peer", zap.Uint64("fromNodeId", fromNodeId))
		resp := &Response{UnregisteredPeer: true}
		respData, err := resp.Marshal()
		if err != nil {
			return nil, err
		}
		return respData, ErrUnregisteredPeer
	}
	req := &Request{}
	if err := req.Unmarshal(data); err != nil {
		return nil, err
	}
	resp, err := c.follower.Step(ctx, req)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, nil
	}
	return resp.Marshal()
}

func (c *Cluster) knowsPeer(nodeId uint64) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.peers[nodeId]
	return ok
}

// localInfo snapshots what this node advertises to the cluster.
func (c *Cluster) localInfo() *PeerInfo {
	lastLog, ok, err := c.db.LastRaftID()
	if err != nil || !ok {
		lastLog = maildb.NoneRaftID()
	}
	return &PeerInfo{
		NodeId:     c.opts.NodeId,
		Generation: c.generation,
		Epoch:      c.epoch.Load(),
		ApiAddr:    c.opts.ApiAddr,
		LastLog:    lastLog,
	}
}

// onPeerPing folds a received heartbeat into the peer's detector
// window.
func (c *Cluster) onPeerPing(info *PeerInfo) {
	if info.NodeId == c.opts.NodeId {
		return
	}
	now := time.Now()
	c.mu.Lock()
	peer, ok := c.peers[info.NodeId]
	if !ok {
		peer = NewPeer(info)
		c.peers[info.NodeId] = peer
		c.epoch.Inc()
		c.Info("peer discovered", zap.Uint64("nodeId", info.NodeId), zap.String("apiAddr", info.ApiAddr))
	}
	peer.UpdateHeartbeat(info, now)
	c.mu.Unlock()
}

func (c *Cluster) onPeerLeave(nodeId uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if peer, ok := c.peers[nodeId]; ok {
		peer.Status = StatusLeaving
		c.epoch.Inc()
		c.Info("peer leaving", zap.Uint64("nodeId", nodeId))
	}
}

// checkLiveness re-evaluates every peer and logs status transitions.
func (c *Cluster) checkLiveness() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, peer := range c.peers {
		before := peer.Status
		phi := peer.CheckLiveness(now)
		if peer.Status != before {
			c.Warn("peer status changed",
				zap.Uint64("nodeId", peer.NodeId),
				zap.String("from", before.String()),
				zap.String("to", peer.Status.String()),
				zap.Float64("phi", phi))
		}
	}
}

// Peers returns a snapshot of the known peers.
func (c *Cluster) Peers() []Peer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Peer, 0, len(c.peers))
	for _, peer := range c.peers {
		result = append(result, *peer)
	}
	return result
}

func (c *Cluster) HealthyPeerCount() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	count := 0
	for _, peer := range c.peers {
		if peer.IsHealthy() {
			count++
		}
	}
	return count
}

type everyScheduler struct {
	interval time.Duration
}

func (s *everyScheduler) Next(prev time.Time) time.Time {
	return prev.Add(s.interval)
}
