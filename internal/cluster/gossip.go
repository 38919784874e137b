package cluster

import (
	"fmt"
	"strconv"

	"github.com/hashicorp/memberlist"
	"github.com/jmapd/jmapd/pkg/mlog"
	"go.uber.org/zap"
)

// gossip wires the cluster into memberlist: node metadata carries the
// advertised PeerInfo, and broadcast pings feed the failure detector.
type gossip struct {
	cluster *Cluster
	mlog.Log

	list       *memberlist.Memberlist
	broadcasts *memberlist.TransmitLimitedQueue
}

func newGossip(c *Cluster) *gossip {
	return &gossip{
		cluster: c,
		Log:     mlog.NewMLog(fmt.Sprintf("cluster.gossip[%d]", c.opts.NodeId)),
	}
}

func (g *gossip) start() error {
	conf := memberlist.DefaultLANConfig()
	conf.Name = strconv.FormatUint(g.cluster.opts.NodeId, 10)
	conf.BindAddr = g.cluster.opts.GossipAddr
	conf.BindPort = g.cluster.opts.GossipPort
	conf.Delegate = g
	conf.Events = g
	conf.LogOutput = mlog.NewIOWriter(g.Log)

	list, err := memberlist.Create(conf)
	if err != nil {
		return err
	}
	g.list = list
	g.broadcasts = &memberlist.TransmitLimitedQueue{
		NumNodes: func() int {
			return list.NumMembers()
		},
		RetransmitMult: conf.RetransmitMult,
	}
	if len(g.cluster.opts.Seeds) > 0 {
		joined, err := list.Join(g.cluster.opts.Seeds)
		if err != nil {
			g.Warn("join failed", zap.Strings("seeds", g.cluster.opts.Seeds), zap.Error(err))
		} else {
			g.Info("joined cluster", zap.Int("contacted", joined))
		}
	}
	return nil
}

func (g *gossip) stop() {
	if g.list == nil {
		return
	}
	if err := g.list.Leave(g.cluster.opts.LivenessInterval); err != nil {
		g.Warn("leave failed", zap.Error(err))
	}
	if err := g.list.Shutdown(); err != nil {
		g.Warn("shutdown failed", zap.Error(err))
	}
}

// broadcastPing queues this node's current state for gossip delivery.
func (g *gossip) broadcastPing() {
	if g.broadcasts == nil {
		return
	}
	info := g.cluster.localInfo()
	data, err := info.Marshal()
	if err != nil {
		g.Error("marshal ping failed", zap.Error(err))
		return
	}
	g.broadcasts.QueueBroadcast(&pingBroadcast{data: data})
}

// --- memberlist.Delegate ---

func (g *gossip) NodeMeta(limit int) []byte {
	data, err := g.cluster.localInfo().Marshal()
	if err != nil || len(data) > limit {
		return nil
	}
	return data
}

func (g *gossip) NotifyMsg(data []byte) {
	if len(data) == 0 {
		return
	}
	info := &PeerInfo{}
	if err := info.Unmarshal(data); err != nil {
		g.Warn("bad ping payload", zap.Error(err))
		return
	}
	g.cluster.onPeerPing(info)
}

func (g *gossip) GetBroadcasts(overhead, limit int) [][]byte {
	if g.broadcasts == nil {
		return nil
	}
	return g.broadcasts.GetBroadcasts(overhead, limit)
}

func (g *gossip) LocalState(join bool) []byte {
	return nil
}

func (g *gossip) MergeRemoteState(buf []byte, join bool) {
}

// --- memberlist.EventDelegate ---

func (g *gossip) NotifyJoin(node *memberlist.Node) {
	info := &PeerInfo{}
	if err := info.Unmarshal(node.Meta); err != nil {
		g.Warn("peer joined without readable metadata", zap.String("name", node.Name), zap.Error(err))
		return
	}
	g.cluster.onPeerPing(info)
}

func (g *gossip) NotifyLeave(node *memberlist.Node) {
	nodeId, err := strconv.ParseUint(node.Name, 10, 64)
	if err != nil {
		return
	}
	g.cluster.onPeerLeave(nodeId)
}

func (g *gossip) NotifyUpdate(node *memberlist.Node) {
	g.NotifyJoin(node)
}

type pingBroadcast struct {
	data []byte
}

func (b *pingBroadcast) Invalidates(other memberlist.Broadcast) bool {
	return false
}

func (b *pingBroadcast) Message() []byte {
	return b.data
}

func (b *pingBroadcast) Finished() {
}
