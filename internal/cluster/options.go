package cluster

import "time"

type Options struct {
	NodeId uint64
	// GossipAddr is the UDP/TCP bind address for membership gossip.
	GossipAddr string
	GossipPort int
	// ApiAddr is advertised to peers for replication RPCs.
	ApiAddr string
	// Seeds are existing cluster members contacted on startup.
	Seeds []string

	// PingInterval is how often peers are probed; LivenessInterval is
	// how often accumulated heartbeats are re-evaluated.
	PingInterval     time.Duration
	LivenessInterval time.Duration
}

func NewOptions(opt ...Option) *Options {
	opts := &Options{
		NodeId:           1,
		GossipAddr:       "0.0.0.0",
		GossipPort:       7946,
		PingInterval:     500 * time.Millisecond,
		LivenessInterval: time.Second,
	}
	for _, o := range opt {
		o(opts)
	}
	return opts
}

type Option func(*Options)

func WithNodeId(nodeId uint64) Option {
	return func(opts *Options) {
		opts.NodeId = nodeId
	}
}

func WithGossipAddr(addr string, port int) Option {
	return func(opts *Options) {
		opts.GossipAddr = addr
		opts.GossipPort = port
	}
}

func WithApiAddr(addr string) Option {
	return func(opts *Options) {
		opts.ApiAddr = addr
	}
}

func WithSeeds(seeds []string) Option {
	return func(opts *Options) {
		opts.Seeds = seeds
	}
}

func WithPingInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.PingInterval = interval
	}
}

func WithLivenessInterval(interval time.Duration) Option {
	return func(opts *Options) {
		opts.LivenessInterval = interval
	}
}
