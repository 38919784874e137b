package server

import (
	"context"
	"fmt"

	"github.com/jmapd/jmapd/internal/cluster"
	"github.com/jmapd/jmapd/internal/mail"
	"github.com/jmapd/jmapd/pkg/maildb"
	"github.com/jmapd/jmapd/pkg/mlog"
	"github.com/judwhite/go-svc"
	"go.uber.org/zap"
)

// Server wires the store, the mail applier and the replication cluster
// together and runs them as one unit under go-svc.
type Server struct {
	opts *Options
	mlog.Log

	db       *maildb.DB
	applier  *mail.Applier
	ingester *mail.Ingester
	cluster  *cluster.Cluster
	pool     *workPool
}

func New(opts *Options) *Server {
	db := maildb.NewDB(maildb.NewOptions(
		maildb.WithNodeId(opts.NodeId),
		maildb.WithDir(opts.DataDir),
		maildb.WithMemTableSize(opts.DB.MemTableSize),
		maildb.WithMailboxCacheSize(opts.DB.MailboxCacheSize),
	))
	applier := mail.NewApplier(db)
	clusterOpts := cluster.NewOptions(
		cluster.WithNodeId(opts.NodeId),
		cluster.WithGossipAddr(opts.Cluster.GossipAddr, opts.Cluster.GossipPort),
		cluster.WithApiAddr(opts.ApiAddr),
		cluster.WithSeeds(opts.Cluster.Seeds),
		cluster.WithPingInterval(opts.Cluster.PingInterval),
		cluster.WithLivenessInterval(opts.Cluster.LivenessInterval),
	)
	s := &Server{
		opts:     opts,
		Log:      mlog.NewMLog(fmt.Sprintf("server[%d]", opts.NodeId)),
		db:       db,
		applier:  applier,
		ingester: mail.NewIngester(db),
		cluster:  cluster.NewCluster(clusterOpts, db, applier),
		pool:     newWorkPool(opts.HandlePoolSize),
	}
	return s
}

// Init implements svc.Service.
func (s *Server) Init(env svc.Environment) error {
	return nil
}

// Start implements svc.Service.
func (s *Server) Start() error {
	s.Info("starting", zap.String("version", s.opts.Version), zap.String("dataDir", s.opts.DataDir))
	if err := s.db.Open(); err != nil {
		return err
	}
	if err := s.pool.start(); err != nil {
		return err
	}
	if err := s.cluster.Start(); err != nil {
		return err
	}
	s.Info("started", zap.Uint64("nodeId", s.opts.NodeId))
	return nil
}

// Stop implements svc.Service.
func (s *Server) Stop() error {
	s.Info("stopping")
	s.cluster.Stop()
	s.pool.stop()
	if err := s.db.Close(); err != nil {
		s.Warn("close store failed", zap.Error(err))
	}
	_ = mlog.Sync()
	return nil
}

func (s *Server) Cluster() *cluster.Cluster {
	return s.cluster
}

func (s *Server) Ingester() *mail.Ingester {
	return s.ingester
}

// HandleRequest dispatches one replication RPC on the worker pool and
// delivers the serialized reply to cb.
func (s *Server) HandleRequest(ctx context.Context, fromNodeId uint64, data []byte, cb func([]byte, error)) error {
	return s.pool.submit(func() {
		cb(s.cluster.HandleRequest(ctx, fromNodeId, data))
	})
}
