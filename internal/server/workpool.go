package server

import (
	"github.com/jmapd/jmapd/pkg/mlog"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// workPool bounds the goroutines spent handling replication RPCs.
type workPool struct {
	size int
	pool *ants.Pool
	mlog.Log
}

func newWorkPool(size int) *workPool {
	return &workPool{
		size: size,
		Log:  mlog.NewMLog("server.workpool"),
	}
}

func (w *workPool) start() error {
	pool, err := ants.NewPool(w.size, ants.WithPanicHandler(func(r interface{}) {
		w.Error("task panic", zap.Any("recovered", r))
	}))
	if err != nil {
		return err
	}
	w.pool = pool
	return nil
}

func (w *workPool) stop() {
	if w.pool != nil {
		w.pool.Release()
	}
}

func (w *workPool) submit(task func()) error {
	return w.pool.Submit(task)
}
