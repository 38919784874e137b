package cluster

import "github.com/pkg/errors"

var (
	ErrStopped          = errors.New("cluster: stopped")
	ErrUnregisteredPeer = errors.New("cluster: peer not registered")
)
