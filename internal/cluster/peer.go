package cluster

import (
	"fmt"
	"time"

	wkproto "github.com/WuKongIM/WuKongIMGoProto"
	"github.com/jmapd/jmapd/pkg/maildb"
)

type PeerStatus uint8

const (
	// StatusSeed: known from configuration, never heard from.
	StatusSeed PeerStatus = iota
	StatusAlive
	StatusSuspected
	StatusLeaving
	StatusOffline
)

func (s PeerStatus) String() string {
	switch s {
	case StatusSeed:
		return "seed"
	case StatusAlive:
		return "alive"
	case StatusSuspected:
		return "suspected"
	case StatusLeaving:
		return "leaving"
	case StatusOffline:
		return "offline"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// PeerInfo is the state a node advertises through gossip metadata.
type PeerInfo struct {
	NodeId uint64
	// Generation increments each process start, so peers can tell a
	// restart from a network blip.
	Generation uint64
	// Epoch increments on every membership change this node observes.
	Epoch   uint64
	ApiAddr string
	LastLog maildb.RaftID
}

func (p *PeerInfo) Marshal() ([]byte, error) {
	enc := wkproto.NewEncoder()
	defer enc.End()
	enc.WriteUint64(p.NodeId)
	enc.WriteUint64(p.Generation)
	enc.WriteUint64(p.Epoch)
	enc.WriteString(p.ApiAddr)
	enc.WriteUint64(p.LastLog.Term)
	enc.WriteUint64(p.LastLog.Index)
	return enc.Bytes(), nil
}

func (p *PeerInfo) Unmarshal(data []byte) error {
	dec := wkproto.NewDecoder(data)
	var err error
	if p.NodeId, err = dec.Uint64(); err != nil {
		return err
	}
	if p.Generation, err = dec.Uint64(); err != nil {
		return err
	}
	if p.Epoch, err = dec.Uint64(); err != nil {
		return err
	}
	if p.ApiAddr, err = dec.String(); err != nil {
		return err
	}
	term, err := dec.Uint64()
	if err != nil {
		return err
	}
	index, err := dec.Uint64()
	if err != nil {
		return err
	}
	p.LastLog = maildb.NewRaftID(term, index)
	return nil
}

// Peer tracks one remote node: advertised state plus the heartbeat
// history the failure detector reads.
type Peer struct {
	NodeId     uint64
	Generation uint64
	Epoch      uint64
	ApiAddr    string
	LastLog    maildb.RaftID
	Status     PeerStatus

	detector heartbeatWindow
}

func NewPeer(info *PeerInfo) *Peer {
	return &Peer{
		NodeId:     info.NodeId,
		Generation: info.Generation,
		Epoch:      info.Epoch,
		ApiAddr:    info.ApiAddr,
		LastLog:    info.LastLog,
		Status:     StatusSeed,
	}
}

// UpdateHeartbeat records a heartbeat. A bumped generation means the
// peer restarted, so its history no longer describes this incarnation.
func (p *Peer) UpdateHeartbeat(info *PeerInfo, now time.Time) {
	if info.Generation > p.Generation {
		p.Generation = info.Generation
		p.detector.reset()
	}
	if info.Epoch > p.Epoch {
		p.Epoch = info.Epoch
	}
	p.ApiAddr = info.ApiAddr
	p.LastLog = info.LastLog
	p.detector.record(now)
	if p.Status != StatusLeaving {
		p.Status = StatusAlive
	}
}

// CheckLiveness re-evaluates the peer's status from its heartbeat
// history and returns the phi value behind the decision.
func (p *Peer) CheckLiveness(now time.Time) float64 {
	if p.Status == StatusSeed || p.Status == StatusLeaving {
		return 0
	}
	phi := p.detector.phi(now)
	switch {
	case phi >= phiConvictThreshold:
		p.Status = StatusOffline
	case phi >= phiSuspectThreshold:
		p.Status = StatusSuspected
	default:
		p.Status = StatusAlive
	}
	return phi
}

func (p *Peer) IsHealthy() bool {
	return p.Status == StatusAlive
}
