package cluster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeatWindow(t *testing.T) {
	base := time.Unix(1724990000, 0)

	t.Run("regularSenderStaysAlive", func(t *testing.T) {
		var w heartbeatWindow
		now := base
		for i := 0; i < 100; i++ {
			w.record(now)
			now = now.Add(500 * time.Millisecond)
		}
		phi := w.phi(now)
		assert.Less(t, phi, phiSuspectThreshold)
	})

	t.Run("silenceGrowsPhi", func(t *testing.T) {
		var w heartbeatWindow
		now := base
		for i := 0; i < 100; i++ {
			w.record(now)
			now = now.Add(500 * time.Millisecond)
		}
		shortly := w.phi(now.Add(time.Second))
		later := w.phi(now.Add(10 * time.Second))
		assert.Greater(t, later, shortly)
		assert.GreaterOrEqual(t, later, phiConvictThreshold)
	})

	t.Run("noHistoryNoSuspicion", func(t *testing.T) {
		var w heartbeatWindow
		assert.Zero(t, w.phi(base))
		// A single heartbeat gives no interval either.
		w.record(base)
		assert.Zero(t, w.phi(base.Add(time.Hour)))
	})

	t.Run("windowEvictsOldIntervals", func(t *testing.T) {
		var w heartbeatWindow
		now := base
		// Fill the window twice over with a changing cadence; the sums
		// must track only the last window.
		for i := 0; i < hbWindowSize; i++ {
			w.record(now)
			now = now.Add(2 * time.Second)
		}
		for i := 0; i < hbWindowSize+1; i++ {
			w.record(now)
			now = now.Add(500 * time.Millisecond)
		}
		assert.Equal(t, hbWindowSize, w.count)
		mean := w.sum / float64(w.count)
		assert.InDelta(t, 500.0, mean, 1.0)
	})
}

func TestPeerLiveness(t *testing.T) {
	base := time.Unix(1724990000, 0)
	info := &PeerInfo{NodeId: 2, Generation: 1, ApiAddr: "10.0.0.2:1750"}
	peer := NewPeer(info)
	assert.Equal(t, StatusSeed, peer.Status)

	now := base
	for i := 0; i < 50; i++ {
		peer.UpdateHeartbeat(info, now)
		now = now.Add(500 * time.Millisecond)
	}
	assert.Equal(t, StatusAlive, peer.Status)

	// The last heartbeat was at now-500ms; with a 500ms cadence and the
	// 300ms deviation floor, suspicion starts under two seconds of
	// silence and conviction follows shortly after.
	peer.CheckLiveness(now.Add(1400 * time.Millisecond))
	assert.Equal(t, StatusSuspected, peer.Status)

	peer.CheckLiveness(now.Add(30 * time.Second))
	assert.Equal(t, StatusOffline, peer.Status)

	// A heartbeat brings the peer back.
	peer.UpdateHeartbeat(info, now.Add(31*time.Second))
	assert.Equal(t, StatusAlive, peer.Status)
}

func TestPeerGenerationResetsHistory(t *testing.T) {
	base := time.Unix(1724990000, 0)
	info := &PeerInfo{NodeId: 2, Generation: 1}
	peer := NewPeer(info)

	now := base
	for i := 0; i < 50; i++ {
		peer.UpdateHeartbeat(info, now)
		now = now.Add(100 * time.Millisecond)
	}
	assert.NotZero(t, peer.detector.count)

	restarted := &PeerInfo{NodeId: 2, Generation: 2}
	peer.UpdateHeartbeat(restarted, now)
	assert.Equal(t, uint64(2), peer.Generation)
	assert.Zero(t, peer.detector.count)
}
