package cluster

import (
	"math"
	"time"
)

// Phi-accrual failure detection over a sliding window of heartbeat
// intervals. Instead of a binary timeout, phi grows continuously with
// the time since the last heartbeat relative to the observed interval
// distribution.
const (
	hbWindowSize = 1024
	hbWindowMask = hbWindowSize - 1

	// Floor on the standard deviation so a perfectly regular sender
	// does not get convicted on the first late packet.
	hbMinStdDev = 300 * time.Millisecond

	phiSuspectThreshold = 5.0
	phiConvictThreshold = 9.0
)

type heartbeatWindow struct {
	intervals [hbWindowSize]float64
	pos       int
	count     int
	sum       float64
	sqSum     float64
	last      time.Time
}

func (w *heartbeatWindow) reset() {
	*w = heartbeatWindow{}
}

// record folds the interval since the previous heartbeat into the
// running sum and sum of squares.
func (w *heartbeatWindow) record(now time.Time) {
	if !w.last.IsZero() {
		interval := float64(now.Sub(w.last)) / float64(time.Millisecond)
		slot := w.pos & hbWindowMask
		if w.count == hbWindowSize {
			old := w.intervals[slot]
			w.sum -= old
			w.sqSum -= old * old
		} else {
			w.count++
		}
		w.intervals[slot] = interval
		w.sum += interval
		w.sqSum += interval * interval
		w.pos++
	}
	w.last = now
}

// phi returns the current suspicion level. Zero history means zero
// suspicion: the detector only accuses peers it has actually observed.
func (w *heartbeatWindow) phi(now time.Time) float64 {
	if w.count == 0 || w.last.IsZero() {
		return 0
	}
	elapsed := float64(now.Sub(w.last)) / float64(time.Millisecond)
	mean := w.sum / float64(w.count)
	variance := w.sqSum/float64(w.count) - mean*mean
	stdDev := math.Sqrt(math.Max(variance, 0))
	minStdDev := float64(hbMinStdDev) / float64(time.Millisecond)
	if stdDev < minStdDev {
		stdDev = minStdDev
	}

	y := (elapsed - mean) / stdDev
	e := math.Exp(-y * (1.5976 + 0.070566*y*y))
	if elapsed > mean {
		return -math.Log10(e / (1.0 + e))
	}
	return -math.Log10(1.0 - 1.0/(1.0+e))
}
