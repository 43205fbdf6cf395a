package lattice

import (
	"context"
	"encoding/binary"
	"hash/fnv"
	"math"

	"go.uber.org/zap"
)

// slotDigest hashes a slot's vector, phase and insertion order. The
// aggregate checksum is the xor of all occupied slot digests, so a single
// flipped bit in any slot changes the aggregate and the offending slot can
// be located by recomputing per-slot digests.
func slotDigest(vec []float64, phase float64, seq uint64) uint64 {
	h := fnv.New64a()
	var buf [8]byte
	for _, v := range vec {
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
		h.Write(buf[:])
	}
	binary.LittleEndian.PutUint64(buf[:], math.Float64bits(phase))
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], seq)
	h.Write(buf[:])
	return h.Sum64()
}

// maybeRefreshChecksumLocked folds pending writes into the aggregate once
// the configured interval has elapsed. Caller holds the lock. The interval
// bounds corruption-detection latency at ChecksumInterval-1 writes.
func (l *Lattice) maybeRefreshChecksumLocked(batch int) {
	if l.writesSinceSum < l.cfg.ChecksumInterval && batch < l.cfg.ChecksumInterval {
		return
	}
	l.aggregate = l.computeAggregateLocked()
	l.writesSinceSum = 0
}

// computeAggregateLocked xors the stored digests of all occupied slots.
func (l *Lattice) computeAggregateLocked() uint64 {
	var sum uint64
	for i := range l.slots {
		if l.slots[i].occupied {
			sum ^= l.slots[i].digest
		}
	}
	return sum
}

// verifyAggregateLocked recomputes every occupied slot digest from its
// current contents and compares the xor against the stored aggregate.
func (l *Lattice) verifyAggregateLocked() bool {
	var sum uint64
	for i := range l.slots {
		e := &l.slots[i]
		if e.occupied {
			sum ^= slotDigest(e.vector, e.phase, e.seq)
		}
	}
	return sum == l.aggregate
}

// DetectCorruption recomputes the checksum over live contents and compares
// it to the stored aggregate. Writes that landed after the last refresh are
// folded in first so only genuine in-place mutation trips detection.
// A detected mismatch is latched until AutoRecover runs; Retrieve refuses
// to serve latched state without recovering first.
func (l *Lattice) DetectCorruption(ctx context.Context) (bool, error) {
	if err := l.acquire(ctx); err != nil {
		return false, err
	}
	defer l.release()

	// Catch up the aggregate with writes recorded since the last refresh.
	if l.writesSinceSum > 0 {
		l.aggregate = l.computeAggregateLocked()
		l.writesSinceSum = 0
	}

	if l.verifyAggregateLocked() {
		return false, nil
	}

	l.corrupt = true
	l.corruptionHits++
	corruptionDetected.Inc()
	l.logger.Error("lattice: checksum mismatch detected",
		zap.Uint64("writes", l.writes),
		zap.Int("size", l.size))
	return true, nil
}

// AutoRecover clears slots whose contents no longer match their recorded
// digest and rebuilds the aggregate, trading data loss for continued
// availability. Returns the number of slots cleared.
func (l *Lattice) AutoRecover(ctx context.Context) (int, error) {
	if err := l.acquire(ctx); err != nil {
		return 0, err
	}
	defer l.release()
	return l.recoverLocked(), nil
}

// recoverLocked walks all occupied slots, drops the ones whose recomputed
// digest differs from the stored one, and resets checksum state. Caller
// holds the lock.
func (l *Lattice) recoverLocked() int {
	cleared := 0
	for i := range l.slots {
		e := &l.slots[i]
		if !e.occupied {
			continue
		}
		if slotDigest(e.vector, e.phase, e.seq) != e.digest {
			l.slots[i] = entry{}
			l.size--
			cleared++
		}
	}

	l.aggregate = l.computeAggregateLocked()
	l.writesSinceSum = 0
	l.corrupt = false

	if cleared > 0 {
		l.recoveredSlots += uint64(cleared)
		recoveredSlots.Add(float64(cleared))
		entriesGauge.Set(float64(l.size))
		l.logger.Warn("lattice: auto-recovery cleared corrupt slots",
			zap.Int("cleared", cleared),
			zap.Int("remaining", l.size))
	}
	return cleared
}
