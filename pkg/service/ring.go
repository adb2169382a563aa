package service

import "log/slog"

// dropWarningThresholds mirrors MessageQueue.DROP_WARNING_THRESHOLDS:
// log a warning on these cumulative drop counts, not on every drop, to
// avoid log spam on a saturated source.
var dropWarningThresholds = map[int64]bool{
	5: true, 10: true, 50: true, 100: true, 200: true,
	1000: true, 5000: true, 10000: true,
}

// ring is a bounded buffer for one (kind, source) bucket, kept in arrival
// order. Pushing past capacity evicts the oldest element, grounded on
// MessageQueue's deque-with-maxlen behavior.
type ring struct {
	items   []bucketedMessage
	cap     int
	dropped int64
	log     *slog.Logger
	kind    string
}

func newRing(capacity int, kind string, log *slog.Logger) *ring {
	return &ring{
		items: make([]bucketedMessage, 0, capacity),
		cap:   capacity,
		log:   log,
		kind:  kind,
	}
}

func (r *ring) push(m bucketedMessage) {
	if len(r.items) == r.cap {
		r.items = r.items[1:]
		r.dropped++
		if dropWarningThresholds[r.dropped] {
			r.log.Warn("dropped messages from saturated input buffer",
				"kind", r.kind, "dropped_total", r.dropped)
		}
	}
	r.items = append(r.items, m)
}

func (r *ring) newestTimestamp() (float64, bool) {
	if len(r.items) == 0 {
		return 0, false
	}
	return r.items[len(r.items)-1].timestamp, true
}

// findAlignedIndex returns the index of the newest message within maxDiff
// of reference, scanning from the newest element backward the way
// _find_aligned_message scans the deque from its newest end, or -1.
func (r *ring) findAlignedIndex(reference, maxDiff float64) int {
	for i := len(r.items) - 1; i >= 0; i-- {
		diff := r.items[i].timestamp - reference
		if diff < 0 {
			diff = -diff
		}
		if diff <= maxDiff {
			return i
		}
	}
	return -1
}

func (r *ring) remove(idx int) {
	r.items = append(r.items[:idx], r.items[idx+1:]...)
}

func (r *ring) len() int {
	return len(r.items)
}

func (r *ring) droppedCount() int64 {
	return r.dropped
}
