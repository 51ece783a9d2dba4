package channel

// sendQueue holds encoded frames waiting for a live socket. It is bounded:
// pushing past capacity evicts the oldest entry so the newest always fits.
// Order of the survivors is preserved. Not safe for concurrent use; the
// owning Manager serializes access.
type sendQueue struct {
	frames [][]byte
	max    int
}

func newSendQueue(max int) *sendQueue {
	return &sendQueue{max: max}
}

// push appends a frame, evicting from the front when full. Returns the number
// of evicted frames (0 or 1).
func (q *sendQueue) push(frame []byte) int {
	dropped := 0
	for len(q.frames) >= q.max {
		q.frames = q.frames[1:]
		dropped++
	}
	q.frames = append(q.frames, frame)
	return dropped
}

func (q *sendQueue) pop() ([]byte, bool) {
	if len(q.frames) == 0 {
		return nil, false
	}
	frame := q.frames[0]
	q.frames = q.frames[1:]
	return frame, true
}

func (q *sendQueue) len() int {
	return len(q.frames)
}
