package engine

import "sync"

// frame is a fully-encoded reply ready to go out on the wire, paired with
// the descriptor (if any) that must accompany it as ancillary data and the
// release callback (if any) that drops the borrow backing that descriptor.
// release must only run once the frame has actually been written to the
// socket, not merely once it has been handed to the queue; an ORDERED
// reply may sit in the queue for an arbitrary time before its turn comes.
type frame struct {
	bytes   []byte
	fd      int // -1 if no descriptor accompanies this reply
	release func()
}

// replyQueue orders v2 replies. Request arrival order is always preserved
// in decoding, but reply order is free to diverge when the connection
// negotiated OOO_REPLIES and the particular request did not set the
// ORDERED flag.
type replyQueue struct {
	mu sync.Mutex

	oooNegotiated bool
	send          func(frame) error

	arrival []uint32         // FIFO of request IDs in the order they were decoded
	ready   map[uint32]frame // requestID -> reply, once computed but not yet emitted
	emitted map[uint32]bool  // requestID -> true once written to the wire
	err     error            // sticky: set by the first send failure
}

func newReplyQueue(oooNegotiated bool, send func(frame) error) *replyQueue {
	return &replyQueue{
		oooNegotiated: oooNegotiated,
		send:          send,
		ready:         make(map[uint32]frame),
		emitted:       make(map[uint32]bool),
	}
}

// arrive records that requestID has been decoded, establishing its
// position in arrival order for later ordering decisions.
func (q *replyQueue) arrive(requestID uint32) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.arrival = append(q.arrival, requestID)
}

// submit hands the queue a completed reply for requestID. ordered is true
// when the request carried the ORDERED flag, or when the connection never
// negotiated OOO_REPLIES (in which case every reply is effectively
// ordered). A reply that need not wait its turn is written immediately;
// otherwise it is held until every earlier-arrived request has been
// emitted.
func (q *replyQueue) submit(requestID uint32, ordered bool, f frame) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.err != nil {
		if f.release != nil {
			f.release()
		}
		return q.err
	}

	if q.oooNegotiated && !ordered {
		if err := q.sendAndReleaseLocked(f); err != nil {
			return err
		}
		q.emitted[requestID] = true
		return q.flushFrontLocked()
	}

	q.ready[requestID] = f
	return q.flushFrontLocked()
}

// sendAndReleaseLocked writes f to the wire and, win or lose, runs its
// release callback exactly once. This is the only place a frame is ever
// handed to q.send, so it is the only place release needs to be invoked.
// mu must be held.
func (q *replyQueue) sendAndReleaseLocked(f frame) error {
	err := q.send(f)
	if f.release != nil {
		f.release()
	}
	if err != nil {
		q.err = err
	}
	return err
}

// flushFrontLocked emits from the head of the arrival queue for as long as
// consecutive entries are either already emitted (sent out of turn) or
// have a ready reply waiting. mu must be held.
func (q *replyQueue) flushFrontLocked() error {
	for len(q.arrival) > 0 {
		id := q.arrival[0]
		if q.emitted[id] {
			q.arrival = q.arrival[1:]
			continue
		}
		f, ok := q.ready[id]
		if !ok {
			return nil
		}
		if err := q.sendAndReleaseLocked(f); err != nil {
			return err
		}
		q.emitted[id] = true
		delete(q.ready, id)
		q.arrival = q.arrival[1:]
	}
	return nil
}

// drain releases every queued-but-unsent frame's borrow. Callers invoke this
// once no further submit calls can arrive (after wg.Wait() on the connection's
// dispatch goroutines) so that a connection torn down mid-stream by a send
// error does not leak the descriptor borrows of replies that were computed
// but never reached the wire.
func (q *replyQueue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, f := range q.ready {
		if f.release != nil {
			f.release()
		}
	}
	q.ready = nil
}

// outstanding reports how many arrived requests have not yet had a reply
// emitted, used to populate CLOSE-ACK's outstanding field.
func (q *replyQueue) outstanding() uint32 {
	q.mu.Lock()
	defer q.mu.Unlock()
	var n uint32
	for _, id := range q.arrival {
		if !q.emitted[id] {
			n++
		}
	}
	return n
}
