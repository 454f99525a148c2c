package dispatch

import "github.com/earshotlabs/earshot/pkg/types"

// publication is the outcome of one batch: a segment to deliver, or nothing
// when the batch was dropped or transcribed to silence.
type publication struct {
	seg types.Segment
	ok  bool
}

// reorder releases outcomes in the order batches were accepted, whatever
// order the workers finish in. A dropped batch releases its slot like any
// other so later batches are never blocked behind it.
type reorder struct {
	fifo []uint64
	done map[uint64]publication
}

func newReorder() *reorder {
	return &reorder{done: make(map[uint64]publication)}
}

// accept records a batch entering the in-flight window. Batches must be
// accepted in arrival order; that order is what pop preserves.
func (r *reorder) accept(seq uint64) {
	r.fifo = append(r.fifo, seq)
}

// complete records the outcome for an in-flight batch.
func (r *reorder) complete(seq uint64, p publication) {
	r.done[seq] = p
}

// pop returns the oldest accepted outcome once it is known. The second
// result is false while the head is still in flight or the window is empty.
func (r *reorder) pop() (publication, bool) {
	if len(r.fifo) == 0 {
		return publication{}, false
	}
	head := r.fifo[0]
	p, ok := r.done[head]
	if !ok {
		return publication{}, false
	}
	delete(r.done, head)
	r.fifo = r.fifo[1:]
	return p, true
}
