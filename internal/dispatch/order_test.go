package dispatch

import (
	"testing"

	"github.com/earshotlabs/earshot/pkg/types"
)

func TestReorder_InOrderCompletion(t *testing.T) {
	t.Parallel()

	r := newReorder()
	r.accept(1)
	r.accept(2)

	if _, ok := r.pop(); ok {
		t.Fatal("pop succeeded before any completion")
	}

	r.complete(1, publication{seg: types.Segment{Seq: 1}, ok: true})
	p, ok := r.pop()
	if !ok || p.seg.Seq != 1 {
		t.Fatalf("pop = %+v, %t, want seq 1", p, ok)
	}
	if _, ok := r.pop(); ok {
		t.Fatal("pop succeeded with the head still in flight")
	}
}

func TestReorder_OutOfOrderHeldBack(t *testing.T) {
	t.Parallel()

	r := newReorder()
	r.accept(1)
	r.accept(2)
	r.accept(3)

	r.complete(3, publication{seg: types.Segment{Seq: 3}, ok: true})
	r.complete(2, publication{seg: types.Segment{Seq: 2}, ok: true})
	if _, ok := r.pop(); ok {
		t.Fatal("pop released a later batch before the head completed")
	}

	r.complete(1, publication{seg: types.Segment{Seq: 1}, ok: true})
	for want := uint64(1); want <= 3; want++ {
		p, ok := r.pop()
		if !ok || p.seg.Seq != want {
			t.Fatalf("pop = %+v, %t, want seq %d", p, ok, want)
		}
	}
}

// Sequence numbers may have gaps: the segmenter drops batches on queue
// overflow before the dispatcher ever sees them. The window orders by
// acceptance, not by contiguous seq.
func TestReorder_GappedSequencesAndDrops(t *testing.T) {
	t.Parallel()

	r := newReorder()
	r.accept(4)
	r.accept(7)

	r.complete(7, publication{seg: types.Segment{Seq: 7}, ok: true})
	r.complete(4, publication{})

	p, ok := r.pop()
	if !ok || p.ok {
		t.Fatalf("pop = %+v, %t, want a released non-publication", p, ok)
	}
	p, ok = r.pop()
	if !ok || !p.ok || p.seg.Seq != 7 {
		t.Fatalf("pop = %+v, %t, want seq 7", p, ok)
	}
	if _, ok := r.pop(); ok {
		t.Fatal("pop succeeded on an empty window")
	}
}
