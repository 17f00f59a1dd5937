// Out-of-order receive reassembly. Bytes are accumulated by sequence number
// and a contiguous prefix is exposed to blocking readers.

package netstack

import (
	"errors"
	"sync"
)

var (
	// errNoData is returned by read when the buffer has been torn down and
	// holds nothing consumable.
	errNoData = errors.New("reassembly: no data")
	// errNonContiguous signals internal corruption of the contiguity chain.
	// Callers treat it as fatal for the connection.
	errNonContiguous = errors.New("reassembly: non-contiguous data in read path")
)

// reasmEntry is one received range. Entries are kept sorted by seq; contig is
// true once the entry is part of the contiguous prefix starting at the
// buffer's next unread byte. A zero-length entry with psh set marks a stream
// boundary (used for FIN end-of-stream).
type reasmEntry struct {
	seq    seqNum
	end    seqNum
	psh    bool
	marker bool // zero-length end-of-stream marker
	contig bool
	data   []byte
}

// reassemblyBuffer accepts out-of-order byte ranges and lets a reader consume
// the in-order prefix. All sequence comparisons are modular.
type reassemblyBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	entries []reasmEntry

	// nextSeq is the sequence number of the first unconsumed byte.
	// lastContig = nextSeq + contiguousLen is cached alongside.
	nextSeq       seqNum
	lastContig    seqNum
	contiguousLen int
	pshCount      int

	// finished is set once the end-of-stream marker has been consumed;
	// later reads return immediately with zero bytes.
	finished bool
	closed   bool
}

func newReassemblyBuffer(start seqNum) *reassemblyBuffer {
	rb := &reassemblyBuffer{
		nextSeq:    start,
		lastContig: start,
	}
	rb.cond = sync.NewCond(&rb.mu)
	return rb
}

// insert places [seq, seq+len(data)) into the buffer. Fully duplicated ranges
// are dropped; partial overlap is trimmed against existing entries so every
// byte is buffered exactly once. The contiguity chain is re-scanned from the
// insertion point afterwards.
func (rb *reassemblyBuffer) insert(seq seqNum, data []byte, psh bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.closed {
		return
	}

	// Zero-length PSH markers (FIN end-of-stream) take a dedicated path:
	// they carry no bytes and must never be dropped by the overlap rules.
	if len(data) == 0 {
		if !psh || seq.lessThan(rb.nextSeq) {
			return
		}
		idx := len(rb.entries)
		for i := range rb.entries {
			e := &rb.entries[i]
			if e.seq == seq && e.end == seq && e.psh {
				return
			}
			if seq.lessThan(e.seq) {
				idx = i
				break
			}
		}
		rb.entries = append(rb.entries, reasmEntry{})
		copy(rb.entries[idx+1:], rb.entries[idx:])
		rb.entries[idx] = reasmEntry{seq: seq, end: seq, psh: true, marker: true}
		rb.rescan()
		return
	}

	end := seq.add(uint32(len(data)))

	// Bytes already consumed are stale; trim or drop.
	if end.lessThanEq(rb.nextSeq) {
		return
	}
	if seq.lessThan(rb.nextSeq) {
		data = data[uint32(rb.nextSeq-seq):]
		seq = rb.nextSeq
	}

	idx := len(rb.entries)
	for i := range rb.entries {
		e := &rb.entries[i]
		// Existing entry fully covers the incoming range: drop the copy.
		if e.seq.lessThanEq(seq) && end.lessThanEq(e.end) && e.seq.lessThan(e.end) {
			if psh && !e.psh {
				e.psh = true
				if e.contig {
					rb.pshCount++
					rb.cond.Broadcast()
				}
			}
			return
		}
		if seq.lessThan(e.seq) {
			idx = i
			break
		}
	}

	// Trim against the predecessor and successors so ranges never overlap.
	if idx > 0 {
		prev := rb.entries[idx-1]
		if seq.lessThan(prev.end) {
			skip := uint32(prev.end - seq)
			if skip >= uint32(len(data)) {
				rb.rescan()
				return
			}
			data = data[skip:]
			seq = prev.end
		}
	}
	for idx < len(rb.entries) {
		next := rb.entries[idx]
		if end.lessThanEq(next.seq) {
			break
		}
		// Incoming range swallows the successor entirely: drop it.
		if next.end.lessThanEq(end) {
			if next.psh {
				psh = true
			}
			rb.entries = append(rb.entries[:idx], rb.entries[idx+1:]...)
			continue
		}
		keep := uint32(next.seq - seq)
		data = data[:keep]
		end = next.seq
		break
	}

	owned := append([]byte(nil), data...)
	entry := reasmEntry{seq: seq, end: end, psh: psh, data: owned}
	rb.entries = append(rb.entries, reasmEntry{})
	copy(rb.entries[idx+1:], rb.entries[idx:])
	rb.entries[idx] = entry

	rb.rescan()
}

// rescan recomputes the contiguity chain and the cached scalars, signalling
// readers when the prefix grows or a PSH boundary becomes reachable.
// Called with mu held.
func (rb *reassemblyBuffer) rescan() {
	expected := rb.nextSeq
	for i := range rb.entries {
		e := &rb.entries[i]
		if e.seq != expected {
			break
		}
		if !e.contig {
			e.contig = true
			if e.psh {
				rb.pshCount++
			}
		}
		expected = e.end
	}
	grewTo := int(uint32(expected - rb.nextSeq))
	if grewTo != rb.contiguousLen || rb.pshCount > 0 {
		rb.contiguousLen = grewTo
		rb.lastContig = expected
		rb.cond.Broadcast()
	}
}

// read blocks until the contiguous prefix can fill out, a PSH boundary is
// buffered, or the buffer is torn down, then copies contiguous bytes into
// out. Crossing a PSH boundary consumes its one-shot wakeup. A PSH marker
// with no data yields n=0 (end-of-stream for FIN).
func (rb *reassemblyBuffer) read(out []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	for rb.contiguousLen < len(out) && rb.pshCount == 0 && !rb.closed && !rb.finished {
		rb.cond.Wait()
	}
	if rb.contiguousLen == 0 && rb.pshCount == 0 {
		if rb.finished {
			return 0, nil
		}
		if rb.closed {
			return 0, errNoData
		}
	}

	n := 0
	for n < len(out) && len(rb.entries) > 0 {
		e := &rb.entries[0]
		if !e.contig {
			break
		}
		if e.seq != rb.nextSeq {
			return n, errNonContiguous
		}
		c := copy(out[n:], e.data)
		n += c
		e.data = e.data[c:]
		e.seq = e.seq.add(uint32(c))
		rb.nextSeq = e.seq
		rb.contiguousLen -= c
		if len(e.data) == 0 {
			// Entry fully drained; a PSH boundary is crossed here.
			crossedPSH := e.psh
			if e.marker {
				rb.finished = true
			}
			rb.entries = rb.entries[1:]
			if crossedPSH && rb.pshCount > 0 {
				rb.pshCount--
				if n > 0 || rb.contiguousLen == 0 {
					break
				}
			}
			continue
		}
		// Partial consumption: the reader's buffer is full.
		break
	}
	return n, nil
}

// ackable returns the sequence number up to which received bytes are
// contiguous, for collapsing ACKs. ok is false when nothing is buffered.
func (rb *reassemblyBuffer) ackable() (seqNum, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(rb.entries) == 0 {
		return 0, false
	}
	return rb.lastContig, true
}

func (rb *reassemblyBuffer) bytesBuffered() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	total := 0
	for i := range rb.entries {
		total += len(rb.entries[i].data)
	}
	return total
}

func (rb *reassemblyBuffer) clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.entries = nil
	rb.contiguousLen = 0
	rb.lastContig = rb.nextSeq
	rb.pshCount = 0
	rb.cond.Broadcast()
}

// close wakes blocked readers; they drain what is contiguous and then see
// errNoData.
func (rb *reassemblyBuffer) close() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.closed = true
	rb.cond.Broadcast()
}
