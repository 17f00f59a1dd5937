package netstack

import (
	"bytes"
	"math/rand"
	"testing"
	"time"
)

func readAll(t *testing.T, rb *reassemblyBuffer, n int) []byte {
	t.Helper()
	out := make([]byte, n)
	got, err := rb.read(out)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return out[:got]
}

func TestReassemblyInOrder(t *testing.T) {
	rb := newReassemblyBuffer(100)
	rb.insert(100, []byte("abc"), false)
	rb.insert(103, []byte("def"), true)

	if got := readAll(t, rb, 6); !bytes.Equal(got, []byte("abcdef")) {
		t.Fatalf("read %q", got)
	}
}

func TestReassemblyOutOfOrder(t *testing.T) {
	rb := newReassemblyBuffer(101)

	// Arrival order from the out-of-order scenario: AB, EF, CD.
	rb.insert(101, []byte("AB"), false)
	rb.insert(105, []byte("EF"), true)

	if last, ok := rb.ackable(); !ok || last != 103 {
		t.Fatalf("ackable with gap = %d, %v; want 103", uint32(last), ok)
	}

	rb.insert(103, []byte("CD"), false)

	if last, ok := rb.ackable(); !ok || last != 107 {
		t.Fatalf("ackable after fill = %d, %v; want 107", uint32(last), ok)
	}
	if got := readAll(t, rb, 6); !bytes.Equal(got, []byte("ABCDEF")) {
		t.Fatalf("read %q", got)
	}
}

func TestReassemblyCoverageIndependentOfInsertionOrder(t *testing.T) {
	// Any insertion order whose ranges cover [base, base+N) exactly must
	// read back as the in-order concatenation.
	const base = seqNum(0xfffffff0) // cover the wrap for good measure
	want := []byte("0123456789abcdef")

	chunks := [][2]int{{0, 4}, {4, 7}, {7, 12}, {12, 16}}
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		rb := newReassemblyBuffer(base)
		order := rng.Perm(len(chunks))
		for _, i := range order {
			c := chunks[i]
			rb.insert(base.add(uint32(c[0])), want[c[0]:c[1]], false)
		}
		rb.insert(base.add(uint32(len(want))), nil, true) // unblock the reader
		got := readAll(t, rb, len(want))
		if !bytes.Equal(got, want) {
			t.Fatalf("trial %d order %v: read %q", trial, order, got)
		}
	}
}

func TestReassemblyDuplicateDropped(t *testing.T) {
	rb := newReassemblyBuffer(10)
	rb.insert(10, []byte("xyz"), false)
	rb.insert(10, []byte("xyz"), false)
	rb.insert(11, []byte("y"), false) // covered by the first entry

	if n := rb.bytesBuffered(); n != 3 {
		t.Fatalf("buffered %d bytes, want 3", n)
	}
}

func TestReassemblyPartialOverlapTrimmed(t *testing.T) {
	rb := newReassemblyBuffer(0)
	rb.insert(0, []byte("aaaa"), false)
	rb.insert(2, []byte("XXbb"), true) // front overlaps the first entry

	if n := rb.bytesBuffered(); n != 6 {
		t.Fatalf("buffered %d bytes, want 6", n)
	}
	if got := readAll(t, rb, 6); !bytes.Equal(got, []byte("aaaabb")) {
		t.Fatalf("read %q", got)
	}
}

func TestReassemblyPSHWakesShortRead(t *testing.T) {
	rb := newReassemblyBuffer(0)

	done := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 1024)
		n, err := rb.read(buf)
		if err != nil {
			done <- nil
			return
		}
		done <- buf[:n]
	}()

	// A non-PSH fragment smaller than the read buffer keeps the reader
	// parked.
	rb.insert(0, []byte("pi"), false)
	select {
	case got := <-done:
		t.Fatalf("reader woke early with %q", got)
	case <-time.After(50 * time.Millisecond):
	}

	rb.insert(2, []byte("ng!"), true)
	select {
	case got := <-done:
		if !bytes.Equal(got, []byte("ping!")) {
			t.Fatalf("read %q", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("psh did not wake the reader")
	}
}

func TestReassemblyEndOfStreamMarker(t *testing.T) {
	rb := newReassemblyBuffer(50)
	rb.insert(50, []byte("bye"), true)
	rb.insert(53, nil, true) // FIN marker

	if got := readAll(t, rb, 16); !bytes.Equal(got, []byte("bye")) {
		t.Fatalf("read %q", got)
	}
	// The next read consumes the marker: zero bytes, no error.
	n, err := rb.read(make([]byte, 16))
	if err != nil || n != 0 {
		t.Fatalf("marker read = %d, %v", n, err)
	}
}

func TestReassemblyStalePSHDoesNotResignal(t *testing.T) {
	rb := newReassemblyBuffer(0)
	rb.insert(0, []byte("ab"), true)
	if got := readAll(t, rb, 2); !bytes.Equal(got, []byte("ab")) {
		t.Fatalf("read %q", got)
	}

	// Retransmission of fully consumed PSH data must not leave a phantom
	// boundary behind.
	rb.insert(0, []byte("ab"), true)
	if n := rb.bytesBuffered(); n != 0 {
		t.Fatalf("stale bytes buffered: %d", n)
	}
	rb.mu.Lock()
	psh := rb.pshCount
	rb.mu.Unlock()
	if psh != 0 {
		t.Fatalf("stale psh count %d", psh)
	}
}

func TestReassemblyCloseUnblocksReader(t *testing.T) {
	rb := newReassemblyBuffer(0)
	done := make(chan error, 1)
	go func() {
		_, err := rb.read(make([]byte, 8))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	rb.close()

	select {
	case err := <-done:
		if err != errNoData {
			t.Fatalf("expected errNoData, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("close did not unblock the reader")
	}
}

func TestReassemblyWindowAccounting(t *testing.T) {
	rb := newReassemblyBuffer(0)
	rb.insert(0, make([]byte, 1000), false)
	rb.insert(2000, make([]byte, 500), false) // gap keeps it buffered

	if n := rb.bytesBuffered(); n != 1500 {
		t.Fatalf("buffered %d, want 1500", n)
	}
	rb.insert(5000, nil, true) // marker beyond the gap does not unblock data reads
	out := make([]byte, 1000)
	n, err := rb.read(out)
	if err != nil || n != 1000 {
		t.Fatalf("read = %d, %v", n, err)
	}
	if n := rb.bytesBuffered(); n != 500 {
		t.Fatalf("buffered after read %d, want 500", n)
	}
}
