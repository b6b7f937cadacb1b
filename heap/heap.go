// Package heap implements the segmented host-memory heap: a
// bump-pointer allocator over a set of fixed-size segments, addressed
// by a 53-bit virtual address (segment index in the high bits, a byte
// offset within the segment in the low bits). A single Go []byte slice
// is capped by the platform's addressable-slice limits long before a
// multi-gigabyte model's combined tensor bytes are; splitting
// allocation across segments sidesteps that ceiling the same way the
// teacher's memory-estimation code (llm/server_memory.go) reasons
// about allocation in page-sized, not monolithic, units.
package heap

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// offsetBits is the number of low bits of a virtual address given to
// the intra-segment byte offset; the remaining high bits (53-offsetBits)
// name the segment index. 45 bits of offset addresses up to 32 TiB per
// segment, comfortably above any single allocation this module makes.
const offsetBits = 45

// maxVirtualAddress is the largest representable address: 53 bits total,
// matching the float64-safe-integer ceiling other parts of the stack
// (JSON-decoded manifest byte offsets) already assume.
const maxVirtualAddress = (uint64(1) << 53) - 1

// VirtualAddress encodes (segment, offset) into the heap's 53-bit
// address space.
type VirtualAddress uint64

// Encode builds a VirtualAddress from a segment index and an
// intra-segment byte offset.
func Encode(segment int, offset uint64) VirtualAddress {
	if offset >= (uint64(1) << offsetBits) {
		panic(fmt.Sprintf("heap: offset %d exceeds %d-bit segment span", offset, offsetBits))
	}
	addr := (uint64(segment) << offsetBits) | offset
	if addr > maxVirtualAddress {
		panic(fmt.Sprintf("heap: virtual address %d exceeds 53-bit space", addr))
	}
	return VirtualAddress(addr)
}

// Decode splits a VirtualAddress back into its segment index and
// intra-segment offset.
func (a VirtualAddress) Decode() (segment int, offset uint64) {
	v := uint64(a)
	return int(v >> offsetBits), v & ((uint64(1) << offsetBits) - 1)
}

// segment is one fixed-size backing allocation and a bump pointer into it.
type segment struct {
	data []byte
	next uint64
}

// Heap is the segmented allocator. It is safe for concurrent use; the
// loader's concurrent shard prefetch (errgroup-based, §5) allocates
// from the same Heap across goroutines.
type Heap struct {
	mu           sync.Mutex
	segmentSize  uint64
	segments     []*segment
	pageSize     uint64
}

// New creates a Heap whose segments are segmentSize bytes, rounded up
// to a whole multiple of the platform page size so every segment is a
// single mmap-aligned unit (matching the probing behavior in Probe).
func New(segmentSize uint64) *Heap {
	ps := uint64(unix.Getpagesize())
	if segmentSize == 0 {
		segmentSize = 1 << 30 // 1 GiB default segment
	}
	segmentSize = roundUpU64(segmentSize, ps)
	return &Heap{segmentSize: segmentSize, pageSize: ps}
}

func roundUpU64(n, pad uint64) uint64 {
	if pad == 0 {
		return n
	}
	return ((n + pad - 1) / pad) * pad
}

// Alloc reserves size bytes and returns the virtual address of the
// first byte. It appends a new segment when the current tail segment
// cannot satisfy the request; a single allocation larger than
// segmentSize gets its own oversized segment.
func (h *Heap) Alloc(size uint64) (VirtualAddress, error) {
	if size == 0 {
		return 0, fmt.Errorf("heap: cannot allocate zero bytes")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.segments) > 0 {
		tail := h.segments[len(h.segments)-1]
		if tail.next+size <= uint64(len(tail.data)) {
			off := tail.next
			tail.next += size
			return Encode(len(h.segments)-1, off), nil
		}
	}

	segSize := h.segmentSize
	if size > segSize {
		segSize = roundUpU64(size, h.pageSize)
	}
	if len(h.segments) >= (1 << (53 - offsetBits)) {
		return 0, fmt.Errorf("heap: segment index space exhausted")
	}

	seg := &segment{data: make([]byte, segSize)}
	seg.next = size
	h.segments = append(h.segments, seg)
	return Encode(len(h.segments)-1, 0), nil
}

// Bytes returns a mutable view of size bytes starting at addr. The
// returned slice aliases heap storage directly; callers must not hold
// it past the heap's lifetime.
func (h *Heap) Bytes(addr VirtualAddress, size uint64) ([]byte, error) {
	seg, off := addr.Decode()

	h.mu.Lock()
	defer h.mu.Unlock()

	if seg < 0 || seg >= len(h.segments) {
		return nil, fmt.Errorf("heap: segment %d out of range (have %d)", seg, len(h.segments))
	}
	s := h.segments[seg]
	if off+size > uint64(len(s.data)) {
		return nil, fmt.Errorf("heap: range [%d,%d) exceeds segment %d size %d", off, off+size, seg, len(s.data))
	}
	return s.data[off : off+size], nil
}

// SegmentCount reports how many segments have been allocated so far,
// for the estimated_vram_bytes_peak / memory accounting counters.
func (h *Heap) SegmentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.segments)
}

// TotalBytes sums the backing capacity of every segment (not the bytes
// actually in use, since a segment is never shrunk after allocation).
func (h *Heap) TotalBytes() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var total uint64
	for _, s := range h.segments {
		total += uint64(len(s.data))
	}
	return total
}

// Probe attempts progressively smaller allocations (4GiB, 2GiB, 1GiB,
// 512MiB, 256MiB, 128MiB) and returns the largest one the host
// actually satisfied, rounded to a whole page. Used at startup to size
// the first segment realistically instead of guessing.
func Probe() uint64 {
	ps := uint64(unix.Getpagesize())
	for _, try := range []uint64{4 << 30, 2 << 30, 1 << 30, 512 << 20, 256 << 20, 128 << 20} {
		if b := tryAlloc(try); b != nil {
			return roundUpU64(try, ps)
		}
	}
	return ps
}

func tryAlloc(size uint64) []byte {
	defer func() { recover() }() //nolint:errcheck // an allocation panic here just means "too big"
	b := make([]byte, size)
	return b
}
