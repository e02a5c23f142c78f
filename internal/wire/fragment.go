// SPDX-License-Identifier: GPL-3.0-or-later

package wire

import (
	"encoding/binary"
	"sync"
	"time"
)

// fragmentMagic tags a datagram as carrying a fragment header, ported
// from original_source/crates/slipstream-dns/src/fragment.rs.
const fragmentMagic = 0x53

// FragmentHeaderSize is the size, in bytes, of the fragment header
// prepended to a QUIC datagram split across more than one query.
const FragmentHeaderSize = 5

// Fragmenter splits a QUIC datagram into pieces no larger than maxPiece
// bytes of payload (after the fragment header), each tagged with a
// shared packet id so the receiver can reassemble them.
type Fragmenter struct {
	maxPiece int
	nextID   uint16
	mu       sync.Mutex
}

// NewFragmenter creates a [*Fragmenter] producing pieces whose fragment
// header plus data never exceed maxPiece+FragmentHeaderSize bytes.
func NewFragmenter(maxPiece int) *Fragmenter {
	return &Fragmenter{maxPiece: maxPiece}
}

// Fragment splits datagram into one or more framed pieces. A datagram
// that fits entirely within maxPiece is still framed (total=1) so the
// receiver's decoding path is uniform.
func (f *Fragmenter) Fragment(datagram []byte) [][]byte {
	f.mu.Lock()
	packetID := f.nextID
	f.nextID++
	f.mu.Unlock()

	total := (len(datagram) + f.maxPiece - 1) / f.maxPiece
	if total == 0 {
		total = 1
	}
	if total > 255 {
		total = 255
	}

	pieces := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * f.maxPiece
		end := min(start+f.maxPiece, len(datagram))
		piece := make([]byte, FragmentHeaderSize+(end-start))
		piece[0] = fragmentMagic
		binary.BigEndian.PutUint16(piece[1:3], packetID)
		piece[3] = byte(i)
		piece[4] = byte(total)
		copy(piece[FragmentHeaderSize:], datagram[start:end])
		pieces = append(pieces, piece)
	}
	return pieces
}

// IsFragmented reports whether piece carries a valid fragment header.
func IsFragmented(piece []byte) bool {
	return len(piece) >= FragmentHeaderSize && piece[0] == fragmentMagic
}

// fragmentEntry accumulates the pieces of one packet id.
type fragmentEntry struct {
	total    int
	received int
	pieces   [][]byte
	lastSeen time.Time
}

// Reassembler accumulates fragmented pieces by packet id and evicts
// stale, incomplete groups after staleAfter has elapsed.
type Reassembler struct {
	staleAfter time.Duration

	mu      sync.Mutex
	entries map[uint16]*fragmentEntry
}

// NewReassembler creates a [*Reassembler].
func NewReassembler(staleAfter time.Duration) *Reassembler {
	return &Reassembler{
		staleAfter: staleAfter,
		entries:    make(map[uint16]*fragmentEntry),
	}
}

// Receive feeds one piece into the reassembler. It returns the
// reassembled datagram and ok=true once every piece of its packet id has
// arrived; otherwise ok=false and the caller should keep polling.
func (r *Reassembler) Receive(piece []byte) (datagram []byte, ok bool, err error) {
	if !IsFragmented(piece) {
		return nil, false, ErrMalformedWire
	}
	packetID := binary.BigEndian.Uint16(piece[1:3])
	fragNum := int(piece[3])
	total := int(piece[4])
	if total == 0 || fragNum >= total {
		return nil, false, ErrMalformedWire
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, found := r.entries[packetID]
	if !found {
		entry = &fragmentEntry{total: total, pieces: make([][]byte, total)}
		r.entries[packetID] = entry
	}
	entry.lastSeen = time.Now()
	if entry.pieces[fragNum] == nil {
		entry.pieces[fragNum] = append([]byte{}, piece[FragmentHeaderSize:]...)
		entry.received++
	}

	if entry.received < entry.total {
		return nil, false, nil
	}

	delete(r.entries, packetID)
	var out []byte
	for _, p := range entry.pieces {
		out = append(out, p...)
	}
	return out, true, nil
}

// CleanupStale evicts fragment groups that have not received a new piece
// within staleAfter, returning how many groups were evicted.
func (r *Reassembler) CleanupStale() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	evicted := 0
	now := time.Now()
	for id, entry := range r.entries {
		if now.Sub(entry.lastSeen) > r.staleAfter {
			delete(r.entries, id)
			evicted++
		}
	}
	return evicted
}

// PendingCount returns the number of fragment groups currently awaiting
// reassembly.
func (r *Reassembler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
