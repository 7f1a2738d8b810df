// Package ipc implements a shared-memory pipe between a parent process and
// the game server child it spawned. The mapping holds two fixed capacity
// rings, one per direction. Every message is framed as a 4-byte little-endian
// length followed by the payload.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"
)

const (
	magic      = 0x54425331 // "TBS1"
	headerSize = 64
	frameSize  = 4

	// Offsets of the ring counters within the header.
	offMagic    = 0
	offCapacity = 4
	offRing0    = 8
	offRing1    = 24
)

var (
	ErrUnsupported = errors.New("shared memory pipes are not supported on this platform")
	ErrFull        = errors.New("pipe is full")
	ErrTooLarge    = errors.New("message larger than pipe capacity")
	ErrClosed      = errors.New("pipe is closed")
	ErrCorrupt     = errors.New("pipe header is corrupt")
)

// Pipe is one end of a shared-memory pipe.
type Pipe struct {
	Name string

	path     string
	mem      []byte
	capacity int
	out      ring
	in       ring
	closed   bool
}

// ring is one direction of the pipe. written and read are monotonic byte
// counters; the data lives at data[counter % len(data)].
type ring struct {
	written *uint64
	read    *uint64
	data    []byte
}

// Path returns the file backing the pipe called name.
func Path(name string) string {
	dir := "/dev/shm"
	if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "tbs-"+name)
}

// Create makes a new pipe with capacity bytes in each direction. It is
// called by the parent, which writes the first ring and reads the second.
func Create(name string, capacity int) (*Pipe, error) {
	if capacity <= frameSize {
		return nil, fmt.Errorf("pipe capacity %d too small", capacity)
	}
	path := Path(name)
	mem, err := mapFile(path, headerSize+2*capacity, true)
	if err != nil {
		return nil, fmt.Errorf("creating pipe %s: %w", name, err)
	}
	binary.LittleEndian.PutUint32(mem[offMagic:], magic)
	binary.LittleEndian.PutUint32(mem[offCapacity:], uint32(capacity))

	p := &Pipe{Name: name, path: path, mem: mem, capacity: capacity}
	p.out = p.ringAt(offRing0, 0)
	p.in = p.ringAt(offRing1, 1)
	return p, nil
}

// Open attaches to a pipe made by Create. It is called by the child, which
// reads the first ring and writes the second.
func Open(name string) (*Pipe, error) {
	path := Path(name)
	mem, err := mapFile(path, 0, false)
	if err != nil {
		return nil, fmt.Errorf("opening pipe %s: %w", name, err)
	}
	if len(mem) < headerSize || binary.LittleEndian.Uint32(mem[offMagic:]) != magic {
		_ = unmap(mem)
		return nil, ErrCorrupt
	}
	capacity := int(binary.LittleEndian.Uint32(mem[offCapacity:]))
	if len(mem) < headerSize+2*capacity {
		_ = unmap(mem)
		return nil, ErrCorrupt
	}

	p := &Pipe{Name: name, path: path, mem: mem, capacity: capacity}
	p.in = p.ringAt(offRing0, 0)
	p.out = p.ringAt(offRing1, 1)
	return p, nil
}

func (p *Pipe) ringAt(counters, index int) ring {
	start := headerSize + index*p.capacity
	return ring{
		written: (*uint64)(unsafe.Pointer(&p.mem[counters])),
		read:    (*uint64)(unsafe.Pointer(&p.mem[counters+8])),
		data:    p.mem[start : start+p.capacity],
	}
}

// Write frames msg and appends it to the outbound ring. It never blocks; a
// ring without room for the whole frame returns ErrFull.
func (p *Pipe) Write(msg []byte) error {
	if p.closed {
		return ErrClosed
	}
	n := frameSize + len(msg)
	if n > p.capacity {
		return ErrTooLarge
	}
	w := atomic.LoadUint64(p.out.written)
	r := atomic.LoadUint64(p.out.read)
	if uint64(p.capacity)-(w-r) < uint64(n) {
		return ErrFull
	}

	var length [frameSize]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(msg)))
	p.out.copyIn(w, length[:])
	p.out.copyIn(w+frameSize, msg)
	atomic.StoreUint64(p.out.written, w+uint64(n))
	return nil
}

// Read returns every complete message waiting in the inbound ring, oldest
// first. It returns no messages when the ring is empty.
func (p *Pipe) Read() ([][]byte, error) {
	if p.closed {
		return nil, ErrClosed
	}
	r := atomic.LoadUint64(p.in.read)
	w := atomic.LoadUint64(p.in.written)

	var msgs [][]byte
	for w-r >= frameSize {
		var length [frameSize]byte
		p.in.copyOut(r, length[:])
		size := uint64(binary.LittleEndian.Uint32(length[:]))
		if size > uint64(p.capacity) || w-r < frameSize+size {
			return msgs, ErrCorrupt
		}
		msg := make([]byte, size)
		p.in.copyOut(r+frameSize, msg)
		msgs = append(msgs, msg)
		r += frameSize + size
	}
	atomic.StoreUint64(p.in.read, r)
	return msgs, nil
}

// Buffered returns the number of bytes written by this end that the other
// end has not read yet.
func (p *Pipe) Buffered() int {
	return int(atomic.LoadUint64(p.out.written) - atomic.LoadUint64(p.out.read))
}

// Close unmaps the pipe. The backing file stays until Remove.
func (p *Pipe) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	return unmap(p.mem)
}

// Remove closes the pipe and deletes its backing file.
func (p *Pipe) Remove() error {
	if err := p.Close(); err != nil {
		return err
	}
	if err := os.Remove(p.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (r ring) copyIn(pos uint64, b []byte) {
	size := uint64(len(r.data))
	for len(b) > 0 {
		off := pos % size
		n := copy(r.data[off:], b)
		b = b[n:]
		pos += uint64(n)
	}
}

func (r ring) copyOut(pos uint64, b []byte) {
	size := uint64(len(r.data))
	for len(b) > 0 {
		off := pos % size
		n := copy(b, r.data[off:])
		b = b[n:]
		pos += uint64(n)
	}
}
