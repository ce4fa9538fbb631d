package arena

import (
	"bytes"
	"context"
	"encoding/binary"
	stderrors "errors"

	rhinowasm "github.com/wippyai/rhino-wasm"
	"github.com/wippyai/rhino-wasm/errors"
)

// Address is an offset into linear memory. It carries no ownership of its
// own; ownership is tracked by the Table.
type Address uint32

// Null is the zero address, returned by the module allocator on failure.
const Null Address = 0

// PointerSize is the width of an address in the module (wasm32).
const PointerSize = 4

// maxCString caps C string scans so a missing terminator cannot walk the
// whole of linear memory.
const maxCString = 1 << 20

// cstringChunk is the read window used while scanning for a terminator.
const cstringChunk = 64

// Arena is the host view of the module's memory and allocator.
type Arena struct {
	mem   Memory
	alloc rhinowasm.Allocator
	table *Table
	pcm   []byte
}

// New creates an Arena over mem and alloc.
func New(mem Memory, alloc rhinowasm.Allocator) *Arena {
	return &Arena{
		mem:   mem,
		alloc: alloc,
		table: NewTable(),
	}
}

// Memory returns the underlying memory view.
func (a *Arena) Memory() Memory {
	return a.mem
}

// Table returns the allocation table for this arena.
func (a *Arena) Table() *Table {
	return a.table
}

// Allocate requests size bytes from the module. A null result is reported
// as OutOfMemory; the module never traps on exhaustion.
func (a *Arena) Allocate(ctx context.Context, size uint32) (Address, error) {
	ptr, err := a.alloc.Alloc(ctx, size)
	if err != nil {
		return Null, errors.New(errors.PhaseMemory, errors.KindOutOfMemory).
			Detail("failed to allocate %d bytes", size).
			Cause(err).
			Build()
	}
	if ptr == 0 {
		return Null, errors.OutOfMemory(errors.PhaseMemory, size)
	}
	return Address(ptr), nil
}

// AllocateFor allocates size bytes and records them under owner.
func (a *Arena) AllocateFor(ctx context.Context, owner Owner, size uint32) (Address, error) {
	addr, err := a.Allocate(ctx, size)
	if err != nil {
		return Null, err
	}
	if err := a.table.Record(owner, addr); err != nil {
		_ = a.alloc.Free(ctx, uint32(addr))
		return Null, err
	}
	return addr, nil
}

// Free returns addr to the module. Freeing Null is a no-op.
func (a *Arena) Free(ctx context.Context, addr Address) error {
	if addr == Null {
		return nil
	}
	if err := a.alloc.Free(ctx, uint32(addr)); err != nil {
		return errors.Runtime(errors.PhaseMemory, "free failed", err)
	}
	return nil
}

// FreeFor frees addr and removes it from owner's records. Untracked
// addresses are left alone; an address held by another owner is an
// InvalidState error and is not freed.
func (a *Arena) FreeFor(ctx context.Context, owner Owner, addr Address) error {
	if !a.table.Forget(owner, addr) {
		if holder, ok := a.table.OwnerOf(addr); ok {
			return errors.InvalidState(errors.PhaseMemory,
				"address %#x belongs to owner %d, not %d", uint32(addr), holder, owner)
		}
		return nil
	}
	return a.Free(ctx, addr)
}

// Release frees every block recorded under owner. All blocks are attempted
// even if some fail; the failures are joined.
func (a *Arena) Release(ctx context.Context, owner Owner) error {
	var errs []error
	for _, addr := range a.table.Release(owner) {
		if err := a.Free(ctx, addr); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// WriteCString writes s followed by a NUL terminator. The caller must have
// allocated len(s)+1 bytes at addr.
func (a *Arena) WriteCString(addr Address, s string) error {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return a.mem.Write(uint32(addr), buf)
}

// AllocCString allocates and writes s as a C string under owner.
func (a *Arena) AllocCString(ctx context.Context, owner Owner, s string) (Address, error) {
	addr, err := a.AllocateFor(ctx, owner, uint32(len(s)+1))
	if err != nil {
		return Null, err
	}
	if err := a.WriteCString(addr, s); err != nil {
		_ = a.FreeFor(ctx, owner, addr)
		return Null, err
	}
	return addr, nil
}

// ReadCString reads the NUL-terminated string starting at addr.
func (a *Arena) ReadCString(addr Address) (string, error) {
	if addr == Null {
		return "", errors.InvalidState(errors.PhaseMemory, "null string pointer")
	}
	size := a.mem.Size()
	start := uint32(addr)
	if start >= size {
		return "", errors.MemoryAccess("read", start, 1)
	}

	var out []byte
	for off := start; off < size; {
		n := uint32(cstringChunk)
		if size-off < n {
			n = size - off
		}
		chunk, err := a.mem.Read(off, n)
		if err != nil {
			return "", err
		}
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			out = append(out, chunk[:i]...)
			return string(out), nil
		}
		out = append(out, chunk...)
		off += n
		if off-start > maxCString {
			break
		}
	}
	return "", errors.InvalidState(errors.PhaseMemory, "unterminated string at %#x", start)
}

// ReadPointer reads the address stored at addr.
func (a *Arena) ReadPointer(addr Address) (Address, error) {
	v, err := a.mem.ReadU32(uint32(addr))
	return Address(v), err
}

// ReadPointerAt treats base as an array of addresses and returns element
// index.
func (a *Arena) ReadPointerAt(base Address, index int) (Address, error) {
	if base == Null {
		return Null, errors.InvalidState(errors.PhaseMemory, "null pointer array")
	}
	return a.ReadPointer(base + Address(index*PointerSize))
}

// ReadI32 reads a signed word at addr.
func (a *Arena) ReadI32(addr Address) (int32, error) {
	return a.mem.ReadI32(uint32(addr))
}

// ReadBool reads a single-byte flag at addr.
func (a *Arena) ReadBool(addr Address) (bool, error) {
	v, err := a.mem.ReadU8(uint32(addr))
	return v != 0, err
}

// WriteU32 writes a word at addr.
func (a *Arena) WriteU32(addr Address, v uint32) error {
	return a.mem.WriteU32(uint32(addr), v)
}

// WriteInt16s writes samples as little-endian 16-bit PCM at addr. The
// caller must have allocated len(samples)*2 bytes.
func (a *Arena) WriteInt16s(addr Address, samples []int16) error {
	n := len(samples) * 2
	if cap(a.pcm) < n {
		a.pcm = make([]byte, n)
	}
	buf := a.pcm[:n]
	for i, s := range samples {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return a.mem.Write(uint32(addr), buf)
}
