package arena

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero/api"

	rhinowasm "github.com/wippyai/rhino-wasm"
	"github.com/wippyai/rhino-wasm/errors"
)

// Memory is the view of linear memory an Arena needs.
type Memory interface {
	rhinowasm.Memory
	rhinowasm.MemorySizer
}

// WrapMemory wraps a wazero api.Memory. It returns nil for a nil memory.
func WrapMemory(mem api.Memory) Memory {
	if mem == nil {
		return nil
	}
	return &Wrapper{Mem: mem}
}

// Wrapper adapts wazero api.Memory to the Memory interface.
type Wrapper struct {
	Mem api.Memory
}

// Size returns the current memory size in bytes.
func (m *Wrapper) Size() uint32 {
	return m.Mem.Size()
}

// Read reads bytes from memory. The returned slice aliases linear memory and
// is only valid until the next call into the module.
func (m *Wrapper) Read(offset uint32, length uint32) ([]byte, error) {
	data, ok := m.Mem.Read(offset, length)
	if !ok {
		return nil, errors.MemoryAccess("read", offset, length)
	}
	return data, nil
}

// Write writes bytes to memory.
func (m *Wrapper) Write(offset uint32, data []byte) error {
	if !m.Mem.Write(offset, data) {
		return errors.MemoryAccess("write", offset, uint32(len(data)))
	}
	return nil
}

// ReadU8 reads an unsigned 8-bit value.
func (m *Wrapper) ReadU8(offset uint32) (uint8, error) {
	v, ok := m.Mem.ReadByte(offset)
	if !ok {
		return 0, errors.MemoryAccess("read", offset, 1)
	}
	return v, nil
}

// ReadU32 reads an unsigned 32-bit little-endian value.
func (m *Wrapper) ReadU32(offset uint32) (uint32, error) {
	v, ok := m.Mem.ReadUint32Le(offset)
	if !ok {
		return 0, errors.MemoryAccess("read", offset, 4)
	}
	return v, nil
}

// ReadI32 reads a signed 32-bit little-endian value.
func (m *Wrapper) ReadI32(offset uint32) (int32, error) {
	v, err := m.ReadU32(offset)
	return int32(v), err
}

// WriteU8 writes an unsigned 8-bit value.
func (m *Wrapper) WriteU8(offset uint32, value uint8) error {
	if !m.Mem.WriteByte(offset, value) {
		return errors.MemoryAccess("write", offset, 1)
	}
	return nil
}

// WriteU32 writes an unsigned 32-bit little-endian value.
func (m *Wrapper) WriteU32(offset uint32, value uint32) error {
	if !m.Mem.WriteUint32Le(offset, value) {
		return errors.MemoryAccess("write", offset, 4)
	}
	return nil
}

// WrapAllocator adapts the module's malloc/free exports. It returns nil if
// either function is missing.
func WrapAllocator(malloc, free api.Function) rhinowasm.Allocator {
	if malloc == nil || free == nil {
		return nil
	}
	return &FuncAllocator{Malloc: malloc, FreeFn: free}
}

// FuncAllocator calls malloc(size) -> ptr and free(ptr) exports.
type FuncAllocator struct {
	Malloc api.Function
	FreeFn api.Function
}

// Alloc allocates size bytes. A zero result is returned as-is; the Arena
// decides how to report it.
func (a *FuncAllocator) Alloc(ctx context.Context, size uint32) (uint32, error) {
	results, err := a.Malloc.Call(ctx, uint64(size))
	if err != nil {
		return 0, fmt.Errorf("malloc(%d): %w", size, err)
	}
	if len(results) == 0 {
		return 0, fmt.Errorf("malloc(%d) returned no result", size)
	}
	return uint32(results[0]), nil
}

// Free returns ptr to the module allocator.
func (a *FuncAllocator) Free(ctx context.Context, ptr uint32) error {
	if _, err := a.FreeFn.Call(ctx, uint64(ptr)); err != nil {
		return fmt.Errorf("free(%#x): %w", ptr, err)
	}
	return nil
}
