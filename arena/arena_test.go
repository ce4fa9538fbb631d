package arena

import (
	"context"
	"errors"
	"testing"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	rerrors "github.com/wippyai/rhino-wasm/errors"
)

// memoryWASM is a minimal WASM module with 1 page of memory exported as "memory"
var memoryWASM = []byte{
	0x00, 0x61, 0x73, 0x6d, // magic
	0x01, 0x00, 0x00, 0x00, // version
	0x05, 0x03, 0x01, 0x00, 0x01, // memory section: 1 page, no max
	0x07, 0x0a, 0x01, // export section: 10 bytes, 1 export
	0x06, 0x6d, 0x65, 0x6d, 0x6f, 0x72, 0x79, // name: "memory" (6 bytes + string)
	0x02, 0x00, // kind: memory, index 0
}

// bumpAllocator hands out 8-byte aligned blocks and remembers frees.
type bumpAllocator struct {
	live  map[uint32]uint32
	freed map[uint32]int
	next  uint32
	limit uint32
}

func newBumpAllocator(limit uint32) *bumpAllocator {
	return &bumpAllocator{
		live:  make(map[uint32]uint32),
		freed: make(map[uint32]int),
		next:  1024,
		limit: limit,
	}
}

func (b *bumpAllocator) Alloc(_ context.Context, size uint32) (uint32, error) {
	if b.next+size > b.limit {
		return 0, nil
	}
	ptr := b.next
	b.next += (size + 7) &^ 7
	b.live[ptr] = size
	return ptr, nil
}

func (b *bumpAllocator) Free(_ context.Context, ptr uint32) error {
	if _, ok := b.live[ptr]; !ok {
		return errors.New("free of unknown pointer")
	}
	delete(b.live, ptr)
	b.freed[ptr]++
	return nil
}

func newTestArena(t *testing.T, limit uint32) (*Arena, *bumpAllocator) {
	t.Helper()
	ctx := context.Background()
	rt := wazero.NewRuntime(ctx)
	t.Cleanup(func() { rt.Close(ctx) })

	compiled, err := rt.CompileModule(ctx, memoryWASM)
	if err != nil {
		t.Fatalf("failed to compile: %v", err)
	}

	mod, err := rt.InstantiateModule(ctx, compiled, wazero.NewModuleConfig())
	if err != nil {
		t.Fatalf("failed to instantiate: %v", err)
	}

	mem := WrapMemory(mod.ExportedMemory("memory"))
	if mem == nil {
		t.Fatal("expected non-nil wrapped memory")
	}
	alloc := newBumpAllocator(limit)
	return New(mem, alloc), alloc
}

func TestWrapMemory_Nil(t *testing.T) {
	if mem := WrapMemory(nil); mem != nil {
		t.Error("expected nil for nil memory")
	}
}

func TestWrapAllocator_Nil(t *testing.T) {
	var fn api.Function
	if alloc := WrapAllocator(fn, fn); alloc != nil {
		t.Error("expected nil for missing functions")
	}
}

func TestArena_CString(t *testing.T) {
	a, _ := newTestArena(t, 65536)
	ctx := context.Background()
	owner := a.Table().NewOwner()

	tests := []string{"", "hello", "größe → medium", "a long string that spans several scan windows of sixty four bytes each, repeated twice to be sure it crosses the boundary"}
	for _, s := range tests {
		addr, err := a.AllocCString(ctx, owner, s)
		if err != nil {
			t.Fatalf("AllocCString(%q): %v", s, err)
		}
		got, err := a.ReadCString(addr)
		if err != nil {
			t.Fatalf("ReadCString: %v", err)
		}
		if got != s {
			t.Errorf("round trip = %q, want %q", got, s)
		}
	}

	if a.Table().Len(owner) != len(tests) {
		t.Errorf("owner holds %d blocks, want %d", a.Table().Len(owner), len(tests))
	}
}

func TestArena_ReadCString_Errors(t *testing.T) {
	a, _ := newTestArena(t, 65536)

	if _, err := a.ReadCString(Null); !errors.Is(err, rerrors.ErrInvalidState) {
		t.Errorf("null pointer: got %v, want invalid state", err)
	}
	if _, err := a.ReadCString(Address(70000)); err == nil {
		t.Error("expected out of bounds error")
	}

	// Fill the tail of memory without a terminator.
	tail := make([]byte, 32)
	for i := range tail {
		tail[i] = 'x'
	}
	if err := a.Memory().Write(65536-32, tail); err != nil {
		t.Fatal(err)
	}
	if _, err := a.ReadCString(Address(65536 - 32)); !errors.Is(err, rerrors.ErrInvalidState) {
		t.Errorf("unterminated: got %v, want invalid state", err)
	}
}

func TestArena_AllocateNull(t *testing.T) {
	a, _ := newTestArena(t, 2048)
	ctx := context.Background()

	_, err := a.Allocate(ctx, 4096)
	if !errors.Is(err, rerrors.ErrOutOfMemory) {
		t.Fatalf("got %v, want out of memory", err)
	}
}

func TestArena_PointerArray(t *testing.T) {
	a, _ := newTestArena(t, 65536)
	ctx := context.Background()
	owner := a.Table().NewOwner()

	words := []string{"size", "beverage", "shots"}
	arr, err := a.AllocateFor(ctx, owner, uint32(len(words)*PointerSize))
	if err != nil {
		t.Fatal(err)
	}
	for i, w := range words {
		p, err := a.AllocCString(ctx, owner, w)
		if err != nil {
			t.Fatal(err)
		}
		if err := a.WriteU32(arr+Address(i*PointerSize), uint32(p)); err != nil {
			t.Fatal(err)
		}
	}

	for i, want := range words {
		p, err := a.ReadPointerAt(arr, i)
		if err != nil {
			t.Fatalf("ReadPointerAt(%d): %v", i, err)
		}
		got, err := a.ReadCString(p)
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("element %d = %q, want %q", i, got, want)
		}
	}

	if _, err := a.ReadPointerAt(Null, 0); err == nil {
		t.Error("expected error for null array")
	}
}

func TestArena_WriteInt16s(t *testing.T) {
	a, _ := newTestArena(t, 65536)
	ctx := context.Background()

	samples := []int16{0, 1, -1, 32767, -32768}
	addr, err := a.Allocate(ctx, uint32(len(samples)*2))
	if err != nil {
		t.Fatal(err)
	}
	if err := a.WriteInt16s(addr, samples); err != nil {
		t.Fatal(err)
	}

	raw, err := a.Memory().Read(uint32(addr), uint32(len(samples)*2))
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x00, 0x00, 0x01, 0x00, 0xff, 0xff, 0xff, 0x7f, 0x00, 0x80}
	for i := range want {
		if raw[i] != want[i] {
			t.Fatalf("byte %d = %#x, want %#x", i, raw[i], want[i])
		}
	}
}

func TestArena_ReleaseFreesOnce(t *testing.T) {
	a, alloc := newTestArena(t, 65536)
	ctx := context.Background()
	owner := a.Table().NewOwner()
	other := a.Table().NewOwner()

	var addrs []Address
	for i := 0; i < 5; i++ {
		addr, err := a.AllocateFor(ctx, owner, 16)
		if err != nil {
			t.Fatal(err)
		}
		addrs = append(addrs, addr)
	}
	kept, err := a.AllocateFor(ctx, other, 16)
	if err != nil {
		t.Fatal(err)
	}

	if err := a.FreeFor(ctx, owner, addrs[0]); err != nil {
		t.Fatal(err)
	}
	if err := a.FreeFor(ctx, other, addrs[1]); !errors.Is(err, rerrors.ErrInvalidState) {
		t.Fatalf("freeing another owner's block: got %v, want invalid state", err)
	}
	if _, ok := alloc.live[uint32(addrs[1])]; !ok {
		t.Fatal("another owner's block was freed")
	}
	if err := a.FreeFor(ctx, other, Address(0xdead0)); err != nil {
		t.Errorf("untracked address: got %v, want nil", err)
	}

	if err := a.Release(ctx, owner); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := a.Release(ctx, owner); err != nil {
		t.Fatalf("second Release: %v", err)
	}

	for _, addr := range addrs {
		if n := alloc.freed[uint32(addr)]; n != 1 {
			t.Errorf("address %#x freed %d times, want 1", uint32(addr), n)
		}
	}
	if _, ok := alloc.live[uint32(kept)]; !ok {
		t.Error("other owner's block was freed")
	}
	if a.Table().Total() != 1 {
		t.Errorf("table holds %d blocks, want 1", a.Table().Total())
	}
}

func TestTable_RecordTwice(t *testing.T) {
	tbl := NewTable()
	o1, o2 := tbl.NewOwner(), tbl.NewOwner()
	if o1 == o2 {
		t.Fatal("owners must be distinct")
	}

	if err := tbl.Record(o1, 64); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Record(o2, 64); !errors.Is(err, rerrors.ErrInvalidState) {
		t.Errorf("duplicate record: got %v, want invalid state", err)
	}
	if err := tbl.Record(o1, Null); err == nil {
		t.Error("expected error recording null")
	}
	if owner, ok := tbl.OwnerOf(64); !ok || owner != o1 {
		t.Errorf("OwnerOf = %d, %v", owner, ok)
	}
	if tbl.Forget(o2, 64) {
		t.Error("Forget should not remove another owner's address")
	}
	if !tbl.Forget(o1, 64) {
		t.Error("Forget should remove owned address")
	}
	if tbl.Total() != 0 {
		t.Errorf("Total = %d, want 0", tbl.Total())
	}
}
