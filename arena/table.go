package arena

import (
	"sync"

	"github.com/wippyai/rhino-wasm/errors"
)

// Owner identifies the holder of a set of allocations.
type Owner uint64

// Table attributes addresses to owners. An address belongs to at most one
// owner at a time.
type Table struct {
	owned map[Owner][]Address
	index map[Address]Owner
	next  Owner
	mu    sync.Mutex
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{
		owned: make(map[Owner][]Address),
		index: make(map[Address]Owner),
	}
}

// NewOwner returns a fresh owner id. Ids are never reused.
func (t *Table) NewOwner() Owner {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next++
	return t.next
}

// Record attributes addr to owner. Recording an address that is already
// held fails: the module handed out a live block twice, or a caller lost
// track of a free.
func (t *Table) Record(owner Owner, addr Address) error {
	if addr == Null {
		return errors.InvalidState(errors.PhaseMemory, "cannot record null address")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.index[addr]; ok {
		return errors.InvalidState(errors.PhaseMemory, "address %#x already owned by %d", uint32(addr), prev)
	}
	t.index[addr] = owner
	t.owned[owner] = append(t.owned[owner], addr)
	return nil
}

// Forget removes addr from owner's records and reports whether it was held.
func (t *Table) Forget(owner Owner, addr Address) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if o, ok := t.index[addr]; !ok || o != owner {
		return false
	}
	delete(t.index, addr)

	list := t.owned[owner]
	for i, a := range list {
		if a == addr {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(t.owned, owner)
	} else {
		t.owned[owner] = list
	}
	return true
}

// Release removes every record of owner and returns the addresses in
// allocation order. A second Release of the same owner returns nothing.
func (t *Table) Release(owner Owner) []Address {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.owned[owner]
	delete(t.owned, owner)
	for _, a := range list {
		delete(t.index, a)
	}
	return list
}

// Len returns the number of live addresses held by owner.
func (t *Table) Len(owner Owner) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.owned[owner])
}

// Total returns the number of live addresses across all owners.
func (t *Table) Total() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.index)
}

// OwnerOf returns the owner of addr.
func (t *Table) OwnerOf(addr Address) (Owner, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.index[addr]
	return o, ok
}
