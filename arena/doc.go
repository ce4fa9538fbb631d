// Package arena manages buffers in the engine module's linear memory.
//
// The engine module owns its allocator; the host can only ask it for blocks
// and hand them back. Arena wraps that pair of exports together with the
// memory view and provides the primitive accessors the bridge needs: C
// strings, little-endian words, byte flags, pointer arrays and 16-bit PCM
// frames.
//
// Every allocation made through an Arena can be attributed to an Owner in
// the arena's Table. Releasing an owner frees each of its blocks exactly
// once. Freeing an address twice is undefined behaviour in the module, so
// the table refuses duplicate records and forgets addresses as soon as they
// are freed.
//
// An Arena is not safe for concurrent use; callers serialise access the same
// way they serialise calls into the module.
package arena
