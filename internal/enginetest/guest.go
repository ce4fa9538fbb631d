package enginetest

import (
	"github.com/tetratelabs/wazero/api"
)

// Binary format constants for the guest module.
const (
	wasmMagic   = 0x6d736100
	wasmVersion = 1

	sectionType     = 1
	sectionImport   = 2
	sectionFunction = 3
	sectionMemory   = 5
	sectionExport   = 7
	sectionCode     = 10

	kindFunc   = 0x00
	kindMemory = 0x02

	funcTypeByte = 0x60
	opLocalGet   = 0x20
	opCall       = 0x10
	opEnd        = 0x0b
)

// guestMemoryPages is the initial memory of the guest (1 MiB).
const guestMemoryPages = 16

// Guest returns a module that imports every ABI function from ImportModule
// and re-exports each through a wrapper body, together with its memory.
// Names in omit are left out of the module entirely.
func Guest(omit ...string) []byte {
	skip := make(map[string]bool, len(omit))
	for _, name := range omit {
		skip[name] = true
	}

	var fns []export
	for _, ex := range exports {
		if !skip[ex.name] {
			fns = append(fns, ex)
		}
	}
	n := uint32(len(fns))

	var w writer
	w.u32le(wasmMagic)
	w.u32le(wasmVersion)

	var sec writer
	sec.u32(n)
	for _, ex := range fns {
		sec.byte(funcTypeByte)
		sec.valTypes(ex.params)
		sec.valTypes(ex.results)
	}
	w.section(sectionType, sec.bytes())

	sec = writer{}
	sec.u32(n)
	for i, ex := range fns {
		sec.name(ImportModule)
		sec.name(ex.name)
		sec.byte(kindFunc)
		sec.u32(uint32(i))
	}
	w.section(sectionImport, sec.bytes())

	sec = writer{}
	sec.u32(n)
	for i := range fns {
		sec.u32(uint32(i))
	}
	w.section(sectionFunction, sec.bytes())

	sec = writer{}
	sec.u32(1)
	sec.byte(0x00) // limits: min only
	sec.u32(guestMemoryPages)
	w.section(sectionMemory, sec.bytes())

	exportMemory := !skip["memory"]
	sec = writer{}
	if exportMemory {
		sec.u32(n + 1)
	} else {
		sec.u32(n)
	}
	for i, ex := range fns {
		sec.name(ex.name)
		sec.byte(kindFunc)
		sec.u32(n + uint32(i))
	}
	if exportMemory {
		sec.name("memory")
		sec.byte(kindMemory)
		sec.u32(0)
	}
	w.section(sectionExport, sec.bytes())

	sec = writer{}
	sec.u32(n)
	for i, ex := range fns {
		var body writer
		body.u32(0) // no locals
		for p := range ex.params {
			body.byte(opLocalGet)
			body.u32(uint32(p))
		}
		body.byte(opCall)
		body.u32(uint32(i))
		body.byte(opEnd)

		sec.u32(uint32(len(body.buf)))
		sec.raw(body.bytes())
	}
	w.section(sectionCode, sec.bytes())

	return w.bytes()
}

type writer struct {
	buf []byte
}

func (w *writer) bytes() []byte { return w.buf }

func (w *writer) byte(b byte) { w.buf = append(w.buf, b) }

func (w *writer) raw(b []byte) { w.buf = append(w.buf, b...) }

func (w *writer) u32le(v uint32) {
	w.buf = append(w.buf, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// u32 writes v as unsigned LEB128.
func (w *writer) u32(v uint32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		w.buf = append(w.buf, b)
		if v == 0 {
			return
		}
	}
}

func (w *writer) name(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) valTypes(types []api.ValueType) {
	w.u32(uint32(len(types)))
	for _, t := range types {
		w.byte(t)
	}
}

func (w *writer) section(id byte, data []byte) {
	w.byte(id)
	w.u32(uint32(len(data)))
	w.raw(data)
}
