// Package enginetest provides a scripted engine for tests. The engine logic
// runs as Go host functions in an "env" module; Guest builds the wasm module
// that re-exports them with its own linear memory, so the code under test
// sees the same exports, memory and allocator behaviour as a real build.
package enginetest

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wippyai/rhino-wasm/errors"
)

// ImportModule is the module name the guest imports host functions from.
const ImportModule = "env"

// Markers in the first sample of an utterance's first frame.
const (
	MarkerUnderstood    int16 = 1
	MarkerNotUnderstood int16 = 2
)

// heapBase is where the bump allocator starts handing out memory.
const heapBase = 4096

// Slot is one key/value pair reported for an understood utterance.
type Slot struct {
	Key   string
	Value string
}

// Behavior scripts the fake engine. The zero value of every status field
// means success.
type Behavior struct {
	// Entered receives a value when pv_rhino_process is entered, before
	// Gate is awaited.
	Entered            chan struct{}
	// Gate, when set, must yield a value before pv_rhino_process runs.
	Gate               chan struct{}
	Version            string
	ContextInfo        string
	Intent             string
	Slots              []Slot
	FrameLength        int32
	SampleRate         int32
	FinalizeAfter      int
	StackDepth         int
	FailMallocAt       int
	InitStatus         errors.Status
	ProcessStatus      errors.Status
	IsUnderstoodStatus errors.Status
	GetIntentStatus    errors.Status
	ResetStatus        errors.Status
	CorruptSlots       bool
	NegativeSlots      bool
	FailErrorStack     bool
}

// DefaultBehavior returns a coffee-maker context that finalizes after
// three frames of 512 samples.
func DefaultBehavior() Behavior {
	return Behavior{
		Version:     "3.0.0",
		ContextInfo: "context:\n  expressions:\n    orderBeverage:\n      - \"[I want, give me] $size:size $beverage:beverage\"",
		Intent:      "orderBeverage",
		Slots: []Slot{
			{Key: "size", Value: "medium"},
			{Key: "beverage", Value: "americano"},
		},
		FrameLength:   512,
		SampleRate:    16000,
		FinalizeAfter: 3,
		StackDepth:    2,
	}
}

// InitArgs records the arguments of the last pv_rhino_init call.
type InitArgs struct {
	AccessKey           string
	ModelPath           string
	ContextPath         string
	Sensitivity         float32
	EndpointDurationSec float32
	RequireEndpoint     bool
}

// Stats describes one guest instance.
type Stats struct {
	SDK         string
	InitArgs    InitArgs
	Markers     []int16
	Live        int
	NativeLive  int
	BadFrees    int
	DoubleFrees int
	Deletes     int
	BadDeletes  int
	Initialized int
	Resets      int
}

// Engine is a scripted engine shared by every guest instance in a runtime.
type Engine struct {
	behavior  Behavior
	instances map[string]*instance
	calls     map[string]int
	mu        sync.Mutex
}

type instance struct {
	live       map[uint32]uint32
	freed      map[uint32]bool
	native     map[uint32][]uint32
	static     map[string]uint32
	lastError  []string
	stats      Stats
	next       uint32
	mallocs    int
	object     uint32
	intent     uint32
	frames     int
	finalized  bool
	understood bool
}

// New creates a fake engine with DefaultBehavior.
func New() *Engine {
	return &Engine{
		behavior:  DefaultBehavior(),
		instances: make(map[string]*instance),
		calls:     make(map[string]int),
	}
}

// Configure changes the behaviour for subsequent calls.
func (e *Engine) Configure(fn func(b *Behavior)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.behavior)
}

// Behavior returns a copy of the current behaviour.
func (e *Engine) Behavior() Behavior {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.behavior
}

// Calls returns how many times export was called across all instances.
func (e *Engine) Calls(export string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.calls[export]
}

// Stats returns the state of the named guest instance.
func (e *Engine) Stats(name string) (Stats, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[name]
	if !ok {
		return Stats{}, false
	}
	s := inst.stats
	s.Markers = append([]int16(nil), inst.stats.Markers...)
	s.Live = len(inst.live)
	s.NativeLive = len(inst.native)
	return s, true
}

// Names returns the names of every guest instance seen so far.
func (e *Engine) Names() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.instances))
	for name := range e.instances {
		names = append(names, name)
	}
	return names
}

// Instantiate registers the host functions in r.
func (e *Engine) Instantiate(ctx context.Context, r wazero.Runtime) error {
	builder := r.NewHostModuleBuilder(ImportModule)
	for _, ex := range exports {
		impl := ex.impl
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				impl(e, ctx, mod, stack)
			}), ex.params, ex.results).
			Export(ex.name)
	}
	_, err := builder.Instantiate(ctx)
	return err
}

// Utterance builds frames of frameLength samples whose first sample carries
// the understood or not-understood marker.
func Utterance(frameLength, frames int, understood bool) [][]int16 {
	marker := MarkerNotUnderstood
	if understood {
		marker = MarkerUnderstood
	}
	out := make([][]int16, frames)
	for i := range out {
		out[i] = make([]int16, frameLength)
		for j := range out[i] {
			out[i][j] = int16((i*31 + j*7) % 997)
		}
		out[i][0] = 0
	}
	out[0][0] = marker
	return out
}

type hostFunc func(e *Engine, ctx context.Context, mod api.Module, stack []uint64)

type export struct {
	impl    hostFunc
	name    string
	params  []api.ValueType
	results []api.ValueType
}

var (
	i32 = api.ValueTypeI32
	f32 = api.ValueTypeF32
)

var exports = []export{
	{name: "_initialize", impl: hostInitialize},
	{name: "malloc", params: []api.ValueType{i32}, results: []api.ValueType{i32}, impl: hostMalloc},
	{name: "free", params: []api.ValueType{i32}, impl: hostFree},
	{name: "pv_rhino_init", params: []api.ValueType{i32, i32, i32, f32, f32, i32, i32}, results: []api.ValueType{i32}, impl: hostInit},
	{name: "pv_rhino_delete", params: []api.ValueType{i32}, impl: hostDelete},
	{name: "pv_rhino_process", params: []api.ValueType{i32, i32, i32}, results: []api.ValueType{i32}, impl: hostProcess},
	{name: "pv_rhino_is_understood", params: []api.ValueType{i32, i32}, results: []api.ValueType{i32}, impl: hostIsUnderstood},
	{name: "pv_rhino_get_intent", params: []api.ValueType{i32, i32, i32, i32, i32}, results: []api.ValueType{i32}, impl: hostGetIntent},
	{name: "pv_rhino_free_slots_and_values", params: []api.ValueType{i32, i32, i32}, results: []api.ValueType{i32}, impl: hostFreeSlots},
	{name: "pv_rhino_reset", params: []api.ValueType{i32}, results: []api.ValueType{i32}, impl: hostReset},
	{name: "pv_rhino_context_info", params: []api.ValueType{i32, i32}, results: []api.ValueType{i32}, impl: hostContextInfo},
	{name: "pv_rhino_version", results: []api.ValueType{i32}, impl: hostVersion},
	{name: "pv_rhino_frame_length", results: []api.ValueType{i32}, impl: hostFrameLength},
	{name: "pv_sample_rate", results: []api.ValueType{i32}, impl: hostSampleRate},
	{name: "pv_get_error_stack", params: []api.ValueType{i32, i32}, results: []api.ValueType{i32}, impl: hostGetErrorStack},
	{name: "pv_free_error_stack", params: []api.ValueType{i32}, impl: hostFreeErrorStack},
	{name: "pv_set_sdk", params: []api.ValueType{i32}, impl: hostSetSDK},
	{name: "pv_status_to_string", params: []api.ValueType{i32}, results: []api.ValueType{i32}, impl: hostStatusToString},
}

// enter locks the engine, counts the call and returns the caller's state.
func (e *Engine) enter(mod api.Module, name string) *instance {
	e.mu.Lock()
	e.calls[name]++
	inst, ok := e.instances[mod.Name()]
	if !ok {
		inst = &instance{
			live:   make(map[uint32]uint32),
			freed:  make(map[uint32]bool),
			native: make(map[uint32][]uint32),
			static: make(map[string]uint32),
			next:   heapBase,
		}
		e.instances[mod.Name()] = inst
	}
	return inst
}

func (inst *instance) bump(mod api.Module, size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	ptr := inst.next
	end := uint64(ptr) + uint64(size)
	if end > uint64(mod.Memory().Size()) {
		return 0
	}
	inst.next = (uint32(end) + 7) &^ 7
	return ptr
}

// nativeString allocates a module-owned copy of s.
func (inst *instance) nativeString(mod api.Module, s string) uint32 {
	ptr := inst.bump(mod, uint32(len(s)+1))
	if ptr == 0 {
		return 0
	}
	buf := append([]byte(s), 0)
	mod.Memory().Write(ptr, buf)
	return ptr
}

func (inst *instance) staticString(mod api.Module, key, s string) uint32 {
	if ptr, ok := inst.static[key]; ok {
		return ptr
	}
	ptr := inst.nativeString(mod, s)
	inst.static[key] = ptr
	return ptr
}

// nativeArray writes strs as a module-owned array of string pointers and
// records the strings as members of the array's group.
func (inst *instance) nativeArray(mod api.Module, strs []string, nullAt int) uint32 {
	arr := inst.bump(mod, uint32(len(strs)*4+4))
	if arr == 0 {
		return 0
	}
	group := []uint32{}
	for i, s := range strs {
		var p uint32
		if i != nullAt {
			p = inst.nativeString(mod, s)
			group = append(group, p)
		}
		mod.Memory().WriteUint32Le(arr+uint32(i*4), p)
	}
	inst.native[arr] = group
	return arr
}

func (inst *instance) fail(name string, depth int) {
	inst.lastError = make([]string, depth)
	for i := range inst.lastError {
		inst.lastError[i] = fmt.Sprintf("%s: diagnostic %d", name, i)
	}
}

func readString(mod api.Module, ptr uint32) string {
	var out []byte
	for off := ptr; ; off++ {
		b, ok := mod.Memory().ReadByte(off)
		if !ok || b == 0 {
			return string(out)
		}
		out = append(out, b)
	}
}

func status(s errors.Status) uint64 {
	return uint64(uint32(int32(s)))
}

func hostInitialize(e *Engine, _ context.Context, mod api.Module, _ []uint64) {
	inst := e.enter(mod, "_initialize")
	defer e.mu.Unlock()
	inst.stats.Initialized++
}

func hostMalloc(e *Engine, _ context.Context, mod api.Module, stack []uint64) {
	inst := e.enter(mod, "malloc")
	defer e.mu.Unlock()

	inst.mallocs++
	if e.behavior.FailMallocAt > 0 && inst.mallocs == e.behavior.FailMallocAt {
		stack[0] = 0
		return
	}
	size := uint32(stack[0])
	ptr := inst.bump(mod, size)
	if ptr != 0 {
		inst.live[ptr] = size
	}
	stack[0] = uint64(ptr)
}

func hostFree(e *Engine, _ context.Context, mod api.Module, stack []uint64) {
	inst := e.enter(mod, "free")
	defer e.mu.Unlock()

	ptr := uint32(stack[0])
	if ptr == 0 {
		return
	}
	if _, ok := inst.live[ptr]; ok {
		delete(inst.live, ptr)
		inst.freed[ptr] = true
		return
	}
	if inst.freed[ptr] {
		inst.stats.DoubleFrees++
		return
	}
	inst.stats.BadFrees++
}

func hostInit(e *Engine, _ context.Context, mod api.Module, stack []uint64) {
	inst := e.enter(mod, "pv_rhino_init")
	defer e.mu.Unlock()

	args := InitArgs{
		AccessKey:           readString(mod, uint32(stack[0])),
		ModelPath:           readString(mod, uint32(stack[1])),
		ContextPath:         readString(mod, uint32(stack[2])),
		Sensitivity:         api.DecodeF32(stack[3]),
		EndpointDurationSec: api.DecodeF32(stack[4]),
		RequireEndpoint:     uint32(stack[5]) != 0,
	}
	inst.stats.InitArgs = args
	objectOut := uint32(stack[6])

	if s := e.behavior.InitStatus; s != errors.StatusSuccess {
		inst.fail("pv_rhino_init", e.behavior.StackDepth)
		stack[0] = status(s)
		return
	}
	if args.AccessKey == "" || inst.object != 0 {
		inst.fail("pv_rhino_init", 1)
		stack[0] = status(errors.StatusInvalidArgument)
		return
	}

	obj := inst.bump(mod, 64)
	if obj == 0 {
		stack[0] = status(errors.StatusOutOfMemory)
		return
	}
	inst.object = obj
	mod.Memory().WriteUint32Le(objectOut, obj)
	stack[0] = status(errors.StatusSuccess)
}

func hostDelete(e *Engine, _ context.Context, mod api.Module, stack []uint64) {
	inst := e.enter(mod, "pv_rhino_delete")
	defer e.mu.Unlock()

	obj := uint32(stack[0])
	if obj == 0 || obj != inst.object {
		inst.stats.BadDeletes++
		return
	}
	inst.stats.Deletes++
	inst.object = 0
	inst.intent = 0
}

func checkObject(inst *instance, name string, obj uint32) (uint64, bool) {
	if obj == 0 || obj != inst.object {
		inst.fail(name, 1)
		return status(errors.StatusInvalidArgument), false
	}
	return 0, true
}

func hostProcess(e *Engine, _ context.Context, mod api.Module, stack []uint64) {
	e.mu.Lock()
	gate, entered := e.behavior.Gate, e.behavior.Entered
	e.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	inst := e.enter(mod, "pv_rhino_process")
	defer e.mu.Unlock()

	obj, pcm, finalizedOut := uint32(stack[0]), uint32(stack[1]), uint32(stack[2])
	if s, ok := checkObject(inst, "pv_rhino_process", obj); !ok {
		stack[0] = s
		return
	}
	if s := e.behavior.ProcessStatus; s != errors.StatusSuccess {
		inst.fail("pv_rhino_process", e.behavior.StackDepth)
		stack[0] = status(s)
		return
	}
	if inst.finalized {
		inst.fail("pv_rhino_process", 1)
		stack[0] = status(errors.StatusInvalidState)
		return
	}

	frame, ok := mod.Memory().Read(pcm, uint32(e.behavior.FrameLength)*2)
	if !ok {
		inst.fail("pv_rhino_process", 1)
		stack[0] = status(errors.StatusInvalidArgument)
		return
	}
	first := int16(binary.LittleEndian.Uint16(frame))
	inst.stats.Markers = append(inst.stats.Markers, first)
	if inst.frames == 0 {
		inst.understood = first == MarkerUnderstood
	}
	inst.frames++

	var finalized byte
	if inst.frames >= e.behavior.FinalizeAfter {
		inst.finalized = true
		finalized = 1
	}
	mod.Memory().WriteByte(finalizedOut, finalized)
	stack[0] = status(errors.StatusSuccess)
}

func hostIsUnderstood(e *Engine, _ context.Context, mod api.Module, stack []uint64) {
	inst := e.enter(mod, "pv_rhino_is_understood")
	defer e.mu.Unlock()

	if s, ok := checkObject(inst, "pv_rhino_is_understood", uint32(stack[0])); !ok {
		stack[0] = s
		return
	}
	if s := e.behavior.IsUnderstoodStatus; s != errors.StatusSuccess {
		inst.fail("pv_rhino_is_understood", e.behavior.StackDepth)
		stack[0] = status(s)
		return
	}
	if !inst.finalized {
		inst.fail("pv_rhino_is_understood", 1)
		stack[0] = status(errors.StatusInvalidState)
		return
	}
	var v byte
	if inst.understood {
		v = 1
	}
	mod.Memory().WriteByte(uint32(stack[1]), v)
	stack[0] = status(errors.StatusSuccess)
}

func hostGetIntent(e *Engine, _ context.Context, mod api.Module, stack []uint64) {
	inst := e.enter(mod, "pv_rhino_get_intent")
	defer e.mu.Unlock()

	obj := uint32(stack[0])
	intentOut, numSlotsOut := uint32(stack[1]), uint32(stack[2])
	slotsOut, valuesOut := uint32(stack[3]), uint32(stack[4])

	if s, ok := checkObject(inst, "pv_rhino_get_intent", obj); !ok {
		stack[0] = s
		return
	}
	if s := e.behavior.GetIntentStatus; s != errors.StatusSuccess {
		inst.fail("pv_rhino_get_intent", e.behavior.StackDepth)
		stack[0] = status(s)
		return
	}
	if !inst.finalized || !inst.understood {
		inst.fail("pv_rhino_get_intent", 1)
		stack[0] = status(errors.StatusInvalidState)
		return
	}

	if inst.intent == 0 {
		inst.intent = inst.nativeString(mod, e.behavior.Intent)
	}

	keys := make([]string, len(e.behavior.Slots))
	values := make([]string, len(e.behavior.Slots))
	for i, s := range e.behavior.Slots {
		keys[i], values[i] = s.Key, s.Value
	}
	nullAt := -1
	if e.behavior.CorruptSlots {
		nullAt = 0
	}
	slots := inst.nativeArray(mod, keys, -1)
	vals := inst.nativeArray(mod, values, nullAt)

	numSlots := int32(len(keys))
	if e.behavior.NegativeSlots {
		numSlots = -1
	}

	mem := mod.Memory()
	mem.WriteUint32Le(intentOut, inst.intent)
	mem.WriteUint32Le(numSlotsOut, uint32(numSlots))
	mem.WriteUint32Le(slotsOut, slots)
	mem.WriteUint32Le(valuesOut, vals)
	stack[0] = status(errors.StatusSuccess)
}

func hostFreeSlots(e *Engine, _ context.Context, mod api.Module, stack []uint64) {
	inst := e.enter(mod, "pv_rhino_free_slots_and_values")
	defer e.mu.Unlock()

	if s, ok := checkObject(inst, "pv_rhino_free_slots_and_values", uint32(stack[0])); !ok {
		stack[0] = s
		return
	}
	for _, arr := range []uint32{uint32(stack[1]), uint32(stack[2])} {
		if _, ok := inst.native[arr]; !ok {
			inst.stats.BadFrees++
			inst.fail("pv_rhino_free_slots_and_values", 1)
			stack[0] = status(errors.StatusInvalidArgument)
			return
		}
		delete(inst.native, arr)
	}
	stack[0] = status(errors.StatusSuccess)
}

func hostReset(e *Engine, _ context.Context, mod api.Module, stack []uint64) {
	inst := e.enter(mod, "pv_rhino_reset")
	defer e.mu.Unlock()

	if s, ok := checkObject(inst, "pv_rhino_reset", uint32(stack[0])); !ok {
		stack[0] = s
		return
	}
	if s := e.behavior.ResetStatus; s != errors.StatusSuccess {
		inst.fail("pv_rhino_reset", e.behavior.StackDepth)
		stack[0] = status(s)
		return
	}
	inst.stats.Resets++
	inst.frames = 0
	inst.finalized = false
	inst.understood = false
	inst.intent = 0
	stack[0] = status(errors.StatusSuccess)
}

func hostContextInfo(e *Engine, _ context.Context, mod api.Module, stack []uint64) {
	inst := e.enter(mod, "pv_rhino_context_info")
	defer e.mu.Unlock()

	if s, ok := checkObject(inst, "pv_rhino_context_info", uint32(stack[0])); !ok {
		stack[0] = s
		return
	}
	ptr := inst.staticString(mod, "context", e.behavior.ContextInfo)
	mod.Memory().WriteUint32Le(uint32(stack[1]), ptr)
	stack[0] = status(errors.StatusSuccess)
}

func hostVersion(e *Engine, _ context.Context, mod api.Module, stack []uint64) {
	inst := e.enter(mod, "pv_rhino_version")
	defer e.mu.Unlock()
	stack[0] = uint64(inst.staticString(mod, "version", e.behavior.Version))
}

func hostFrameLength(e *Engine, _ context.Context, mod api.Module, stack []uint64) {
	e.enter(mod, "pv_rhino_frame_length")
	defer e.mu.Unlock()
	stack[0] = uint64(uint32(e.behavior.FrameLength))
}

func hostSampleRate(e *Engine, _ context.Context, mod api.Module, stack []uint64) {
	e.enter(mod, "pv_sample_rate")
	defer e.mu.Unlock()
	stack[0] = uint64(uint32(e.behavior.SampleRate))
}

func hostGetErrorStack(e *Engine, _ context.Context, mod api.Module, stack []uint64) {
	inst := e.enter(mod, "pv_get_error_stack")
	defer e.mu.Unlock()

	if e.behavior.FailErrorStack {
		stack[0] = status(errors.StatusRuntimeError)
		return
	}
	arr := inst.nativeArray(mod, inst.lastError, -1)
	if arr == 0 {
		stack[0] = status(errors.StatusOutOfMemory)
		return
	}
	mem := mod.Memory()
	mem.WriteUint32Le(uint32(stack[0]), arr)
	mem.WriteUint32Le(uint32(stack[1]), uint32(len(inst.lastError)))
	inst.lastError = nil
	stack[0] = status(errors.StatusSuccess)
}

func hostFreeErrorStack(e *Engine, _ context.Context, mod api.Module, stack []uint64) {
	inst := e.enter(mod, "pv_free_error_stack")
	defer e.mu.Unlock()

	arr := uint32(stack[0])
	if _, ok := inst.native[arr]; !ok {
		inst.stats.BadFrees++
		return
	}
	delete(inst.native, arr)
}

func hostSetSDK(e *Engine, _ context.Context, mod api.Module, stack []uint64) {
	inst := e.enter(mod, "pv_set_sdk")
	defer e.mu.Unlock()
	inst.stats.SDK = readString(mod, uint32(stack[0]))
}

func hostStatusToString(e *Engine, _ context.Context, mod api.Module, stack []uint64) {
	inst := e.enter(mod, "pv_status_to_string")
	defer e.mu.Unlock()
	s := errors.Status(int32(uint32(stack[0])))
	name := s.String()
	if !s.Known() {
		name = fmt.Sprintf("ENGINE_STATUS_%d", int32(s))
	}
	stack[0] = uint64(inst.staticString(mod, "status:"+name, name))
}
