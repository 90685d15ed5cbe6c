// Package policyhost hosts the bytecode policy module that decides which
// columns and statement kinds a connected principal may use (§4.7). The
// module is an ordinary WASM binary loaded with wazero; the host binds a
// minimal, deterministically-failing import set under the "env" module name
// (matching Open Policy Agent's compiled-to-wasm ABI so the same compiler
// toolchain that already targets OPA's runtime can target this one), resolves
// a handful of named entry points, and runs one evaluation per request by
// marshaling JSON into the module's own linear memory and reading the result
// back out of it.
package policyhost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// pageSize is the WASM linear memory page size (64 KiB).
const pageSize = 65536

// minMemoryPages is the minimum linear memory a policy module must declare.
// Five pages (320 KiB) is enough for the request/response JSON payloads this
// host ever exchanges with it — a session's policy decision never approaches
// that size.
const minMemoryPages = 5

// Exported functions a compiled policy module must provide: alloc/dealloc
// give the host a bump allocator inside the module's own memory; parse turns
// a raw JSON buffer into an opaque in-module value handle (used once, at
// evaluator construction, to hand the module an empty data document — this
// host supplies no static data); heapPtrGet/heapPtrSet let the host snapshot
// and rewind the allocator between evaluations instead of tracking every
// dealloc individually; entrypointID resolves a name to the numeric id eval
// expects; eval runs one decision and returns the address of its
// null-terminated JSON result.
const (
	exportAlloc      = "alloc"
	exportDealloc    = "dealloc"
	exportParse      = "parse"
	exportHeapPtrGet = "heap_ptr_get"
	exportHeapPtrSet = "heap_ptr_set"
	exportEntrypoint = "entrypoint_id"
	exportEval       = "eval"
)

// Entry points every policy module must resolve (§4.7). allow reports
// whether the principal may perform a given statement kind at all (evaluated
// once per kind, with Input.Action set); protectedAttributes lists SELECT
// columns to null out; allowedAttributes lists the column allow-list
// applied uniformly across INSERT/UPDATE/COPY.
const (
	EntrypointAllow               = "allow"
	EntrypointProtectedAttributes = "protected_attributes"
	EntrypointAllowedAttributes   = "allowed_attributes"
)

var requiredEntrypoints = []string{EntrypointAllow, EntrypointProtectedAttributes, EntrypointAllowedAttributes}

// Host owns the wazero runtime and the currently active compiled module. A
// single Host is shared by every session; each session obtains its own
// Evaluator, since the spec requires evaluators be single-threaded and
// non-reentrant per session while the underlying compiled module (the
// expensive, validated artifact) is safely shared read-only across
// concurrent instantiations.
type Host struct {
	runtime wazero.Runtime

	mu      sync.RWMutex
	current wazero.CompiledModule
	version uint64

	logger *slog.Logger
}

// NewHost prepares the runtime and its shared "env" host module, compiling
// the initial policy module if one is supplied. The runtime is shared for
// the process lifetime; Close releases it.
func NewHost(ctx context.Context, initial []byte, logger *slog.Logger) (*Host, error) {
	if logger == nil {
		logger = slog.Default()
	}
	runtime := wazero.NewRuntime(ctx)

	if _, err := buildEnvModule(ctx, runtime, logger); err != nil {
		_ = runtime.Close(ctx)
		return nil, fmt.Errorf("policyhost: build env module: %w", err)
	}

	h := &Host{runtime: runtime, logger: logger}

	if len(initial) > 0 {
		if err := h.Reload(ctx, initial); err != nil {
			_ = runtime.Close(ctx)
			return nil, err
		}
	}
	return h, nil
}

// buildEnvModule instantiates the "env" host module. Every builtin the
// compiled policy might reference traps rather than return a value — this
// host provides no data-document or external builtins (HTTP, time-of-day,
// and so on); a module compiled against those is not a policy this proxy can
// run, and the failure must be immediate and deterministic rather than a
// silently wrong decision (§4.7).
func buildEnvModule(ctx context.Context, runtime wazero.Runtime, logger *slog.Logger) (api.Module, error) {
	builder := runtime.NewHostModuleBuilder("env")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, addr uint32) {
			panic(fmt.Sprintf("policyhost: policy module called opa_abort(%q)", readCString(mod, addr)))
		}).
		Export("opa_abort")

	builder.NewFunctionBuilder().
		WithFunc(func(ctx context.Context, mod api.Module, addr uint32) {
			logger.Debug("policy module println", "message", readCString(mod, addr))
		}).
		Export("opa_println")

	for n := 0; n <= 4; n++ {
		params := make([]api.ValueType, 2+n)
		for i := range params {
			params[i] = api.ValueTypeI32
		}
		name := fmt.Sprintf("opa_builtin%d", n)
		builder.NewFunctionBuilder().
			WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
				panic(fmt.Sprintf("policyhost: policy module invoked unsupported builtin id=%d", uint32(stack[0])))
			}), params, []api.ValueType{api.ValueTypeI32}).
			Export(name)
	}

	return builder.Instantiate(ctx)
}

// readCString reads a NUL-terminated string out of mod's memory starting at
// addr, stopping at the first unmapped byte or a generous cap — used both
// for opa_abort/opa_println diagnostic text and for reading an eval result,
// where a runaway policy returning an unterminated buffer must not hang the
// host.
func readCString(mod api.Module, addr uint32) string {
	mem := mod.Memory()
	if mem == nil {
		return ""
	}
	const maxLen = 1 << 20
	b := make([]byte, 0, 64)
	for i := uint32(0); i < maxLen; i++ {
		c, ok := mem.ReadByte(addr + i)
		if !ok || c == 0 {
			break
		}
		b = append(b, c)
	}
	return string(b)
}

// Reload compiles a new policy module and, once it validates (exports
// present, memory large enough, entry points resolvable via a throwaway
// instantiation), atomically becomes the module every new Evaluator is built
// from. In-flight Evaluators keep using the module they were built with —
// the spec's rebuild-not-mutate rule (§5): policy bytes are a value, never
// patched in place.
func (h *Host) Reload(ctx context.Context, wasmBytes []byte) error {
	compiled, err := h.runtime.CompileModule(ctx, wasmBytes)
	if err != nil {
		return fmt.Errorf("policyhost: compile: %w", err)
	}

	if err := h.validate(ctx, compiled); err != nil {
		_ = compiled.Close(ctx)
		return err
	}

	h.mu.Lock()
	old := h.current
	h.current = compiled
	h.version++
	h.mu.Unlock()

	if old != nil {
		_ = old.Close(ctx)
	}
	return nil
}

// validate instantiates compiled once, throwaway, purely to confirm the
// required exports are present and resolvable before committing to it as the
// active policy — a module that fails this never displaces a working one.
func (h *Host) validate(ctx context.Context, compiled wazero.CompiledModule) error {
	mod, err := h.runtime.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return fmt.Errorf("policyhost: validate: instantiate: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	mem := mod.Memory()
	if mem == nil || mem.Size()/pageSize < minMemoryPages {
		return fmt.Errorf("policyhost: validate: module declares less than %d pages of memory", minMemoryPages)
	}

	for _, name := range []string{exportAlloc, exportDealloc, exportParse, exportHeapPtrGet, exportHeapPtrSet, exportEntrypoint, exportEval} {
		if mod.ExportedFunction(name) == nil {
			return fmt.Errorf("policyhost: validate: module does not export %q", name)
		}
	}

	for _, ep := range requiredEntrypoints {
		id, err := resolveEntrypoint(ctx, mod, ep)
		if err != nil {
			return fmt.Errorf("policyhost: validate: entry point %q: %w", ep, err)
		}
		if id < 0 {
			return fmt.Errorf("policyhost: validate: module does not expose entry point %q", ep)
		}
	}
	return nil
}

// Version reports the generation counter of the currently active module,
// incremented on every successful Reload — used by callers (the handler's
// policy watcher, §4.8.2) to detect that a session's evaluator is stale and
// due for a swap.
func (h *Host) Version() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.version
}

// NewEvaluator instantiates a fresh, exclusively-owned module instance from
// the currently active compiled policy for one session. Wazero instantiation
// of an already-compiled module is cheap (no re-validation of bytecode), so a
// new instance per session is the natural way to satisfy "single-threaded,
// non-reentrant evaluator per session" without any locking inside Evaluator
// itself.
func (h *Host) NewEvaluator(ctx context.Context, sessionID string) (*Evaluator, error) {
	h.mu.RLock()
	compiled := h.current
	version := h.version
	h.mu.RUnlock()

	if compiled == nil {
		return nil, fmt.Errorf("policyhost: no policy module loaded")
	}

	mod, err := h.runtime.InstantiateModule(ctx, compiled,
		wazero.NewModuleConfig().WithName(sessionID))
	if err != nil {
		return nil, fmt.Errorf("policyhost: instantiate for session %s: %w", sessionID, err)
	}

	ep := make(map[string]int32, len(requiredEntrypoints))
	for _, name := range requiredEntrypoints {
		id, err := resolveEntrypoint(ctx, mod, name)
		if err != nil {
			_ = mod.Close(ctx)
			return nil, fmt.Errorf("policyhost: resolve entry point %q: %w", name, err)
		}
		ep[name] = id
	}

	heapBase, err := callI32(ctx, mod, exportHeapPtrGet)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, fmt.Errorf("policyhost: read initial heap pointer: %w", err)
	}

	dataHandle, err := callI32(ctx, mod, exportParse, 0, 0)
	if err != nil {
		_ = mod.Close(ctx)
		return nil, fmt.Errorf("policyhost: parse empty data document: %w", err)
	}

	return &Evaluator{
		mod:           mod,
		entrypoints:   ep,
		heapBase:      heapBase,
		dataHandle:    dataHandle,
		policyVersion: version,
	}, nil
}

// Close releases the runtime and every compiled module it holds.
func (h *Host) Close(ctx context.Context) error {
	return h.runtime.Close(ctx)
}

// resolveEntrypoint asks the module to translate an entry-point name into
// the numeric id eval() expects, by writing the name into the module's own
// memory and calling its entrypoint_id export. A negative result means the
// module does not implement that entry point.
func resolveEntrypoint(ctx context.Context, mod api.Module, name string) (int32, error) {
	alloc := mod.ExportedFunction(exportAlloc)
	nameBytes := []byte(name)

	res, err := alloc.Call(ctx, uint64(len(nameBytes)))
	if err != nil {
		return 0, fmt.Errorf("alloc: %w", err)
	}
	ptr := uint32(res[0])

	mem := mod.Memory()
	if !mem.Write(ptr, nameBytes) {
		return 0, fmt.Errorf("write entry point name out of bounds")
	}

	idFn := mod.ExportedFunction(exportEntrypoint)
	idRes, err := idFn.Call(ctx, uint64(ptr), uint64(len(nameBytes)))
	if err != nil {
		return 0, fmt.Errorf("entrypoint_id: %w", err)
	}

	dealloc := mod.ExportedFunction(exportDealloc)
	_, _ = dealloc.Call(ctx, uint64(ptr), uint64(len(nameBytes)))

	return int32(idRes[0]), nil
}

func callI32(ctx context.Context, mod api.Module, name string, args ...uint64) (int32, error) {
	fn := mod.ExportedFunction(name)
	if fn == nil {
		return 0, fmt.Errorf("module does not export %q", name)
	}
	res, err := fn.Call(ctx, args...)
	if err != nil {
		return 0, err
	}
	return int32(res[0]), nil
}

// Evaluator wraps one session-owned module instance. It is not safe for
// concurrent use — the protocol handler that owns a session only ever calls
// Eval from its single cooperative scheduler goroutine (§4.8, §5).
type Evaluator struct {
	mod           api.Module
	entrypoints   map[string]int32
	heapBase      int32
	dataHandle    int32
	policyVersion uint64
}

// PolicyVersion reports which Host.Reload generation this evaluator was
// built from, so the handler can compare it against Host.Version() to decide
// whether a re-evaluation against a newer policy is due (§4.8.2).
func (e *Evaluator) PolicyVersion() uint64 { return e.policyVersion }

// Close releases the module instance.
func (e *Evaluator) Close(ctx context.Context) error {
	return e.mod.Close(ctx)
}

// Eval marshals input to a null-terminated JSON buffer written into the
// module's own memory, invokes the named entry point, reads the
// null-terminated JSON result back out starting at the address eval
// returns, unmarshals it into out, and rewinds the module's bump allocator
// back to the baseline recorded at instantiation time — reclaiming every
// byte the evaluation allocated without tracking individual frees, since
// nothing about a decision needs to outlive the call that produced it.
//
// The result schema eval always produces is a one-element JSON array whose
// object carries a "result" field (a bool for "allow", a list of
// "db.schema.table[.column]" strings for the attribute entry points); out
// should be a pointer to a type matching the shape of the selected
// entrypoint's "result" field, not the outer array.
func (e *Evaluator) Eval(ctx context.Context, entrypoint string, input any, out any) error {
	id, ok := e.entrypoints[entrypoint]
	if !ok {
		return fmt.Errorf("policyhost: evaluator has no entry point %q", entrypoint)
	}

	payload, err := marshalNullTerminated(input)
	if err != nil {
		return fmt.Errorf("policyhost: marshal input: %w", err)
	}
	jsonLen := len(payload) - 1 // excluding the NUL terminator

	alloc := e.mod.ExportedFunction(exportAlloc)
	res, err := alloc.Call(ctx, uint64(len(payload)))
	if err != nil {
		return fmt.Errorf("policyhost: alloc input: %w", err)
	}
	inPtr := uint32(res[0])

	mem := e.mod.Memory()
	if !mem.Write(inPtr, payload) {
		return fmt.Errorf("policyhost: write input out of bounds")
	}

	heapPtr, err := callI32(ctx, e.mod, exportHeapPtrGet)
	if err != nil {
		return fmt.Errorf("policyhost: read heap pointer: %w", err)
	}

	evalFn := e.mod.ExportedFunction(exportEval)
	evalRes, err := evalFn.Call(ctx, uint64(id), uint64(inPtr), uint64(jsonLen), uint64(uint32(e.dataHandle)), uint64(uint32(heapPtr)))
	if err != nil {
		return fmt.Errorf("policyhost: eval %q: %w", entrypoint, err)
	}

	resultJSON := readCString(e.mod, uint32(evalRes[0]))

	var wrapper [1]struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal([]byte(resultJSON), &wrapper); err != nil {
		return fmt.Errorf("policyhost: unmarshal result envelope of %q: %w", entrypoint, err)
	}
	if out != nil {
		if err := json.Unmarshal(wrapper[0].Result, out); err != nil {
			return fmt.Errorf("policyhost: unmarshal result of %q: %w", entrypoint, err)
		}
	}

	heapSet := e.mod.ExportedFunction(exportHeapPtrSet)
	if _, err := heapSet.Call(ctx, uint64(uint32(e.heapBase))); err != nil {
		return fmt.Errorf("policyhost: rewind heap: %w", err)
	}
	return nil
}

// marshalNullTerminated JSON-encodes v and appends the NUL terminator the
// module-memory protocol requires (§4.7: "via alloc + direct memory write +
// null terminator").
func marshalNullTerminated(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(b, 0), nil
}
