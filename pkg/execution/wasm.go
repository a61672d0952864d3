package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

// WasmExecutor runs an operator-supplied WebAssembly module as the
// handler for one action type, so deployments can plug custom effectors
// without recompiling the kernel. Deny-by-default: no filesystem, no
// network, no environment; the module reads the action as JSON on stdin
// and writes result JSON on stdout.
type WasmExecutor struct {
	runtime  wazero.Runtime
	config   wazero.ModuleConfig
	module   []byte
	mu       sync.Mutex
	compiled wazero.CompiledModule
}

// WasmConfig tunes the WASM runtime.
type WasmConfig struct {
	// MemoryLimitBytes caps module memory; 0 keeps the runtime default.
	MemoryLimitBytes int64
}

// NewWasmExecutor builds an executor around a compiled module. The module
// is compiled once on first use and cached.
func NewWasmExecutor(ctx context.Context, module []byte, cfg WasmConfig) *WasmExecutor {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg.MemoryLimitBytes > 0 {
		pages := uint32(cfg.MemoryLimitBytes / (64 * 1024))
		if pages == 0 {
			pages = 1
		}
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(pages)
	}
	r := wazero.NewRuntimeWithConfig(ctx, runtimeCfg)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	return &WasmExecutor{
		runtime: r,
		config: wazero.NewModuleConfig().
			WithName("gap-effector").
			WithStartFunctions("_start"),
		module: module,
	}
}

// Handler adapts the executor to the dispatcher's handler signature.
func (w *WasmExecutor) Handler() Handler {
	return func(ctx context.Context, action contracts.PlannedAction) (map[string]any, error) {
		return w.Run(ctx, action)
	}
}

// Run executes the module for one action. A module trap or malformed
// output surfaces as an error, which the dispatcher aggregates into a
// failed action entry.
func (w *WasmExecutor) Run(ctx context.Context, action contracts.PlannedAction) (map[string]any, error) {
	input, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("wasm: encode action: %w", err)
	}

	compiled, err := w.compile(ctx)
	if err != nil {
		return nil, err
	}

	var stdout, stderr bytes.Buffer
	modCfg := w.config.
		WithStdin(bytes.NewReader(input)).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := w.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("wasm: execution canceled: %w", ctx.Err())
		}
		return nil, fmt.Errorf("wasm: module trapped: %w", err)
	}
	defer func() { _ = mod.Close(ctx) }()

	if stderr.Len() > 0 {
		return nil, fmt.Errorf("wasm: effector error: %s", stderr.String())
	}

	var result map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("wasm: malformed effector output: %w", err)
	}
	return result, nil
}

func (w *WasmExecutor) compile(ctx context.Context) (wazero.CompiledModule, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.compiled != nil {
		return w.compiled, nil
	}
	compiled, err := w.runtime.CompileModule(ctx, w.module)
	if err != nil {
		return nil, fmt.Errorf("wasm: compile module: %w", err)
	}
	w.compiled = compiled
	return compiled, nil
}

// Close releases the runtime and any cached compilation.
func (w *WasmExecutor) Close(ctx context.Context) error {
	return w.runtime.Close(ctx) //nolint:wrapcheck
}
