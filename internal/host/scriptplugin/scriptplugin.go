// Package scriptplugin runs a declarative package's JS entry script as a
// sandbox plugin. The script exports lifecycle hooks (onLoad, onEnable,
// onDisable, onUnload) that the host invokes.
package scriptplugin

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/dop251/goja"
)

var hookNames = []string{"onLoad", "onEnable", "onDisable", "onUnload"}

// ScriptPlugin is a JS plugin instance. The underlying VM is single-threaded;
// hook calls are serialized by a mutex.
type ScriptPlugin struct {
	Name     string
	FilePath string
	Source   string

	mu    sync.Mutex
	vm    *goja.Runtime
	hooks map[string]goja.Callable
}

// Option configures script loading.
type Option func(*loadConfig)

type loadConfig struct {
	logger *log.Logger
}

// WithLogger wires a logger into the script's global log(...) function.
func WithLogger(logger *log.Logger) Option {
	return func(c *loadConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Load reads and evaluates a JS entry script from disk.
func Load(path string, opts ...Option) (*ScriptPlugin, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("script plugin: read %s: %w", path, err)
	}

	plugin, err := LoadSource(filepath.Base(path), string(data), opts...)
	if err != nil {
		return nil, err
	}
	plugin.FilePath = path
	return plugin, nil
}

// LoadSource evaluates a JS entry script and resolves its exported hooks.
// At least one lifecycle hook must be exported.
func LoadSource(name, source string, opts ...Option) (*ScriptPlugin, error) {
	cfg := loadConfig{logger: log.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}

	vm := goja.New()
	exports := vm.NewObject()
	module := vm.NewObject()
	module.Set("exports", exports)
	vm.Set("module", module)
	vm.Set("exports", exports)
	vm.Set("log", func(call goja.FunctionCall) goja.Value {
		args := make([]interface{}, 0, len(call.Arguments))
		for _, arg := range call.Arguments {
			args = append(args, arg.Export())
		}
		cfg.logger.Printf("[ScriptPlugin] %s: %v", name, args)
		return goja.Undefined()
	})

	if _, err := vm.RunString(source); err != nil {
		return nil, fmt.Errorf("script plugin: execute %s: %w", name, err)
	}

	// Scripts may replace module.exports wholesale.
	if moduleExports := module.Get("exports"); moduleExports != nil {
		exports = moduleExports.ToObject(vm)
	}

	plugin := &ScriptPlugin{
		Name:   name,
		Source: source,
		vm:     vm,
		hooks:  make(map[string]goja.Callable),
	}

	if exported := exports.Get("name"); exported != nil && !goja.IsUndefined(exported) {
		plugin.Name = exported.String()
	}

	for _, hook := range hookNames {
		value := exports.Get(hook)
		if value == nil || goja.IsUndefined(value) {
			continue
		}
		fn, ok := goja.AssertFunction(value)
		if !ok {
			return nil, fmt.Errorf("script plugin %s: %s must be a function", plugin.Name, hook)
		}
		plugin.hooks[hook] = fn
	}

	if len(plugin.hooks) == 0 {
		return nil, fmt.Errorf("script plugin %s: no lifecycle hooks exported", plugin.Name)
	}

	return plugin, nil
}

// OnLoad implements the host lifecycle contract.
func (p *ScriptPlugin) OnLoad(ctx context.Context) error { return p.call(ctx, "onLoad") }

// OnEnable implements the host lifecycle contract.
func (p *ScriptPlugin) OnEnable(ctx context.Context) error { return p.call(ctx, "onEnable") }

// OnDisable implements the host lifecycle contract.
func (p *ScriptPlugin) OnDisable(ctx context.Context) error { return p.call(ctx, "onDisable") }

// OnUnload implements the host lifecycle contract.
func (p *ScriptPlugin) OnUnload(ctx context.Context) error { return p.call(ctx, "onUnload") }

// call invokes one exported hook. A missing hook is a no-op. A context
// cancellation interrupts the running script.
func (p *ScriptPlugin) call(ctx context.Context, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	fn, ok := p.hooks[name]
	if !ok {
		return nil
	}

	watchdogDone := make(chan struct{})
	defer func() {
		close(watchdogDone)
		p.vm.ClearInterrupt()
	}()
	go func() {
		select {
		case <-ctx.Done():
			p.vm.Interrupt(ctx.Err())
		case <-watchdogDone:
		}
	}()

	if _, err := fn(goja.Undefined()); err != nil {
		return fmt.Errorf("script plugin %s: %s: %w", p.Name, name, err)
	}
	return nil
}
