package drm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"sync"
)

// ErrModuleNotFound is returned when no vendor module is available.
var ErrModuleNotFound = errors.New("drm: vendor module not found")

// Vendor module entry points exported by a plugin.
const (
	symbolCreateModule  = "CreateModule"
	symbolDestroyModule = "DestroyModule"
)

// ModuleFactory creates an in-process vendor module.
type ModuleFactory func() (any, error)

var (
	modulesMu sync.RWMutex
	modules   = map[string]ModuleFactory{}
)

// RegisterModule makes a vendor module available under name without a
// plugin file. Platform builds and tests use it.
func RegisterModule(name string, f ModuleFactory) {
	modulesMu.Lock()
	modules[name] = f
	modulesMu.Unlock()
}

// UnregisterModule removes a module registered with RegisterModule.
func UnregisterModule(name string) {
	modulesMu.Lock()
	delete(modules, name)
	modulesMu.Unlock()
}

// LoadModule returns the vendor module called name. Registered factories
// win; otherwise <dir>/<name>.so is opened as a Go plugin exporting
// CreateModule() any and, optionally, DestroyModule(any). The returned
// release function must be called once the module is no longer used.
func LoadModule(name, dir string) (any, func(), error) {
	modulesMu.RLock()
	f, ok := modules[name]
	modulesMu.RUnlock()
	if ok {
		mod, err := f()
		if err != nil {
			return nil, nil, fmt.Errorf("creating module %s: %w", name, err)
		}
		return mod, func() {}, nil
	}

	if dir == "" {
		return nil, nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	path := filepath.Join(dir, name+".so")
	if _, err := os.Stat(path); err != nil {
		return nil, nil, fmt.Errorf("%w: %s: %w", ErrModuleNotFound, path, err)
	}

	p, err := plugin.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("opening module %s: %w", path, err)
	}
	sym, err := p.Lookup(symbolCreateModule)
	if err != nil {
		return nil, nil, fmt.Errorf("module %s: %w", path, err)
	}
	create, ok := sym.(func() any)
	if !ok {
		return nil, nil, fmt.Errorf("module %s: %s has type %T", path, symbolCreateModule, sym)
	}
	mod := create()

	release := func() {}
	if sym, err := p.Lookup(symbolDestroyModule); err == nil {
		if destroy, ok := sym.(func(any)); ok {
			release = func() { destroy(mod) }
		}
	}
	return mod, release, nil
}
