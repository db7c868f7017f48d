// Package modreg resolves dynamically loaded service modules by name,
// caching the result so a given module's .so is opened at most once.
// Go's standard library has no dlopen/dlsym; the plugin package is the
// direct idiomatic replacement, resolving the same four symbols
// (<name>_create, _init, _free, _signal) the original loader expected
// from a shared object.
package modreg

import (
	"fmt"
	"plugin"
	"strings"

	"actorbus/internal/syncutil"
)

const maxModules = 256

// CreateFunc returns a fresh module instance.
type CreateFunc func() interface{}

// InitFunc initializes inst with ctx (the handle of the owning service)
// and a free-form parameter string, reporting success.
type InitFunc func(inst interface{}, ctx uint32, param string) error

// FreeFunc releases inst.
type FreeFunc func(inst interface{})

// SignalFunc delivers an out-of-band signal to a running instance.
type SignalFunc func(inst interface{}, sig int)

// Module is a resolved module's symbol table.
type Module struct {
	Name   string
	Create CreateFunc
	Init   InitFunc
	Free   FreeFunc
	Signal SignalFunc
}

// Registry resolves and caches modules by name. Path is a semicolon
// separated list of "?"-templated search patterns, e.g.
// "./?.so;./?/init.so", exactly like the original loader's module path.
type Registry struct {
	lock    syncutil.RWLock
	path    string
	modules map[string]*Module
	order   []string
}

// New returns a Registry that searches path for modules.
func New(path string) *Registry {
	return &Registry{
		path:    path,
		modules: make(map[string]*Module),
	}
}

// Query resolves name to a Module, opening and caching its plugin on the
// first call. Subsequent calls return the cached Module without touching
// the filesystem.
func (r *Registry) Query(name string) (*Module, error) {
	r.lock.RLock()
	if m, ok := r.modules[name]; ok {
		r.lock.RUnlock()
		return m, nil
	}
	r.lock.RUnlock()

	r.lock.WLock()
	defer r.lock.WUnlock()

	if m, ok := r.modules[name]; ok {
		return m, nil
	}
	if len(r.modules) >= maxModules {
		return nil, fmt.Errorf("modreg: module table full (max %d)", maxModules)
	}

	p, err := r.open(name)
	if err != nil {
		return nil, err
	}
	m, err := loadSymbols(name, p)
	if err != nil {
		return nil, err
	}
	r.modules[name] = m
	r.order = append(r.order, name)
	return m, nil
}

// open walks the semicolon-separated, "?"-templated search path trying to
// open name's plugin, mirroring the original's try_open.
func (r *Registry) open(name string) (*plugin.Plugin, error) {
	var lastErr error
	for _, pattern := range strings.Split(r.path, ";") {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		if !strings.Contains(pattern, "?") {
			lastErr = fmt.Errorf("modreg: malformed search pattern %q (missing '?')", pattern)
			continue
		}
		candidate := strings.Replace(pattern, "?", name, 1)
		p, err := plugin.Open(candidate)
		if err == nil {
			return p, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("modreg: empty search path")
	}
	return nil, fmt.Errorf("modreg: could not open module %q: %w", name, lastErr)
}

func loadSymbols(name string, p *plugin.Plugin) (*Module, error) {
	initSym, err := p.Lookup(name + "_init")
	if err != nil {
		return nil, fmt.Errorf("modreg: module %q has no %s_init symbol: %w", name, name, err)
	}
	initFn, ok := initSym.(func(interface{}, uint32, string) error)
	if !ok {
		return nil, fmt.Errorf("modreg: module %q's %s_init has the wrong signature", name, name)
	}

	m := &Module{Name: name, Init: initFn}

	if sym, err := p.Lookup(name + "_create"); err == nil {
		if fn, ok := sym.(func() interface{}); ok {
			m.Create = fn
		}
	}
	if sym, err := p.Lookup(name + "_free"); err == nil {
		if fn, ok := sym.(func(interface{})); ok {
			m.Free = fn
		}
	}
	if sym, err := p.Lookup(name + "_signal"); err == nil {
		if fn, ok := sym.(func(interface{}, int)); ok {
			m.Signal = fn
		}
	}
	return m, nil
}

// Signal broadcasts sig to every loaded module instance that exposes a
// _signal symbol, used to relay configuration-reload notifications.
func (r *Registry) Signal(inst map[string]interface{}, sig int) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	for name, m := range r.modules {
		if m.Signal == nil {
			continue
		}
		if i, ok := inst[name]; ok {
			m.Signal(i, sig)
		}
	}
}

// Loaded returns the names of every module resolved so far, in load order.
func (r *Registry) Loaded() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
