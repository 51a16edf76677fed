// Copyright 2019 Modryn, Inc.
// This software is released under an MIT/X11 open source license.

// Package dispatch routes method calls onto their execution strategy.
//
// Services register their methods once at startup; the registry
// resolves dotted "service.method" names and records, at registration
// time, how each method runs: inline, on the process pool, or wrapped
// in a job.  The Middleware object owns the registry, the job queue,
// the event bus, and the process pool, and is the single entry point
// for dispatching calls.
package dispatch

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/modryn/go-dispatch/errors"
	"github.com/modryn/go-dispatch/job"
)

// Mode is a method's execution strategy, fixed at registration.
type Mode int

const (
	// ModeInline runs the handler directly on the calling
	// goroutine, bounded by the connection call semaphore.
	ModeInline Mode = iota
	// ModeProcessPool runs the handler in a pooled worker process.
	ModeProcessPool
	// ModeJob wraps the call in a queued job and returns its id.
	ModeJob
)

func (m Mode) String() string {
	switch m {
	case ModeInline:
		return "inline"
	case ModeProcessPool:
		return "process-pool"
	case ModeJob:
		return "job"
	default:
		return "unknown"
	}
}

// Call carries everything a handler may need beyond its positional
// arguments.  Session is nil for internal calls; Job is non-nil only
// while running inside a job body.
type Call struct {
	Method  string
	Args    []interface{}
	Session Session
	Job     *job.Job
}

// Handler implements one method.
type Handler func(ctx context.Context, call *Call) (interface{}, error)

// Method describes one registerable method.
type Method struct {
	// Name is the bare method name, without the service prefix.
	Name string
	// NoAuth methods may be called before authentication.
	NoAuth bool
	// Private methods are hidden from core.get_methods-style
	// enumeration but remain callable.
	Private bool
	// Job, when non-nil, makes the method run as a queued job
	// with these options.
	Job *job.Options
	// Handler is the method body.
	Handler Handler
}

// ServiceConfig is the per-service registration metadata.
type ServiceConfig struct {
	// Name is the service prefix, e.g. "core" in "core.ping".
	Name string
	// ProcessPool routes every non-job method of this service,
	// and the bodies of its jobs, through the worker process pool.
	ProcessPool bool
	// TerminateTimeout bounds this service's teardown hook during
	// shutdown.  Zero means the 10s default.
	TerminateTimeout time.Duration
}

// Service is anything that can be registered for dispatch.
type Service interface {
	Config() ServiceConfig
	Methods() []*Method
}

// Terminator is an optional teardown hook run during shutdown.
type Terminator interface {
	Terminate(ctx context.Context) error
}

// Registered is a resolved method: the metadata plus the execution
// mode computed once when its service registered.
type Registered struct {
	*Method
	FullName string
	Service  Service
	Conf     ServiceConfig
	Mode     Mode
}

// Registry maps dotted method names to registered methods.  All
// registration happens at startup; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
	methods  map[string]*Registered
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		services: make(map[string]Service),
		methods:  make(map[string]*Registered),
	}
}

// Register adds a service and all its methods.  Duplicate service
// names, duplicate method names, and invalid method definitions are
// rejected here, not at call time.
func (r *Registry) Register(svc Service) error {
	conf := svc.Config()
	if conf.Name == "" {
		return fmt.Errorf("service has no name")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.services[conf.Name]; ok {
		return fmt.Errorf("service %q is already registered", conf.Name)
	}

	added := make([]string, 0)
	rollback := func() {
		for _, name := range added {
			delete(r.methods, name)
		}
	}
	for _, m := range svc.Methods() {
		if m.Name == "" || m.Handler == nil {
			rollback()
			return fmt.Errorf("service %q has a method with no name or handler", conf.Name)
		}
		full := conf.Name + "." + m.Name
		if _, ok := r.methods[full]; ok {
			rollback()
			return fmt.Errorf("method %q is already registered", full)
		}
		mode := ModeInline
		switch {
		case m.Job != nil:
			mode = ModeJob
		case conf.ProcessPool:
			mode = ModeProcessPool
		}
		r.methods[full] = &Registered{
			Method:   m,
			FullName: full,
			Service:  svc,
			Conf:     conf,
			Mode:     mode,
		}
		added = append(added, full)
	}
	r.services[conf.Name] = svc
	return nil
}

// Resolve looks a dotted name up, splitting on the last dot.
func (r *Registry) Resolve(name string) (*Registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m, ok := r.methods[name]
	if ok {
		return m, nil
	}
	i := strings.LastIndex(name, ".")
	if i < 0 {
		return nil, &errors.MethodNotFoundError{Service: "", Method: name}
	}
	service, method := name[:i], name[i+1:]
	if _, ok := r.services[service]; !ok {
		return nil, &errors.MethodNotFoundError{Service: service, Method: method}
	}
	return nil, &errors.MethodNotFoundError{Service: service, Method: method}
}

// Services returns the registered services keyed by name.
func (r *Registry) Services() map[string]Service {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Service, len(r.services))
	for name, svc := range r.services {
		out[name] = svc
	}
	return out
}

// MethodNames returns every public method name, sorted.
func (r *Registry) MethodNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.methods))
	for name, m := range r.methods {
		if !m.Private {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}
