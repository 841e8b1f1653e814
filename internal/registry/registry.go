// Package registry maintains the process-local mapping from job names to job
// descriptors. Jobs are registered explicitly at init time; there is no path
// scanning or dynamic loading.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Type categorizes jobs as one-shot or scheduler-generated periodic jobs.
type Type string

const (
	// TypeRegular is a job executed once per request.
	TypeRegular Type = "regular"
	// TypePeriodic is a job materialised by the scheduler at its cadence.
	TypePeriodic Type = "periodic"
)

// Enqueuer is the slice of the task engine a job body may use to queue
// follow-up work.
type Enqueuer interface {
	RunJob(ctx context.Context, jobname string, args []any, kwargs map[string]any) (string, error)
}

// WorkerRef is the slice of the hosting worker visible to a job body.
type WorkerRef interface {
	Running() bool
}

// Consumer is the per-task scope handed to a job body. It carries references
// to the engine, the hosting worker, the task id, and the job descriptor,
// and exists only for the duration of one execution.
type Consumer struct {
	Backend Enqueuer
	Worker  WorkerRef
	TaskID  string
	Job     *Descriptor
}

// Handler is a job body. It runs on a compute worker, never on the event
// loop. Returning model.ErrTaskTimeout (or an error wrapping it) marks the
// task revoked rather than failed.
type Handler func(ctx context.Context, c *Consumer, args []any, kwargs map[string]any) (any, error)

// OverlapFunc decides per invocation whether a job tolerates overlapping
// runs.
type OverlapFunc func(args []any, kwargs map[string]any) bool

// Descriptor describes one registered job.
type Descriptor struct {
	// Name is the registry key.
	Name string
	// Doc is a short human description used by job listings.
	Doc string
	// Type is regular or periodic.
	Type Type
	// RunEvery is the cadence for periodic jobs.
	RunEvery time.Duration
	// Anchor optionally pins periodic fire times to a wall-clock grid.
	Anchor *time.Time
	// Timeout bounds a single run; it doubles as the default expiry.
	Timeout time.Duration
	// CanOverlap allows concurrent runs of the same job.
	CanOverlap bool
	// CanOverlapFunc, when set, decides overlap per invocation and takes
	// precedence over CanOverlap.
	CanOverlapFunc OverlapFunc
	// RandomID switches task id generation from deterministic hashing to
	// random ids, so identical requests never collide.
	RandomID bool
	// MakeTaskID overrides id generation entirely.
	MakeTaskID func(args []any, kwargs map[string]any) string
	// Handler is the job body.
	Handler Handler
}

// TaskID computes the task id for an invocation: the override if set, a
// random id when RandomID, otherwise the deterministic hash of the job name
// and canonicalised arguments.
func (d *Descriptor) TaskID(args []any, kwargs map[string]any) string {
	if d.MakeTaskID != nil {
		return d.MakeTaskID(args, kwargs)
	}
	if d.RandomID {
		return RandomTaskID()
	}
	return DeterministicTaskID(d.Name, args, kwargs)
}

// Overlap reports whether this invocation tolerates overlapping runs.
func (d *Descriptor) Overlap(args []any, kwargs map[string]any) bool {
	if d.CanOverlapFunc != nil {
		return d.CanOverlapFunc(args, kwargs)
	}
	return d.CanOverlap
}

func (d *Descriptor) validate() error {
	if d.Name == "" {
		return errors.New("job name is required")
	}
	if d.Handler == nil {
		return fmt.Errorf("job %q: handler is required", d.Name)
	}
	switch d.Type {
	case TypeRegular, TypePeriodic:
	case "":
		d.Type = TypeRegular
	default:
		return fmt.Errorf("job %q: invalid type %q", d.Name, d.Type)
	}
	if d.Type == TypePeriodic && d.RunEvery <= 0 {
		return fmt.Errorf("job %q: periodic jobs require a positive run_every", d.Name)
	}
	return nil
}

// Registry is a concurrency-safe name -> descriptor map.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Descriptor
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{jobs: make(map[string]*Descriptor)}
}

// Register adds a descriptor to the registry. Registering the same name
// twice is an error.
func (r *Registry) Register(d *Descriptor) error {
	if d == nil {
		return errors.New("descriptor is required")
	}
	if err := d.validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[d.Name]; ok {
		return fmt.Errorf("job %q already registered", d.Name)
	}
	r.jobs[d.Name] = d
	return nil
}

// MustRegister registers a descriptor and panics on error. Intended for
// init-time registration in job modules.
func (r *Registry) MustRegister(d *Descriptor) {
	if err := r.Register(d); err != nil {
		panic(fmt.Sprintf("register job: %v", err))
	}
}

// Get returns the descriptor for a job name, or nil when absent.
func (r *Registry) Get(name string) *Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[name]
}

// Contains reports whether a job name is registered.
func (r *Registry) Contains(name string) bool {
	return r.Get(name) != nil
}

// Names returns all registered job names in unspecified order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.jobs))
	for name := range r.jobs {
		names = append(names, name)
	}
	return names
}

// FilterType returns the descriptors of the given type.
func (r *Registry) FilterType(t Type) []*Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Descriptor
	for _, d := range r.jobs {
		if d.Type == t {
			out = append(out, d)
		}
	}
	return out
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

var defaultRegistry = New()

// Default returns the process-local default registry.
func Default() *Registry {
	return defaultRegistry
}

// Register adds a descriptor to the default registry.
func Register(d *Descriptor) error {
	return defaultRegistry.Register(d)
}

// MustRegister registers into the default registry and panics on error.
func MustRegister(d *Descriptor) {
	defaultRegistry.MustRegister(d)
}
