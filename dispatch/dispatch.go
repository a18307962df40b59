// Package dispatch delivers batch and metadata jobs to named handlers, either
// on the calling goroutine or through a work queue.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	jsoniter "github.com/json-iterator/go"

	"github.com/baldanca/firehose-ingestor/record"
)

var (
	ErrUnknownHandler = errors.New("unknown handler")
	ErrQueueClosed    = errors.New("queue closed")
)

var codec = jsoniter.Config{
	EscapeHTML:  false,
	SortMapKeys: true,
	UseNumber:   true,
}.Froze()

// Job is one unit of deferred work. It only holds plain data so it can cross
// process boundaries; Handler names the function that will run it.
type Job struct {
	Handler  string              `json:"handler"`
	Stream   string              `json:"stream"`
	Batch    []record.DataRecord `json:"batch,omitempty"`
	Metadata *record.Metadata    `json:"metadata,omitempty"`
}

func (j Job) Marshal() ([]byte, error) {
	return codec.Marshal(j)
}

func UnmarshalJob(b []byte) (Job, error) {
	var j Job
	if err := codec.Unmarshal(b, &j); err != nil {
		return Job{}, fmt.Errorf("decode job: %w", err)
	}
	if j.Handler == "" {
		return Job{}, errors.New("decode job: missing handler")
	}
	return j, nil
}

type Handler interface {
	Handle(ctx context.Context, job Job) error
}

type HandlerFunc func(ctx context.Context, job Job) error

func (f HandlerFunc) Handle(ctx context.Context, job Job) error { return f(ctx, job) }

// Registry maps handler names to handlers. Producers and workers must agree
// on the names; registering is usually done once at startup.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to h, replacing any previous binding.
func (r *Registry) Register(name string, h Handler) {
	if name == "" || h == nil {
		panic("dispatch: handler name and handler are required")
	}
	r.mu.Lock()
	r.handlers[name] = h
	r.mu.Unlock()
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	return h, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	out := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		out = append(out, name)
	}
	r.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Handle runs the handler named by job.Handler.
func (r *Registry) Handle(ctx context.Context, job Job) error {
	h, ok := r.Lookup(job.Handler)
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownHandler, job.Handler)
	}
	return h.Handle(ctx, job)
}

// Queue accepts jobs for asynchronous execution. Enqueue returns once the job
// is accepted; it never waits for the job to run.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
}

// Mode selects inline or deferred execution. The zero Mode is inline.
type Mode struct {
	queue Queue
}

func Inline() Mode { return Mode{} }

// Deferred hands every job to q.
func Deferred(q Queue) Mode {
	if q == nil {
		panic("dispatch: deferred mode needs a queue")
	}
	return Mode{queue: q}
}

func (m Mode) IsDeferred() bool { return m.queue != nil }

func (m Mode) String() string {
	if m.IsDeferred() {
		return "deferred"
	}
	return "inline"
}

type Dispatcher struct {
	mode     Mode
	registry *Registry
}

func NewDispatcher(mode Mode, registry *Registry) *Dispatcher {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Dispatcher{mode: mode, registry: registry}
}

func (d *Dispatcher) Mode() Mode { return d.mode }

// Dispatch runs job now (inline) or enqueues it (deferred). In deferred mode
// only enqueue failures are reported.
func (d *Dispatcher) Dispatch(ctx context.Context, job Job) error {
	if d.mode.IsDeferred() {
		if err := d.mode.queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("enqueue %s: %w", job.Handler, err)
		}
		return nil
	}
	return d.registry.Handle(ctx, job)
}
