package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	ports "github.com/ZanzyTHEbar/toolchat/tchat/generation/harness/ports"
)

// ErrRegistrySealed is returned by Register once the registry is closed.
var ErrRegistrySealed = errors.New("tool registry is sealed")

// Descriptor is a registered tool with its compiled input schema.
type Descriptor struct {
	Name        string
	Description string
	Schema      []byte
	Tool        ports.Tool
	Idempotent  bool

	validator    *JSONValidator
	argValidator ports.ArgValidator
}

// Spec converts the descriptor to the declaration sent to the model.
func (d *Descriptor) Spec() ports.ToolSpec {
	return ports.ToolSpec{Name: d.Name, Description: d.Description, JSONSchema: d.Schema}
}

// CallObserver is notified after every tool call, e.g. for metrics.
type CallObserver func(tool string, res ports.ToolResult, elapsed time.Duration)

// Registry maps tool names to descriptors. Tools are registered at init;
// Seal closes it, after which it is read-only and safe to share between
// sessions without locking.
type Registry struct {
	mu       sync.RWMutex
	tools    map[string]*Descriptor
	order    []string
	sealed   atomic.Bool
	timeout  time.Duration
	retry    RetryConfig
	observer CallObserver
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithToolTimeout bounds every tool invocation.
func WithToolTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) { r.timeout = d }
}

// WithRetry sets the retry policy for idempotent tools.
func WithRetry(cfg RetryConfig) RegistryOption {
	return func(r *Registry) { r.retry = cfg }
}

// WithCallObserver installs a post-call hook.
func WithCallObserver(fn CallObserver) RegistryOption {
	return func(r *Registry) { r.observer = fn }
}

// NewRegistry creates an empty, open registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:   make(map[string]*Descriptor),
		timeout: 30 * time.Second,
		retry:   DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a tool. Names must be unique and the schema must compile.
func (r *Registry) Register(tool ports.Tool) error {
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	name := tool.Name()
	if name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}

	validator, err := NewJSONValidator(tool.Schema())
	if err != nil {
		return fmt.Errorf("tool %s: %w", name, err)
	}
	d := &Descriptor{
		Name:        name,
		Description: tool.Description(),
		Schema:      tool.Schema(),
		Tool:        tool,
		validator:   validator,
	}
	if av, ok := tool.(ports.ArgValidator); ok {
		d.argValidator = av
	}
	if id, ok := tool.(ports.Idempotent); ok {
		d.Idempotent = id.Idempotent()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed.Load() {
		return ErrRegistrySealed
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %s already registered", name)
	}
	r.tools[name] = d
	r.order = append(r.order, name)
	return nil
}

// MustRegister registers tools and panics on error. For init-time wiring.
func (r *Registry) MustRegister(tools ...ports.Tool) *Registry {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
	return r
}

// Seal closes the registry to further registration.
func (r *Registry) Seal() { r.sealed.Store(true) }

// Sealed reports whether the registry is closed.
func (r *Registry) Sealed() bool { return r.sealed.Load() }

func (r *Registry) lookup(name string) (*Descriptor, bool) {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	d, ok := r.tools[name]
	return d, ok
}

// Resolve returns the descriptor for name or ErrUnknownTool.
func (r *Registry) Resolve(name string) (*Descriptor, error) {
	d, ok := r.lookup(name)
	if !ok {
		return nil, ports.NewError(ports.CodeUnknownTool, "%s", name)
	}
	return d, nil
}

// Validate checks raw input against the tool's schema and allow-list and
// returns the normalised arguments, or SchemaMismatch.
func (r *Registry) Validate(name string, raw json.RawMessage) (json.RawMessage, error) {
	d, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	if err := d.validator.Validate(raw); err != nil {
		return nil, ports.WrapError(ports.CodeSchemaMismatch, err, "invalid arguments for "+name)
	}
	if d.argValidator != nil {
		if err := d.argValidator.ValidateArgs(raw); err != nil {
			var typed *ports.Error
			if errors.As(err, &typed) && typed.Code == ports.CodeSchemaMismatch {
				return nil, typed
			}
			return nil, ports.WrapError(ports.CodeSchemaMismatch, err, "arguments rejected for "+name)
		}
	}
	return raw, nil
}

// Specs lists tool declarations in registration order.
func (r *Registry) Specs() []ports.ToolSpec {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	specs := make([]ports.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		specs = append(specs, r.tools[name].Spec())
	}
	return specs
}

// Names lists registered tool names, sorted.
func (r *Registry) Names() []string {
	if !r.sealed.Load() {
		r.mu.RLock()
		defer r.mu.RUnlock()
	}
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}

// Call resolves, validates and invokes a tool. The handler only runs on
// validated input; every outcome, including a handler panic, is a
// ToolResult.
func (r *Registry) Call(ctx context.Context, name string, raw json.RawMessage) ports.ToolResult {
	start := time.Now()
	res := r.call(ctx, name, raw)
	if r.observer != nil {
		r.observer(name, res, time.Since(start))
	}
	return res
}

func (r *Registry) call(ctx context.Context, name string, raw json.RawMessage) ports.ToolResult {
	d, err := r.Resolve(name)
	if err != nil {
		return ports.Fail(err)
	}
	args, err := r.Validate(name, raw)
	if err != nil {
		return ports.Fail(err)
	}

	cfg := RetryConfig{Attempts: 1}
	if d.Idempotent {
		cfg = r.retry
	}
	return retryResult(ctx, cfg, func(int) ports.ToolResult {
		return r.invoke(ctx, d, args)
	})
}

func (r *Registry) invoke(ctx context.Context, d *Descriptor, args json.RawMessage) (res ports.ToolResult) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			res = ports.Fail(ports.NewError(ports.CodeUpstreamRejected, "tool %s panicked: %v", d.Name, p))
		}
	}()

	res = d.Tool.Invoke(callCtx, args)
	if res.Err != nil && callCtx.Err() != nil && res.Err.Code != ports.CodeUpstreamTimeout {
		res = ports.Fail(ports.WrapError(ports.CodeUpstreamTimeout, callCtx.Err(), d.Name))
	}
	return res
}
