// Package registry holds the whitelisted operation set: the static mapping
// from operation name to risk category, payload schema, handler reference,
// and required intent contract. There is no implicit default: an operation
// that cannot bind a resolvable contract fails to load, and a lookup miss
// is the kernel's first denial. The registry is read-only after load;
// Reload swaps the whole set atomically.
package registry

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/ember6784/archon-ai/pkg/analyzer"
	"github.com/ember6784/archon-ai/pkg/contracts"
	"github.com/ember6784/archon-ai/pkg/intent"
)

// Resolver binds contract references at load time. *intent.Library
// satisfies it.
type Resolver interface {
	ResolveRef(name, constraint string) (*intent.Contract, error)
}

// ContractRef names the contract an operation requires and the semver
// range of acceptable versions.
type ContractRef struct {
	Name       string `yaml:"name" json:"name"`
	Constraint string `yaml:"constraint,omitempty" json:"constraint,omitempty"`
}

// Spec is the manifest form of one whitelisted operation.
type Spec struct {
	Name          string                 `yaml:"name" json:"name"`
	RiskCategory  contracts.RiskCategory `yaml:"risk_category" json:"risk_category"`
	HandlerID     string                 `yaml:"handler" json:"handler"`
	Tier          analyzer.Tier          `yaml:"tier,omitempty" json:"tier,omitempty"`
	Contract      ContractRef            `yaml:"contract" json:"contract"`
	PayloadSchema string                 `yaml:"payload_schema,omitempty" json:"payload_schema,omitempty"`
}

// Operation is a loaded, validated whitelist entry with its schema
// compiled and its contract reference pinned.
type Operation struct {
	Name         string
	RiskCategory contracts.RiskCategory
	HandlerID    string
	Tier         analyzer.Tier
	ContractName string
	schema       *jsonschema.Schema
}

// ValidatePayload checks a request payload against the operation's
// compiled JSON Schema. Operations without a schema accept any payload;
// the contract still applies.
func (o *Operation) ValidatePayload(payload map[string]any) error {
	if o.schema == nil {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if err := o.schema.Validate(normalize(payload)); err != nil {
		return fmt.Errorf("payload rejected by schema for %s: %w", o.Name, err)
	}
	return nil
}

// normalize rewrites payload values into the shapes the schema validator
// expects from decoded JSON.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}

type manifest struct {
	Operations []Spec `yaml:"operations"`
}

// Registry is the loaded whitelist. Lookups are lock-free snapshot reads.
type Registry struct {
	resolver Resolver
	logger   *slog.Logger

	mu      sync.Mutex
	current atomic.Pointer[map[string]*Operation]
}

// New returns an empty registry. Nothing is whitelisted until Load or
// Register succeeds.
func New(resolver Resolver, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		resolver: resolver,
		logger:   logger.With("component", "registry"),
	}
	empty := map[string]*Operation{}
	r.current.Store(&empty)
	return r
}

// Load parses a YAML manifest and installs it, replacing the previous set.
// Any invalid entry rejects the whole manifest; the previous set stays
// live.
func (r *Registry) Load(data []byte) error {
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("registry: parsing manifest: %w", err)
	}
	if len(m.Operations) == 0 {
		return fmt.Errorf("registry: manifest lists no operations")
	}

	next := make(map[string]*Operation, len(m.Operations))
	for _, spec := range m.Operations {
		op, err := r.build(spec)
		if err != nil {
			return err
		}
		if _, dup := next[op.Name]; dup {
			return fmt.Errorf("registry: duplicate operation %q", op.Name)
		}
		next[op.Name] = op
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.current.Store(&next)
	r.logger.Info("operation whitelist installed", "operations", len(next))
	return nil
}

// LoadFile is Load over a manifest file.
func (r *Registry) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("registry: reading manifest: %w", err)
	}
	return r.Load(data)
}

// Register validates and adds a single operation to the live set. Used by
// code-defined defaults and tests; production manifests go through Load.
func (r *Registry) Register(spec Spec) error {
	op, err := r.build(spec)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := *r.current.Load()
	next := make(map[string]*Operation, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[op.Name] = op
	r.current.Store(&next)
	return nil
}

func (r *Registry) build(spec Spec) (*Operation, error) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return nil, fmt.Errorf("registry: operation with empty name")
	}
	if !spec.RiskCategory.Valid() {
		return nil, fmt.Errorf("registry: operation %s: unknown risk category %q", name, spec.RiskCategory)
	}
	if spec.Contract.Name == "" {
		return nil, fmt.Errorf("registry: operation %s names no contract; whitelisting requires one", name)
	}
	if r.resolver == nil {
		return nil, fmt.Errorf("registry: no contract resolver configured")
	}
	bound, err := r.resolver.ResolveRef(spec.Contract.Name, spec.Contract.Constraint)
	if err != nil {
		return nil, fmt.Errorf("registry: operation %s: %w", name, err)
	}

	op := &Operation{
		Name:         name,
		RiskCategory: spec.RiskCategory,
		HandlerID:    spec.HandlerID,
		Tier:         spec.Tier,
		ContractName: bound.Name,
	}
	if spec.PayloadSchema != "" {
		compiled, err := compileSchema(name, spec.PayloadSchema)
		if err != nil {
			return nil, err
		}
		op.schema = compiled
	}
	return op, nil
}

func compileSchema(operation, schema string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://archon.schemas.local/operations/%s.schema.json", operation)
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		return nil, fmt.Errorf("registry: operation %s: schema load: %w", operation, err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("registry: operation %s: schema compile: %w", operation, err)
	}
	return compiled, nil
}

// Lookup fetches a whitelisted operation by name.
func (r *Registry) Lookup(name string) (*Operation, bool) {
	ops := *r.current.Load()
	op, ok := ops[name]
	return op, ok
}

// Names returns the whitelisted operation names, for diagnostics.
func (r *Registry) Names() []string {
	ops := *r.current.Load()
	names := make([]string, 0, len(ops))
	for name := range ops {
		names = append(names, name)
	}
	return names
}
