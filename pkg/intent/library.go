package intent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/ember6784/archon-ai/pkg/contracts"
)

// Recorder receives config-reload events. The audit log's Append satisfies
// it.
type Recorder interface {
	Append(ctx context.Context, rec *contracts.DecisionRecord) error
}

// snapshot is one immutable generation of the contract set. Reload builds
// a fresh snapshot and swaps the pointer; in-flight evaluations keep
// whatever snapshot they resolved against.
type snapshot struct {
	byOperation map[string]*Contract
	byName      map[string][]*Contract // sorted ascending by version
	generation  uint64
}

// Library holds the loaded contract set. Reads are lock-free pointer
// loads; installs serialize under the mutex and swap the snapshot
// atomically.
type Library struct {
	current  atomic.Pointer[snapshot]
	fallback *Contract
	recorder Recorder
	logger   *slog.Logger

	mu      sync.Mutex
	custom  []*Contract // installed programmatically, survives dir reloads
	fromDir []*Contract
}

// NewLibrary seeds a library with the predefined contracts. YAML contracts
// loaded later override a predefined contract by carrying the same name
// and a higher version.
func NewLibrary(recorder Recorder, logger *slog.Logger) *Library {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Library{
		fallback: DefaultContract(),
		recorder: recorder,
		logger:   logger.With("component", "intent"),
	}
	snap := buildSnapshot(PredefinedContracts(), 1)
	l.current.Store(snap)
	return l
}

func buildSnapshot(set []*Contract, generation uint64) *snapshot {
	snap := &snapshot{
		byOperation: make(map[string]*Contract, len(set)),
		byName:      make(map[string][]*Contract),
		generation:  generation,
	}
	for _, c := range set {
		if existing, ok := snap.byOperation[c.Operation]; !ok || c.SemVersion().GreaterThan(existing.SemVersion()) {
			snap.byOperation[c.Operation] = c
		}
		snap.byName[c.Name] = append(snap.byName[c.Name], c)
	}
	for name := range snap.byName {
		list := snap.byName[name]
		sort.Slice(list, func(i, j int) bool {
			return list[i].SemVersion().LessThan(list[j].SemVersion())
		})
	}
	return snap
}

// LoadDir parses every .yaml/.yml file under dir as a contract document
// and installs the combined set alongside the predefined contracts.
// Installation is all-or-nothing: one malformed contract rejects the whole
// reload and the previous snapshot stays live.
func (l *Library) LoadDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("intent: reading contract dir: %w", err)
	}
	var loaded []*Contract
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("intent: reading %s: %w", path, err)
		}
		var c Contract
		if err := yaml.Unmarshal(data, &c); err != nil {
			return fmt.Errorf("intent: parsing %s: %w", path, err)
		}
		if err := c.Validate(); err != nil {
			return fmt.Errorf("intent: %s: %w", path, err)
		}
		loaded = append(loaded, &c)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.fromDir = loaded
	return l.installLocked(ctx, fmt.Sprintf("loaded %d contracts from %s", len(loaded), dir))
}

// Install validates and adds the given contracts to the live set,
// atomically replacing the snapshot. Programmatically installed contracts
// survive later directory reloads.
func (l *Library) Install(ctx context.Context, set []*Contract) error {
	for _, c := range set {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("intent: %w", err)
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.custom = append(l.custom, set...)
	return l.installLocked(ctx, fmt.Sprintf("installed %d contracts", len(set)))
}

func (l *Library) installLocked(ctx context.Context, detail string) error {
	prev := l.current.Load()
	combined := append(PredefinedContracts(), l.custom...)
	combined = append(combined, l.fromDir...)
	snap := buildSnapshot(combined, prev.generation+1)
	l.current.Store(snap)

	if l.recorder != nil {
		rec := &contracts.DecisionRecord{
			EventType: contracts.EventConfigReload,
			Detail:    detail,
			Payload:   map[string]any{"generation": snap.generation, "contracts": len(combined)},
		}
		if err := l.recorder.Append(ctx, rec); err != nil {
			l.logger.Error("contract reload audit append failed", "error", err)
		}
	}
	l.logger.Info("contract set installed", "generation", snap.generation, "contracts", len(combined))
	return nil
}

// Resolve returns the contract bound to an operation type, pinned to the
// current generation. Unknown operations get the conservative fallback,
// never an unchecked pass.
func (l *Library) Resolve(operation string) *Contract {
	snap := l.current.Load()
	if c, ok := snap.byOperation[operation]; ok {
		return c
	}
	return l.fallback
}

// ResolveRef returns the highest contract version with the given name that
// satisfies the semver constraint. The registry uses it to bind operation
// manifests to contracts at load time.
func (l *Library) ResolveRef(name, constraint string) (*Contract, error) {
	snap := l.current.Load()
	list := snap.byName[name]
	if len(list) == 0 {
		return nil, fmt.Errorf("intent: no contract named %q", name)
	}
	if constraint == "" {
		return list[len(list)-1], nil
	}
	cons, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, fmt.Errorf("intent: constraint %q: %w", constraint, err)
	}
	for i := len(list) - 1; i >= 0; i-- {
		if cons.Check(list[i].SemVersion()) {
			return list[i], nil
		}
	}
	return nil, fmt.Errorf("intent: no version of %q satisfies %q", name, constraint)
}

// Generation reports the live snapshot's generation counter, for
// diagnostics.
func (l *Library) Generation() uint64 {
	return l.current.Load().generation
}
