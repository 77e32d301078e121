package analyzer

import (
	"context"
	"go/parser"
	"go/token"
	"sort"
	"strconv"
	"strings"

	"github.com/tetratelabs/wazero"

	"github.com/ember6784/archon-ai/pkg/contracts"
)

// capability is the coarse ambient-authority class an import grants.
type capability string

const (
	capFilesystem capability = "filesystem"
	capNetwork    capability = "network"
	capEnviron    capability = "environ"
	capClock      capability = "clock"
	capRandom     capability = "random"
	capHost       capability = "host_function"
)

// tierCaps is what each sandbox tier may legitimately demand from its
// runtime. Stdio and process exit are always implied and never reported.
var tierCaps = map[Tier]map[capability]bool{
	TierRestricted: {},
	TierStandard:   {capFilesystem: true, capClock: true},
	TierPrivileged: {capFilesystem: true, capClock: true, capNetwork: true},
}

// analyzeArtifact compiles the wasm artifact and inspects its import
// section. This is the second, independent verification pass: it sees what
// the code will actually be able to ask the runtime for, regardless of how
// the source obscured it. srcCaps is the capability set implied by the
// source imports; any artifact demand beyond it is a discrepancy.
func analyzeArtifact(ctx context.Context, artifact []byte, srcCaps map[capability]bool, cfg Config) []Violation {
	// Interpreter config: artifacts are only compiled for inspection here,
	// never instantiated or run.
	r := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter())
	defer func() { _ = r.Close(ctx) }()

	compiled, err := r.CompileModule(ctx, artifact)
	if err != nil {
		return []Violation{violationf(CodeArtifactInvalid, "artifact", "",
			contracts.SeverityCritical, "artifact does not compile: %v", err)}
	}
	defer func() { _ = compiled.Close(ctx) }()

	allowed := tierCaps[cfg.Tier]
	demanded := map[capability][]string{}
	for _, def := range compiled.ImportedFunctions() {
		module, name, isImport := def.Import()
		if !isImport {
			continue
		}
		c, benign := classifyHostImport(module, name)
		if benign {
			continue
		}
		demanded[c] = append(demanded[c], module+"."+name)
	}

	var violations []Violation
	caps := make([]capability, 0, len(demanded))
	for c := range demanded {
		caps = append(caps, c)
	}
	sort.Slice(caps, func(i, j int) bool { return caps[i] < caps[j] })

	for _, c := range caps {
		funcs := demanded[c]
		sort.Strings(funcs)
		construct := strings.Join(funcs, ",")

		if c == capHost || !allowed[c] {
			violations = append(violations, violationf(CodeArtifactImport, construct, "",
				contracts.SeverityCritical, "artifact imports %s functions denied for tier %q", c, cfg.Tier))
			continue
		}
		if !srcCaps[c] {
			violations = append(violations, violationf(CodeArtifactMismatch, construct, "",
				contracts.SeverityHigh, "artifact demands %s but the source never references it", c))
		}
	}
	return violations
}

// classifyHostImport maps a host import to the capability it grants. Plain
// stdio descriptor traffic, argument access, clocks used for relative
// timing by language runtimes, scheduling, and process exit are benign.
func classifyHostImport(module, name string) (capability, bool) {
	if module != "wasi_snapshot_preview1" && module != "wasi_unstable" {
		return capHost, false
	}
	switch {
	case strings.HasPrefix(name, "path_"),
		strings.HasPrefix(name, "fd_prestat"),
		name == "fd_readdir", name == "fd_filestat_get",
		name == "fd_filestat_set_size", name == "fd_filestat_set_times":
		return capFilesystem, false
	case strings.HasPrefix(name, "sock_"):
		return capNetwork, false
	case strings.HasPrefix(name, "environ_"):
		return capEnviron, false
	case strings.HasPrefix(name, "clock_"):
		return capClock, false
	case name == "random_get":
		return capRandom, false
	default:
		return "", true
	}
}

// sourceCapabilities infers, from imports alone, the ambient capabilities
// the Go source admits to needing. A parse failure yields the empty set; the
// source pass has already reported it and the artifact cross-check will then
// surface every artifact demand as a discrepancy.
func sourceCapabilities(src []byte) map[capability]bool {
	caps := map[capability]bool{}
	fset := token.NewFileSet()
	file, err := parser.ParseFile(fset, "submission.go", src, parser.ImportsOnly)
	if err != nil {
		return caps
	}
	for _, imp := range file.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			continue
		}
		switch {
		case path == "os" || strings.HasPrefix(path, "os/"):
			caps[capFilesystem] = true
			caps[capEnviron] = true
		case path == "io/ioutil" || path == "path/filepath":
			caps[capFilesystem] = true
		case path == "net" || strings.HasPrefix(path, "net/"):
			caps[capNetwork] = true
		case path == "time":
			caps[capClock] = true
		case path == "crypto/rand" || path == "math/rand" || strings.HasPrefix(path, "math/rand/"):
			caps[capRandom] = true
		}
	}
	return caps
}
