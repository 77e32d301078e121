// Package analyzer performs structural security analysis of agent-authored
// code before the kernel will consider an execute-class operation. Analysis
// operates on the parsed syntax tree, never on raw text, so renamed
// identifiers, whitespace games, and string tricks that defeat substring
// matching do not defeat detection. A submission may also carry its compiled
// WebAssembly artifact; the artifact's import section is verified
// independently and any capability disagreement with the source is itself a
// violation. Parse failures are unsafe, never "unknown".
//
// Analysis is pure: the same submission always yields the same result, and
// concurrent calls share no state.
package analyzer

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/ember6784/archon-ai/pkg/canonicalize"
	"github.com/ember6784/archon-ai/pkg/contracts"
)

// Violation codes. Stable strings; contract conditions and dashboards key
// on them.
const (
	CodeParseFailure     = "parse_failure"
	CodeDynamicExecution = "dynamic_execution"
	CodeForbiddenImport  = "forbidden_import"
	CodeUnsafePointer    = "unsafe_pointer"
	CodeCompilerDirective = "compiler_directive"
	CodeObfuscation      = "obfuscated_construct"
	CodeArtifactInvalid  = "artifact_invalid"
	CodeArtifactImport   = "artifact_forbidden_import"
	CodeArtifactMismatch = "artifact_source_mismatch"
)

// Violation names one dangerous construct found in a submission.
type Violation struct {
	Code      string             `json:"code"`
	Construct string             `json:"construct"`
	Position  string             `json:"position,omitempty"`
	Message   string             `json:"message"`
	Severity  contracts.Severity `json:"severity"`
}

// Result is the outcome of analyzing one submission. Violations are ordered
// by source position, then code, so repeated analysis of identical input is
// byte-for-byte identical.
type Result struct {
	Safe        bool        `json:"safe"`
	Violations  []Violation `json:"violations,omitempty"`
	Fingerprint string      `json:"fingerprint"`
}

// Submission is one unit of agent-authored code: Go source, plus an optional
// compiled wasm artifact produced by the agent's build step.
type Submission struct {
	Source   []byte
	Artifact []byte
}

// Tier selects how much ambient capability the operation's sandbox grants.
// The analyzer only ever removes findings for capabilities the tier
// explicitly allows; an unknown tier behaves like TierRestricted.
type Tier string

const (
	// TierRestricted grants nothing beyond pure computation.
	TierRestricted Tier = "restricted"
	// TierStandard additionally grants sandboxed filesystem and clock access.
	TierStandard Tier = "standard"
	// TierPrivileged additionally grants network egress. Still no process
	// control or dynamic loading.
	TierPrivileged Tier = "privileged"
)

// Config tunes one analyzer instance. The zero value is usable and maximally
// strict.
type Config struct {
	// Tier of the sandbox the code is destined for.
	Tier Tier
	// AllowImports lists extra import paths permitted for this operation
	// beyond what the tier grants.
	AllowImports []string
	// MaxNestingDepth above which control-flow nesting is reported as an
	// obfuscation signal. Zero means the default of 8.
	MaxNestingDepth int
	// MaxOpaqueLiteral is the length above which a base64- or hex-shaped
	// string literal is reported. Zero means the default of 256.
	MaxOpaqueLiteral int
}

func (c Config) nestingLimit() int {
	if c.MaxNestingDepth <= 0 {
		return 8
	}
	return c.MaxNestingDepth
}

func (c Config) opaqueLimit() int {
	if c.MaxOpaqueLiteral <= 0 {
		return 256
	}
	return c.MaxOpaqueLiteral
}

// Analyzer is a reusable, stateless analysis instance.
type Analyzer struct {
	cfg Config
}

// New returns an Analyzer with the given configuration.
func New(cfg Config) *Analyzer {
	return &Analyzer{cfg: cfg}
}

// Analyze runs the source-level pass over Go source.
func (a *Analyzer) Analyze(source []byte) Result {
	violations := analyzeSource(source, a.cfg)
	return finish(source, violations)
}

// AnalyzeSubmission runs the source pass and, when an artifact accompanies
// the source, the compiled-form pass plus the cross-check between the two.
// ctx bounds artifact compilation.
func (a *Analyzer) AnalyzeSubmission(ctx context.Context, sub Submission) Result {
	violations := analyzeSource(sub.Source, a.cfg)
	if len(sub.Artifact) > 0 {
		srcCaps := sourceCapabilities(sub.Source)
		violations = append(violations, analyzeArtifact(ctx, sub.Artifact, srcCaps, a.cfg)...)
	}
	return finish(sub.Source, violations)
}

func finish(source []byte, violations []Violation) Result {
	sortViolations(violations)
	return Result{
		Safe:        len(violations) == 0,
		Violations:  violations,
		Fingerprint: canonicalize.HashBytes(source),
	}
}

func sortViolations(violations []Violation) {
	sort.SliceStable(violations, func(i, j int) bool {
		li, ci := positionKey(violations[i].Position)
		lj, cj := positionKey(violations[j].Position)
		if li != lj {
			return li < lj
		}
		if ci != cj {
			return ci < cj
		}
		if violations[i].Code != violations[j].Code {
			return violations[i].Code < violations[j].Code
		}
		return violations[i].Construct < violations[j].Construct
	})
}

// positionKey splits a "line:column" position into its numeric parts.
// Positionless violations sort ahead of positioned ones.
func positionKey(position string) (line, column int) {
	l, c, ok := strings.Cut(position, ":")
	if !ok {
		return 0, 0
	}
	line, _ = strconv.Atoi(l)
	column, _ = strconv.Atoi(c)
	return line, column
}

func violationf(code, construct, position string, severity contracts.Severity, format string, args ...any) Violation {
	return Violation{
		Code:      code,
		Construct: construct,
		Position:  position,
		Message:   fmt.Sprintf(format, args...),
		Severity:  severity,
	}
}
