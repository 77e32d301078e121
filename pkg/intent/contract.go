package intent

import (
	"fmt"

	"github.com/Masterminds/semver/v3"

	"github.com/ember6784/archon-ai/pkg/analyzer"
	"github.com/ember6784/archon-ai/pkg/pathguard"
)

// Contract binds an ordered set of pre-conditions, post-conditions, and
// invariants to one operation type. Contracts are configuration data:
// loaded at startup or explicit reload, immutable afterwards. Invariants
// run in both phases.
type Contract struct {
	Name       string      `yaml:"name" json:"name"`
	Version    string      `yaml:"version" json:"version"`
	Operation  string      `yaml:"operation" json:"operation"`
	Pre        []Condition `yaml:"pre,omitempty" json:"pre,omitempty"`
	Post       []Condition `yaml:"post,omitempty" json:"post,omitempty"`
	Invariants []Condition `yaml:"invariants,omitempty" json:"invariants,omitempty"`
}

// Validate checks the contract and every condition in it. The version must
// parse as semver so registry constraints can match against it.
func (c *Contract) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("contract has no name")
	}
	if c.Version == "" {
		return fmt.Errorf("contract %s has no version", c.Name)
	}
	if _, err := semver.NewVersion(c.Version); err != nil {
		return fmt.Errorf("contract %s: version %q: %w", c.Name, c.Version, err)
	}
	if c.Operation == "" {
		return fmt.Errorf("contract %s is bound to no operation", c.Name)
	}
	seen := make(map[string]bool)
	for _, set := range [][]Condition{c.Pre, c.Post, c.Invariants} {
		for i := range set {
			cond := &set[i]
			if err := cond.Validate(); err != nil {
				return fmt.Errorf("contract %s: %w", c.Name, err)
			}
			if seen[cond.Name] {
				return fmt.Errorf("contract %s: duplicate condition name %q", c.Name, cond.Name)
			}
			seen[cond.Name] = true
		}
	}
	return nil
}

// SemVersion returns the parsed contract version. Validate must have
// succeeded first.
func (c *Contract) SemVersion() *semver.Version {
	v, _ := semver.NewVersion(c.Version)
	return v
}

// Builder assembles a contract in code. The predefined contracts and tests
// use it; production contracts normally arrive as YAML.
type Builder struct {
	contract Contract
}

// NewContract starts a builder for the named contract version bound to an
// operation type.
func NewContract(name, version, operation string) *Builder {
	return &Builder{contract: Contract{Name: name, Version: version, Operation: operation}}
}

// Pre appends a pre-condition.
func (b *Builder) Pre(c Condition) *Builder {
	b.contract.Pre = append(b.contract.Pre, c)
	return b
}

// Post appends a post-condition.
func (b *Builder) Post(c Condition) *Builder {
	b.contract.Post = append(b.contract.Post, c)
	return b
}

// Invariant appends a condition checked in both phases.
func (b *Builder) Invariant(c Condition) *Builder {
	b.contract.Invariants = append(b.contract.Invariants, c)
	return b
}

// Build validates and returns the contract.
func (b *Builder) Build() (*Contract, error) {
	c := b.contract
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// MustBuild is Build for statically-known contracts; it panics on a
// malformed definition, which is a programming error.
func (b *Builder) MustBuild() *Contract {
	c, err := b.Build()
	if err != nil {
		panic(err)
	}
	return c
}

// DefaultContract is the conservative fallback bound to operation types no
// loaded contract covers. Unknown operations are never unchecked: the
// fallback grants read-only path access, full analyzer scrutiny, and a
// zero-byte write budget, so anything beyond inspection fails.
func DefaultContract() *Contract {
	readOnly := pathguard.DefaultPolicy()
	return NewContract("default-conservative", "1.0.0", "*").
		Pre(Condition{
			Name:       "default_path_read_only",
			Type:       TypePath,
			PathPolicy: &readOnly,
		}).
		Pre(Condition{
			Name: "default_code_restricted",
			Type: TypeCode,
			Tier: analyzer.TierRestricted,
		}).
		Pre(Condition{
			Name:     "default_zero_write_budget",
			Type:     TypeThreshold,
			Source:   SourceFieldBytes,
			Field:    "content",
			Op:       "le",
			Value:    0,
			Required: false,
		}).
		Invariant(Condition{
			Name:       "default_no_confidence_bypass",
			Type:       TypePredicate,
			Expression: `request.confidence <= 1.0`,
		}).
		MustBuild()
}

const mebibyte = 1 << 20

// PredefinedContracts returns the built-in contracts for the whitelisted
// operation set. A deployment may override any of them by loading a YAML
// contract with the same name and a higher version.
func PredefinedContracts() []*Contract {
	writerPolicy := pathguard.WriterPolicy("/workspace", "/tmp/archon")
	deletePolicy := pathguard.DefaultPolicy()

	return []*Contract{
		NewContract("read-file", "1.0.0", "read_file").
			Pre(Condition{Name: "path_allowed", Type: TypePath, Required: true}).
			MustBuild(),

		NewContract("write-file", "1.0.0", "write_file").
			Pre(Condition{Name: "path_writable", Type: TypePath, Required: true, PathPolicy: &writerPolicy}).
			Pre(Condition{Name: "content_size", Type: TypeThreshold, Source: SourceFieldBytes,
				Field: "content", Op: "le", Value: 100 * mebibyte, Required: true}).
			Post(Condition{Name: "bytes_written_bounded", Type: TypeThreshold, Source: SourceResult,
				Field: "bytes_written", Op: "le", Value: 100 * mebibyte}).
			Invariant(Condition{Name: "path_still_writable", Type: TypePath, Required: true, PathPolicy: &writerPolicy}).
			MustBuild(),

		NewContract("delete-file", "1.0.0", "delete_file").
			Pre(Condition{Name: "path_not_allowed", Type: TypePath, Required: true, PathPolicy: &deletePolicy}).
			Pre(Condition{Name: "no_recursive_flag", Type: TypePredicate,
				Expression: `!("recursive" in payload) || payload.recursive == false`}).
			Invariant(Condition{Name: "target_outside_protected", Type: TypePath, Required: true, PathPolicy: &deletePolicy}).
			MustBuild(),

		NewContract("exec-code", "1.0.0", "exec_code").
			Pre(Condition{Name: "code_safe", Type: TypeCode, Required: true, Tier: analyzer.TierStandard}).
			Pre(Condition{Name: "source_size", Type: TypeThreshold, Source: SourceFieldBytes,
				Field: "code", Op: "le", Value: mebibyte, Required: true}).
			Post(Condition{Name: "exit_clean", Type: TypePredicate,
				Expression: `!("exit_code" in result) || result.exit_code == 0.0`}).
			MustBuild(),

		NewContract("network-request", "1.0.0", "network_request").
			Pre(Condition{Name: "https_only", Type: TypePredicate,
				Expression: `"url" in payload && string(payload.url).startsWith("https://")`}).
			Pre(Condition{Name: "host_allowlisted", Type: TypePredicate,
				Expression: `["api.github.com", "registry.npmjs.org", "pypi.org"].exists(h, string(payload.url).startsWith("https://" + h + "/"))`}).
			Pre(Condition{Name: "body_size", Type: TypeThreshold, Source: SourceFieldBytes,
				Field: "body", Op: "le", Value: 10 * mebibyte}).
			MustBuild(),

		NewContract("git-commit", "1.0.0", "git_commit").
			Pre(Condition{Name: "message_present", Type: TypePredicate,
				Expression: `"message" in payload && string(payload.message).size() > 0`}).
			Pre(Condition{Name: "message_size", Type: TypeThreshold, Source: SourceFieldBytes,
				Field: "message", Op: "le", Value: 4096, Required: true}).
			Pre(Condition{Name: "repo_path_allowed", Type: TypePath, Field: "repo", Required: true,
				PathPolicy: &writerPolicy}).
			Pre(Condition{Name: "no_force_push", Type: TypePredicate,
				Expression: `!("force" in payload) || payload.force == false`}).
			MustBuild(),

		NewContract("trade-execute", "1.0.0", "trade_execute").
			Pre(Condition{Name: "notional_bounded", Type: TypeThreshold, Source: SourcePayload,
				Field: "notional", Op: "le", Value: 10000, Required: true}).
			Pre(Condition{Name: "symbol_present", Type: TypePredicate,
				Expression: `"symbol" in payload && string(payload.symbol).size() > 0`}).
			Post(Condition{Name: "fill_matches_order", Type: TypePredicate,
				Expression: `!("filled_notional" in result) || result.filled_notional <= payload.notional`}).
			MustBuild(),
	}
}
