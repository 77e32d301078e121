package registry

import (
	"github.com/ember6784/archon-ai/pkg/analyzer"
	"github.com/ember6784/archon-ai/pkg/contracts"
)

// DefaultSpecs is the built-in whitelist covering the predefined contract
// set. Deployments normally load a manifest instead; the defaults exist so
// the CLI dry-run and tests have a working whitelist without config files.
func DefaultSpecs() []Spec {
	return []Spec{
		{
			Name:         "read_file",
			RiskCategory: contracts.RiskRead,
			HandlerID:    "fs.read",
			Tier:         analyzer.TierRestricted,
			Contract:     ContractRef{Name: "read-file", Constraint: "^1.0.0"},
			PayloadSchema: `{
				"type": "object",
				"required": ["path"],
				"properties": {"path": {"type": "string", "minLength": 1}},
				"additionalProperties": false
			}`,
		},
		{
			Name:         "write_file",
			RiskCategory: contracts.RiskWrite,
			HandlerID:    "fs.write",
			Tier:         analyzer.TierStandard,
			Contract:     ContractRef{Name: "write-file", Constraint: "^1.0.0"},
			PayloadSchema: `{
				"type": "object",
				"required": ["path", "content"],
				"properties": {
					"path": {"type": "string", "minLength": 1},
					"content": {"type": "string"}
				},
				"additionalProperties": false
			}`,
		},
		{
			Name:         "delete_file",
			RiskCategory: contracts.RiskDelete,
			HandlerID:    "fs.delete",
			Tier:         analyzer.TierStandard,
			Contract:     ContractRef{Name: "delete-file", Constraint: "^1.0.0"},
			PayloadSchema: `{
				"type": "object",
				"required": ["path"],
				"properties": {
					"path": {"type": "string", "minLength": 1},
					"recursive": {"type": "boolean"}
				},
				"additionalProperties": false
			}`,
		},
		{
			Name:         "exec_code",
			RiskCategory: contracts.RiskExecute,
			HandlerID:    "sandbox.exec",
			Tier:         analyzer.TierStandard,
			Contract:     ContractRef{Name: "exec-code", Constraint: "^1.0.0"},
			PayloadSchema: `{
				"type": "object",
				"required": ["code"],
				"properties": {
					"code": {"type": "string", "minLength": 1},
					"artifact": {"type": "string"}
				},
				"additionalProperties": false
			}`,
		},
		{
			Name:         "network_request",
			RiskCategory: contracts.RiskNetwork,
			HandlerID:    "net.fetch",
			Tier:         analyzer.TierPrivileged,
			Contract:     ContractRef{Name: "network-request", Constraint: "^1.0.0"},
			PayloadSchema: `{
				"type": "object",
				"required": ["url"],
				"properties": {
					"url": {"type": "string", "minLength": 1},
					"method": {"type": "string", "enum": ["GET", "POST", "PUT", "DELETE"]},
					"body": {"type": "string"}
				},
				"additionalProperties": false
			}`,
		},
		{
			Name:         "git_commit",
			RiskCategory: contracts.RiskWrite,
			HandlerID:    "git.commit",
			Tier:         analyzer.TierStandard,
			Contract:     ContractRef{Name: "git-commit", Constraint: "^1.0.0"},
			PayloadSchema: `{
				"type": "object",
				"required": ["repo", "message"],
				"properties": {
					"repo": {"type": "string", "minLength": 1},
					"message": {"type": "string", "minLength": 1},
					"force": {"type": "boolean"}
				},
				"additionalProperties": false
			}`,
		},
		{
			Name:         "trade_execute",
			RiskCategory: contracts.RiskFinance,
			HandlerID:    "broker.trade",
			Tier:         analyzer.TierRestricted,
			Contract:     ContractRef{Name: "trade-execute", Constraint: "^1.0.0"},
			PayloadSchema: `{
				"type": "object",
				"required": ["symbol", "notional"],
				"properties": {
					"symbol": {"type": "string", "minLength": 1},
					"notional": {"type": "number", "exclusiveMinimum": 0},
					"side": {"type": "string", "enum": ["buy", "sell"]}
				},
				"additionalProperties": false
			}`,
		},
	}
}

// RegisterDefaults installs DefaultSpecs into the registry.
func RegisterDefaults(r *Registry) error {
	for _, spec := range DefaultSpecs() {
		if err := r.Register(spec); err != nil {
			return err
		}
	}
	return nil
}
