package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/ember6784/archon-ai/pkg/canonicalize"
	"github.com/ember6784/archon-ai/pkg/contracts"
)

// BundleFormatVersion identifies the evidence bundle layout.
const BundleFormatVersion = "archon-evidence/1"

// EvidenceBundle is a self-verifying export of a chain segment, suitable
// for handing to reviewers or shipping to an archive sink. The bundle
// digest covers everything except itself, so a recipient can detect both
// record tampering and bundle reassembly.
type EvidenceBundle struct {
	FormatVersion string                     `json:"format_version"`
	GeneratedAt   time.Time                  `json:"generated_at"`
	FromSequence  uint64                     `json:"from_sequence"`
	ToSequence    uint64                     `json:"to_sequence"`
	Records       []*contracts.DecisionRecord `json:"records"`
	BundleDigest  string                     `json:"bundle_digest"`
}

// ExportBundle verifies the requested segment and packages it. A broken
// chain aborts the export; evidence that fails its own verification must
// never leave the system.
func (l *Log) ExportBundle(ctx context.Context, from, to uint64) (*EvidenceBundle, error) {
	headSeq, _ := l.Head()
	if from < 1 {
		from = 1
	}
	if to == 0 || to > headSeq {
		to = headSeq
	}
	if err := l.VerifyChain(ctx, from, to); err != nil {
		return nil, fmt.Errorf("audit: refusing to export: %w", err)
	}

	bundle := &EvidenceBundle{
		FormatVersion: BundleFormatVersion,
		GeneratedAt:   l.clock.Now(),
		FromSequence:  from,
		ToSequence:    to,
	}
	err := l.store.Range(ctx, from, to, func(rec *contracts.DecisionRecord) error {
		bundle.Records = append(bundle.Records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("audit: collecting bundle records: %w", err)
	}

	digest, err := bundleDigest(bundle)
	if err != nil {
		return nil, err
	}
	bundle.BundleDigest = digest
	return bundle, nil
}

// VerifyBundle checks a received bundle: its own digest, the internal
// chain links, and every record digest. Bundles starting at sequence 1
// must anchor at genesis.
func VerifyBundle(bundle *EvidenceBundle) error {
	if bundle == nil {
		return fmt.Errorf("%w: nil bundle", ErrChainBroken)
	}
	if bundle.FormatVersion != BundleFormatVersion {
		return fmt.Errorf("%w: unsupported bundle format %q", ErrChainBroken, bundle.FormatVersion)
	}
	digest, err := bundleDigest(bundle)
	if err != nil {
		return err
	}
	if digest != bundle.BundleDigest {
		return fmt.Errorf("%w: bundle digest mismatch", ErrChainBroken)
	}

	if want := int(bundle.ToSequence - bundle.FromSequence + 1); len(bundle.Records) != want {
		return fmt.Errorf("%w: bundle holds %d records, header claims %d", ErrChainBroken, len(bundle.Records), want)
	}

	expectedPrev := ""
	if bundle.FromSequence == 1 {
		expectedPrev = genesisDigest
	}
	next := bundle.FromSequence
	for _, rec := range bundle.Records {
		if rec.Sequence != next {
			return fmt.Errorf("%w: expected sequence %d, bundle holds %d", ErrChainBroken, next, rec.Sequence)
		}
		if expectedPrev != "" && rec.PrevDigest != expectedPrev {
			return fmt.Errorf("%w: record %d prev_digest mismatch", ErrChainBroken, rec.Sequence)
		}
		computed, err := canonicalize.ChainDigest(rec.PrevDigest, recordContent(rec))
		if err != nil {
			return fmt.Errorf("%w: record %d digest recompute failed: %v", ErrChainBroken, rec.Sequence, err)
		}
		if computed != rec.Digest {
			return fmt.Errorf("%w: record %d content does not match its digest", ErrChainBroken, rec.Sequence)
		}
		expectedPrev = rec.Digest
		next++
	}
	return nil
}

func bundleDigest(bundle *EvidenceBundle) (string, error) {
	content := map[string]any{
		"format_version": bundle.FormatVersion,
		"generated_at":   bundle.GeneratedAt.UnixNano(),
		"from_sequence":  bundle.FromSequence,
		"to_sequence":    bundle.ToSequence,
		"records":        bundle.Records,
	}
	digest, err := canonicalize.CanonicalHash(content)
	if err != nil {
		return "", fmt.Errorf("audit: hashing bundle: %w", err)
	}
	return digest, nil
}
