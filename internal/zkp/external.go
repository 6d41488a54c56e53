// internal/zkp/external.go
package zkp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/bitsage/vm31-relayer/internal/chain"
)

// witness is the JSON document fed to the prover binary on stdin.
type witness struct {
	Transactions []witnessTx `json:"transactions"`
}

// witnessTx is the tagged wire form of one pending transaction.
type witnessTx struct {
	Type    string `json:"type"`
	Amount  uint64 `json:"amount"`
	AssetID uint32 `json:"asset_id"`

	RecipientPubkey     *chain.Key `json:"recipient_pubkey,omitempty"`
	RecipientViewingKey *chain.Key `json:"recipient_viewing_key,omitempty"`
	SenderViewingKey    *chain.Key `json:"sender_viewing_key,omitempty"`

	Note              *chain.Note       `json:"note,omitempty"`
	SpendingKey       *chain.Key        `json:"spending_key,omitempty"`
	MerklePath        *chain.MerklePath `json:"merkle_path,omitempty"`
	MerkleRoot        *chain.Digest     `json:"merkle_root,omitempty"`
	WithdrawalBinding *chain.Digest     `json:"withdrawal_binding,omitempty"`

	InputNotes []chain.InputNote `json:"input_notes,omitempty"`
}

// proverOutput is the JSON document the prover binary writes on stdout.
type proverOutput struct {
	PublicInputs   []uint32       `json:"public_inputs"`
	NewCommitments []chain.Digest `json:"new_commitments"`
	Proof          []byte         `json:"proof"`
}

// ExternalBuilder shells out to the prover binary (vm31-prove). The STARK
// prover is not a Go artifact; delegating through a subprocess keeps the
// relayer's contract with it narrow, the same way on-chain submission goes
// through sncast.
type ExternalBuilder struct {
	bin string
	txs []witnessTx
}

// NewExternalFactory returns a BuilderFactory bound to a prover binary path.
func NewExternalFactory(bin string) BuilderFactory {
	return func() Builder {
		return &ExternalBuilder{bin: bin}
	}
}

// Add implements Builder.
func (b *ExternalBuilder) Add(tx chain.PendingTx) error {
	switch t := tx.(type) {
	case chain.Deposit:
		b.txs = append(b.txs, witnessTx{
			Type:                "deposit",
			Amount:              t.Amount,
			AssetID:             t.AssetID,
			RecipientPubkey:     ptr(t.RecipientPubKey),
			RecipientViewingKey: ptr(t.RecipientViewingKey),
		})
	case chain.Withdraw:
		b.txs = append(b.txs, witnessTx{
			Type:              "withdraw",
			Amount:            t.Amount,
			AssetID:           t.AssetID,
			Note:              &t.Note,
			SpendingKey:       ptr(t.SpendingKey),
			MerklePath:        &t.MerklePath,
			MerkleRoot:        ptr(t.MerkleRoot),
			WithdrawalBinding: ptr(t.WithdrawalBinding),
		})
	case chain.Transfer:
		b.txs = append(b.txs, witnessTx{
			Type:                "transfer",
			Amount:              t.Amount,
			AssetID:             t.AssetID,
			RecipientPubkey:     ptr(t.RecipientPubKey),
			RecipientViewingKey: ptr(t.RecipientViewingKey),
			SenderViewingKey:    ptr(t.SenderViewingKey),
			InputNotes:          t.InputNotes[:],
			MerkleRoot:          ptr(t.MerkleRoot),
		})
	default:
		return fmt.Errorf("unknown transaction variant %T", tx)
	}
	return nil
}

// Prove implements Builder by running the prover binary to completion.
func (b *ExternalBuilder) Prove(ctx context.Context) (*Artifact, error) {
	input, err := json.Marshal(witness{Transactions: b.txs})
	if err != nil {
		return nil, fmt.Errorf("marshaling witness: %w", err)
	}

	cmd := exec.CommandContext(ctx, b.bin, "--format", "json")
	cmd.Stdin = bytes.NewReader(input)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("prover binary failed: %w: %s", err, stderr.String())
	}

	var out proverOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return nil, fmt.Errorf("decoding prover output: %w", err)
	}
	if len(out.PublicInputs) == 0 {
		return nil, fmt.Errorf("prover produced no public inputs")
	}

	return &Artifact{
		PublicInputs:   out.PublicInputs,
		NewCommitments: out.NewCommitments,
		Proof:          out.Proof,
	}, nil
}

func ptr[T any](v T) *T { return &v }
