package zkp

import (
	"context"
	"testing"

	"github.com/bitsage/vm31-relayer/internal/chain"
)

func TestExternalBuilderAddVariants(t *testing.T) {
	b := &ExternalBuilder{bin: "vm31-prove"}

	deposit := chain.Deposit{
		Amount:              1000,
		AssetID:             1,
		RecipientPubKey:     chain.Key{1, 2, 3, 4},
		RecipientViewingKey: chain.Key{5, 6, 7, 8},
	}
	withdraw := chain.Withdraw{
		Amount:            2000,
		AssetID:           1,
		Note:              chain.Note{OwnerPubKey: chain.Key{1, 1, 1, 1}, AssetID: 1, AmountLo: 2000},
		SpendingKey:       chain.Key{2, 2, 2, 2},
		MerkleRoot:        chain.Digest{3, 3, 3, 3, 3, 3, 3, 3},
		WithdrawalBinding: chain.Digest{4, 4, 4, 4, 4, 4, 4, 4},
	}
	transfer := chain.Transfer{
		Amount:              500,
		AssetID:             1,
		RecipientPubKey:     chain.Key{1, 2, 3, 4},
		RecipientViewingKey: chain.Key{5, 6, 7, 8},
		SenderViewingKey:    chain.Key{9, 9, 9, 9},
		MerkleRoot:          chain.Digest{3, 3, 3, 3, 3, 3, 3, 3},
	}

	for _, tx := range []chain.PendingTx{deposit, withdraw, transfer} {
		if err := b.Add(tx); err != nil {
			t.Fatalf("Add(%T): %v", tx, err)
		}
	}

	if len(b.txs) != 3 {
		t.Fatalf("witness holds %d txs, want 3", len(b.txs))
	}
	if b.txs[0].Type != "deposit" || b.txs[1].Type != "withdraw" || b.txs[2].Type != "transfer" {
		t.Fatalf("witness types: %s %s %s", b.txs[0].Type, b.txs[1].Type, b.txs[2].Type)
	}

	// The witness must carry the variant-specific fields
	if b.txs[0].RecipientPubkey == nil || b.txs[0].Note != nil {
		t.Fatal("deposit witness shape wrong")
	}
	if b.txs[1].Note == nil || b.txs[1].WithdrawalBinding == nil {
		t.Fatal("withdraw witness shape wrong")
	}
	if len(b.txs[2].InputNotes) != 2 || b.txs[2].SenderViewingKey == nil {
		t.Fatal("transfer witness shape wrong")
	}
}

func TestExternalBuilderProveMissingBinary(t *testing.T) {
	b := &ExternalBuilder{bin: "/nonexistent/vm31-prove"}
	b.Add(chain.Deposit{Amount: 1, AssetID: 1})

	if _, err := b.Prove(context.Background()); err == nil {
		t.Fatal("missing prover binary must fail")
	}
}
