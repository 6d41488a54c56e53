package chain

import (
	"strings"
	"testing"
)

func TestDigestHexRoundTrip(t *testing.T) {
	d := Digest{0x2a, 0x63, 7, 1, 2, 3, 4, 0xff}
	hexStr := d.Hex()
	if !strings.HasPrefix(hexStr, "0x") || len(hexStr) != 66 {
		t.Fatalf("unexpected hex form %q", hexStr)
	}

	parsed, err := ParseDigestHex(hexStr)
	if err != nil {
		t.Fatalf("ParseDigestHex: %v", err)
	}
	if parsed != d {
		t.Fatalf("roundtrip mismatch: %v vs %v", parsed, d)
	}
}

func TestParseDigestHexInvalid(t *testing.T) {
	for _, input := range []string{"", "0x1234", strings.Repeat("g", 64), "0x" + strings.Repeat("0", 63)} {
		if _, err := ParseDigestHex(input); err == nil {
			t.Errorf("ParseDigestHex(%q) should fail", input)
		}
	}
}

func TestParseDigestHexWithoutPrefix(t *testing.T) {
	raw := "0000002a000000630000000700000001000000020000000300000004000000ff"
	d, err := ParseDigestHex(raw)
	if err != nil {
		t.Fatalf("ParseDigestHex: %v", err)
	}
	if d[0] != 0x2a || d[1] != 0x63 || d[2] != 7 || d[7] != 0xff {
		t.Fatalf("unexpected digest %v", d)
	}
}

func TestSplitAmount(t *testing.T) {
	cases := []struct {
		amount uint64
		lo, hi uint32
	}{
		{0, 0, 0},
		{1, 1, 0},
		{1<<31 - 1, 1<<31 - 1, 0},
		{1 << 31, 0, 1},
		{MaxNoteAmount, 1<<31 - 1, 1<<31 - 1},
	}
	for _, tc := range cases {
		lo, hi := SplitAmount(tc.amount)
		if lo != tc.lo || hi != tc.hi {
			t.Errorf("SplitAmount(%d) = (%d, %d), want (%d, %d)", tc.amount, lo, hi, tc.lo, tc.hi)
		}
		note := Note{AmountLo: lo, AmountHi: hi}
		if note.Amount() != tc.amount {
			t.Errorf("Amount roundtrip for %d gave %d", tc.amount, note.Amount())
		}
	}
}

func TestKindOutputCounts(t *testing.T) {
	if got := KindDeposit.OutputCount(); got != 1 {
		t.Errorf("deposit outputs = %d, want 1", got)
	}
	if got := KindWithdraw.OutputCount(); got != 0 {
		t.Errorf("withdraw outputs = %d, want 0", got)
	}
	if got := KindTransfer.OutputCount(); got != 2 {
		t.Errorf("transfer outputs = %d, want 2", got)
	}
}

func TestVariantKinds(t *testing.T) {
	var txs = []PendingTx{Deposit{}, Withdraw{}, Transfer{}}
	want := []TxKind{KindDeposit, KindWithdraw, KindTransfer}
	for i, tx := range txs {
		if tx.Kind() != want[i] {
			t.Errorf("tx %d kind = %v, want %v", i, tx.Kind(), want[i])
		}
	}
}

func TestNullifierDeterministic(t *testing.T) {
	note := Note{OwnerPubKey: Key{1, 2, 3, 4}, AssetID: 1, AmountLo: 500, Blinding: Key{9, 8, 7, 6}}
	key := Key{5, 5, 5, 5}

	n1 := Nullifier(note, key)
	n2 := Nullifier(note, key)
	if n1 != n2 {
		t.Fatal("nullifier must be deterministic")
	}

	other := Nullifier(note, Key{5, 5, 5, 6})
	if other == n1 {
		t.Fatal("different spending keys must give different nullifiers")
	}

	for _, limb := range n1 {
		if limb >= M31Modulus {
			t.Fatalf("nullifier limb %d out of field", limb)
		}
	}
}

func TestHashPublicInputs(t *testing.T) {
	a := HashPublicInputs([]uint32{1, 2, 3})
	b := HashPublicInputs([]uint32{1, 2, 3})
	if a != b {
		t.Fatal("hash must be deterministic")
	}
	if a == HashPublicInputs([]uint32{1, 2, 4}) {
		t.Fatal("different inputs must give different hashes")
	}
	if a == HashPublicInputs([]uint32{1, 2}) {
		t.Fatal("length must be bound into the hash")
	}
}

func TestCommitmentKeyStable(t *testing.T) {
	k1 := CommitmentKey(Key{1, 2, 3, 4}, 1, 1000, Key{5, 6, 7, 8})
	k2 := CommitmentKey(Key{1, 2, 3, 4}, 1, 1000, Key{5, 6, 7, 8})
	if k1 != k2 {
		t.Fatal("commitment key must be deterministic")
	}
	if k1 == CommitmentKey(Key{1, 2, 3, 4}, 1, 1001, Key{5, 6, 7, 8}) {
		t.Fatal("amount must affect the commitment key")
	}
	if len(k1) != 32 {
		t.Fatalf("commitment key length = %d, want 32 hex chars", len(k1))
	}
}
