// Package chain defines the relayer's view of the confidential pool: field
// element and digest types, the pending transaction variants, and the narrow
// interfaces through which on-chain state is read and written.
package chain

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// M31Modulus is the Mersenne prime 2^31 - 1. Field element inputs are
// accepted up to and including it and rejected above it.
const M31Modulus uint32 = 1<<31 - 1

// MaxNoteAmount is the largest representable note amount:
// (2^31 - 1) + (2^31 - 1) * 2^31, i.e. a full (lo, hi) limb pair.
const MaxNoteAmount uint64 = (1<<31 - 1) + (1<<31-1)*(1<<31)

// MaxMerkleDepth bounds Merkle path length (2^32 leaves).
const MaxMerkleDepth = 32

// Digest is an 8-limb M31 digest, the node type of the commitment tree.
type Digest [8]uint32

// Key is a 4-limb M31 value used for public, viewing, spending, and blinding
// keys.
type Key [4]uint32

// ZeroDigest is the sentinel for "not yet populated" Merkle roots.
var ZeroDigest = Digest{}

// IsZero reports whether d is the all-zero sentinel.
func (d Digest) IsZero() bool {
	return d == ZeroDigest
}

// Hex renders the digest as a 0x-prefixed string of eight 8-hex-digit words.
func (d Digest) Hex() string {
	var sb strings.Builder
	sb.WriteString("0x")
	for _, limb := range d {
		fmt.Fprintf(&sb, "%08x", limb)
	}
	return sb.String()
}

// ParseDigestHex parses a 64-hex-char (optionally 0x-prefixed) string into a
// Digest of eight 32-bit words.
func ParseDigestHex(s string) (Digest, error) {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 64 {
		return Digest{}, fmt.Errorf("digest must be 64 hex chars, got %d", len(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Digest{}, fmt.Errorf("invalid digest hex: %w", err)
	}
	var d Digest
	for i := 0; i < 8; i++ {
		d[i] = uint32(raw[i*4])<<24 | uint32(raw[i*4+1])<<16 | uint32(raw[i*4+2])<<8 | uint32(raw[i*4+3])
	}
	return d, nil
}

// Note is an output-note preimage: the data a client proves knowledge of.
type Note struct {
	OwnerPubKey Key    `json:"owner_pubkey"`
	AssetID     uint32 `json:"asset_id"`
	AmountLo    uint32 `json:"amount_lo"`
	AmountHi    uint32 `json:"amount_hi"`
	Blinding    Key    `json:"blinding"`
}

// Amount reconstructs the full note amount from its limbs.
func (n Note) Amount() uint64 {
	return uint64(n.AmountLo) + uint64(n.AmountHi)*(1<<31)
}

// SplitAmount splits an amount into its (lo, hi) M31 limbs.
func SplitAmount(amount uint64) (lo, hi uint32) {
	return uint32(amount % (1 << 31)), uint32(amount / (1 << 31))
}

// MerklePath is an inclusion path: sibling digests bottom-up plus the leaf
// index.
type MerklePath struct {
	Siblings []Digest `json:"siblings"`
	Index    uint64   `json:"index"`
}

// InputNote bundles a note with the key and path needed to spend it.
type InputNote struct {
	Note        Note       `json:"note"`
	SpendingKey Key        `json:"spending_key"`
	MerklePath  MerklePath `json:"merkle_path"`
}

// TxKind discriminates the pending transaction variants.
type TxKind int

const (
	KindDeposit TxKind = iota
	KindWithdraw
	KindTransfer
)

// String returns the wire name of the kind.
func (k TxKind) String() string {
	switch k {
	case KindDeposit:
		return "deposit"
	case KindWithdraw:
		return "withdraw"
	case KindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// OutputCount is the number of new commitments the proof emits for this kind:
// one for a deposit, none for a withdrawal, two for a transfer. The prover
// relies on this to map the output-commitment stream back to deposits.
func (k TxKind) OutputCount() int {
	switch k {
	case KindDeposit:
		return 1
	case KindTransfer:
		return 2
	default:
		return 0
	}
}

// PendingTx is the sealed transaction variant accepted by the batch queue.
// Exactly three implementations exist: Deposit, Withdraw, and Transfer.
type PendingTx interface {
	Kind() TxKind
	// TxAmount returns the transaction amount in base units.
	TxAmount() uint64
	// TxAssetID returns the asset identifier.
	TxAssetID() uint32

	sealed()
}

// Deposit shields external funds into a fresh output note.
type Deposit struct {
	Amount              uint64
	AssetID             uint32
	RecipientPubKey     Key
	RecipientViewingKey Key
}

// Withdraw spends one shielded note out of the pool.
type Withdraw struct {
	Amount            uint64
	AssetID           uint32
	Note              Note
	SpendingKey       Key
	MerklePath        MerklePath
	MerkleRoot        Digest
	WithdrawalBinding Digest
}

// Transfer spends two input notes into two fresh output notes.
type Transfer struct {
	Amount              uint64
	AssetID             uint32
	RecipientPubKey     Key
	RecipientViewingKey Key
	SenderViewingKey    Key
	InputNotes          [2]InputNote
	MerkleRoot          Digest
}

func (Deposit) Kind() TxKind  { return KindDeposit }
func (Withdraw) Kind() TxKind { return KindWithdraw }
func (Transfer) Kind() TxKind { return KindTransfer }

func (d Deposit) TxAmount() uint64  { return d.Amount }
func (w Withdraw) TxAmount() uint64 { return w.Amount }
func (t Transfer) TxAmount() uint64 { return t.Amount }

func (d Deposit) TxAssetID() uint32  { return d.AssetID }
func (w Withdraw) TxAssetID() uint32 { return w.AssetID }
func (t Transfer) TxAssetID() uint32 { return t.AssetID }

func (Deposit) sealed()  {}
func (Withdraw) sealed() {}
func (Transfer) sealed() {}
