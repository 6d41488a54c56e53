// internal/api/request.go
package api

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/bitsage/vm31-relayer/internal/chain"
	"github.com/bitsage/vm31-relayer/pkg/errors"
)

// MaxPendingTxs caps the queue before new submissions are rejected.
const MaxPendingTxs = 1024

// NoteJSON is the wire form of a note preimage.
type NoteJSON struct {
	OwnerPubkey [4]uint32 `json:"owner_pubkey"`
	AssetID     uint32    `json:"asset_id"`
	AmountLo    uint32    `json:"amount_lo"`
	AmountHi    uint32    `json:"amount_hi"`
	Blinding    [4]uint32 `json:"blinding"`
}

// MerklePathJSON is the wire form of an inclusion path.
type MerklePathJSON struct {
	Siblings [][8]uint32 `json:"siblings"`
	Index    uint64      `json:"index"`
}

// InputNoteJSON bundles a note with its spending key and path.
type InputNoteJSON struct {
	Note        NoteJSON       `json:"note"`
	SpendingKey [4]uint32      `json:"spending_key"`
	MerklePath  MerklePathJSON `json:"merkle_path"`
}

// SubmitRequest is the plaintext submission body, tagged on "type". The same
// document is what an ECIES envelope decrypts to.
type SubmitRequest struct {
	Type    string `json:"type"`
	Amount  uint64 `json:"amount"`
	AssetID uint32 `json:"asset_id"`

	RecipientPubkey     *[4]uint32 `json:"recipient_pubkey,omitempty"`
	RecipientViewingKey *[4]uint32 `json:"recipient_viewing_key,omitempty"`
	SenderViewingKey    *[4]uint32 `json:"sender_viewing_key,omitempty"`

	Note              *NoteJSON       `json:"note,omitempty"`
	SpendingKey       *[4]uint32      `json:"spending_key,omitempty"`
	MerklePath        *MerklePathJSON `json:"merkle_path,omitempty"`
	MerkleRoot        *[8]uint32      `json:"merkle_root,omitempty"`
	WithdrawalBinding *[8]uint32      `json:"withdrawal_binding,omitempty"`

	InputNotes []InputNoteJSON `json:"input_notes,omitempty"`
}

// denominations is the per-asset whitelist of deposit magnitudes. Fixed
// denominations prevent exact-amount correlation across deposit/withdraw
// pairs. Unknown asset ids pass through.
var denominations = map[uint32][6]uint64{
	// STRK
	1: {1_000_000, 10_000_000, 100_000_000, 1_000_000_000, 10_000_000_000, 100_000_000_000},
	// ETH
	2: {100_000, 1_000_000, 10_000_000, 100_000_000, 1_000_000_000, 10_000_000_000},
}

func validateFieldElement(val uint32, fieldName string) error {
	if val > chain.M31Modulus {
		return errors.BadRequest(fmt.Sprintf("%s: value %d exceeds field modulus", fieldName, val))
	}
	return nil
}

func validateKey(arr [4]uint32, fieldName string) (chain.Key, error) {
	for _, val := range arr {
		if err := validateFieldElement(val, fieldName); err != nil {
			return chain.Key{}, err
		}
	}
	return chain.Key(arr), nil
}

func validateDigest(arr [8]uint32, fieldName string) (chain.Digest, error) {
	for _, val := range arr {
		if err := validateFieldElement(val, fieldName); err != nil {
			return chain.Digest{}, err
		}
	}
	return chain.Digest(arr), nil
}

func validateAmount(amount uint64) error {
	if amount == 0 {
		return errors.BadRequest("amount must be > 0")
	}
	if amount > chain.MaxNoteAmount {
		return errors.BadRequest("amount exceeds maximum")
	}
	return nil
}

func validateDenomination(assetID uint32, amount uint64) error {
	allowed, known := denominations[assetID]
	if !known {
		return nil
	}
	for _, magnitude := range allowed {
		if amount == magnitude {
			return nil
		}
	}
	return errors.BadRequest(fmt.Sprintf("amount is not a permitted denomination for asset %d", assetID))
}

func validateMerklePath(p *MerklePathJSON, fieldName string) (chain.MerklePath, error) {
	if len(p.Siblings) > chain.MaxMerkleDepth {
		return chain.MerklePath{}, errors.BadRequest(fmt.Sprintf(
			"%s: depth %d exceeds maximum %d", fieldName, len(p.Siblings), chain.MaxMerkleDepth))
	}
	siblings := make([]chain.Digest, 0, len(p.Siblings))
	for i, s := range p.Siblings {
		d, err := validateDigest(s, fmt.Sprintf("%s.siblings[%d]", fieldName, i))
		if err != nil {
			return chain.MerklePath{}, err
		}
		siblings = append(siblings, d)
	}
	return chain.MerklePath{Siblings: siblings, Index: p.Index}, nil
}

func validateNote(n *NoteJSON, fieldName string) (chain.Note, error) {
	owner, err := validateKey(n.OwnerPubkey, fieldName+".owner_pubkey")
	if err != nil {
		return chain.Note{}, err
	}
	if err := validateFieldElement(n.AssetID, fieldName+".asset_id"); err != nil {
		return chain.Note{}, err
	}
	if err := validateFieldElement(n.AmountLo, fieldName+".amount_lo"); err != nil {
		return chain.Note{}, err
	}
	if err := validateFieldElement(n.AmountHi, fieldName+".amount_hi"); err != nil {
		return chain.Note{}, err
	}
	blinding, err := validateKey(n.Blinding, fieldName+".blinding")
	if err != nil {
		return chain.Note{}, err
	}
	return chain.Note{
		OwnerPubKey: owner,
		AssetID:     n.AssetID,
		AmountLo:    n.AmountLo,
		AmountHi:    n.AmountHi,
		Blinding:    blinding,
	}, nil
}

// ValidateAndConvert checks every field against the field modulus, amount
// bounds, Merkle depth, and deposit denominations, and produces the internal
// transaction variant.
func (r *SubmitRequest) ValidateAndConvert() (chain.PendingTx, error) {
	if err := validateAmount(r.Amount); err != nil {
		return nil, err
	}

	switch r.Type {
	case "deposit":
		if r.RecipientPubkey == nil || r.RecipientViewingKey == nil {
			return nil, errors.BadRequest("deposit requires recipient_pubkey and recipient_viewing_key")
		}
		if err := validateDenomination(r.AssetID, r.Amount); err != nil {
			return nil, err
		}
		pubkey, err := validateKey(*r.RecipientPubkey, "recipient_pubkey")
		if err != nil {
			return nil, err
		}
		viewingKey, err := validateKey(*r.RecipientViewingKey, "recipient_viewing_key")
		if err != nil {
			return nil, err
		}
		return chain.Deposit{
			Amount:              r.Amount,
			AssetID:             r.AssetID,
			RecipientPubKey:     pubkey,
			RecipientViewingKey: viewingKey,
		}, nil

	case "withdraw":
		if r.Note == nil || r.SpendingKey == nil || r.MerklePath == nil || r.MerkleRoot == nil || r.WithdrawalBinding == nil {
			return nil, errors.BadRequest("withdraw requires note, spending_key, merkle_path, merkle_root, withdrawal_binding")
		}
		note, err := validateNote(r.Note, "note")
		if err != nil {
			return nil, err
		}
		spendingKey, err := validateKey(*r.SpendingKey, "spending_key")
		if err != nil {
			return nil, err
		}
		path, err := validateMerklePath(r.MerklePath, "merkle_path")
		if err != nil {
			return nil, err
		}
		root, err := validateDigest(*r.MerkleRoot, "merkle_root")
		if err != nil {
			return nil, err
		}
		binding, err := validateDigest(*r.WithdrawalBinding, "withdrawal_binding")
		if err != nil {
			return nil, err
		}
		return chain.Withdraw{
			Amount:            r.Amount,
			AssetID:           r.AssetID,
			Note:              note,
			SpendingKey:       spendingKey,
			MerklePath:        path,
			MerkleRoot:        root,
			WithdrawalBinding: binding,
		}, nil

	case "transfer":
		if r.RecipientPubkey == nil || r.RecipientViewingKey == nil || r.SenderViewingKey == nil || r.MerkleRoot == nil {
			return nil, errors.BadRequest("transfer requires recipient keys, sender_viewing_key, and merkle_root")
		}
		if len(r.InputNotes) != 2 {
			return nil, errors.BadRequest("transfer requires exactly two input notes")
		}
		pubkey, err := validateKey(*r.RecipientPubkey, "recipient_pubkey")
		if err != nil {
			return nil, err
		}
		viewingKey, err := validateKey(*r.RecipientViewingKey, "recipient_viewing_key")
		if err != nil {
			return nil, err
		}
		senderViewingKey, err := validateKey(*r.SenderViewingKey, "sender_viewing_key")
		if err != nil {
			return nil, err
		}
		root, err := validateDigest(*r.MerkleRoot, "merkle_root")
		if err != nil {
			return nil, err
		}

		var inputs [2]chain.InputNote
		for i := range r.InputNotes {
			field := fmt.Sprintf("input_notes[%d]", i)
			note, err := validateNote(&r.InputNotes[i].Note, field+".note")
			if err != nil {
				return nil, err
			}
			spendingKey, err := validateKey(r.InputNotes[i].SpendingKey, field+".spending_key")
			if err != nil {
				return nil, err
			}
			path, err := validateMerklePath(&r.InputNotes[i].MerklePath, field+".merkle_path")
			if err != nil {
				return nil, err
			}
			inputs[i] = chain.InputNote{Note: note, SpendingKey: spendingKey, MerklePath: path}
		}

		return chain.Transfer{
			Amount:              r.Amount,
			AssetID:             r.AssetID,
			RecipientPubKey:     pubkey,
			RecipientViewingKey: viewingKey,
			SenderViewingKey:    senderViewingKey,
			InputNotes:          inputs,
			MerkleRoot:          root,
		}, nil

	default:
		return nil, errors.BadRequest("type must be one of: deposit, withdraw, transfer")
	}
}

// IdempotencyKey derives the deduplication token for a plaintext submission:
// SHA-256 over the canonical (re-marshaled) payload.
func (r *SubmitRequest) IdempotencyKey() string {
	canonical, err := json.Marshal(r)
	if err != nil {
		canonical = nil
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// envelopeIdempotencyKey derives the token for an encrypted submission
// without decrypting it: SHA-256 over the ephemeral key, the nonce, and at
// most 64 bytes of ciphertext.
func envelopeIdempotencyKey(ephemeralPubkeyHex, nonceHex, ciphertextB64 string) string {
	h := sha256.New()
	if epk, err := hex.DecodeString(ephemeralPubkeyHex); err == nil {
		h.Write(epk)
	}
	if nonce, err := hex.DecodeString(nonceHex); err == nil {
		h.Write(nonce)
	}
	if ct, err := base64.StdEncoding.DecodeString(ciphertextB64); err == nil {
		if len(ct) > 64 {
			ct = ct[:64]
		}
		h.Write(ct)
	}
	return hex.EncodeToString(h.Sum(nil))
}
