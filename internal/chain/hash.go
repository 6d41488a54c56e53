// internal/chain/hash.go
package chain

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// hashToDigest folds a SHA-256 digest into eight M31 limbs. This mirrors the
// pool's digest layout: each 32-bit word is reduced below the modulus so the
// result is a valid field-element octet.
func hashToDigest(data []byte) Digest {
	sum := sha256.Sum256(data)
	var d Digest
	for i := 0; i < 8; i++ {
		d[i] = binary.BigEndian.Uint32(sum[i*4:]) % M31Modulus
	}
	return d
}

// HashNodes combines two child digests into their parent. This is the node
// hash of the commitment tree.
func HashNodes(left, right Digest) Digest {
	buf := make([]byte, 0, 65)
	buf = append(buf, 'n')
	for _, limb := range left {
		buf = binary.BigEndian.AppendUint32(buf, limb)
	}
	for _, limb := range right {
		buf = binary.BigEndian.AppendUint32(buf, limb)
	}
	return hashToDigest(buf)
}

// Nullifier derives the one-time spend tag for a note under its spending key.
// The pool contract stores these to prevent double-spends without learning
// the note.
func Nullifier(note Note, spendingKey Key) Digest {
	buf := make([]byte, 0, 64)
	buf = append(buf, 'f')
	for _, limb := range note.OwnerPubKey {
		buf = binary.BigEndian.AppendUint32(buf, limb)
	}
	buf = binary.BigEndian.AppendUint32(buf, note.AssetID)
	buf = binary.BigEndian.AppendUint32(buf, note.AmountLo)
	buf = binary.BigEndian.AppendUint32(buf, note.AmountHi)
	for _, limb := range note.Blinding {
		buf = binary.BigEndian.AppendUint32(buf, limb)
	}
	for _, limb := range spendingKey {
		buf = binary.BigEndian.AppendUint32(buf, limb)
	}
	return hashToDigest(buf)
}

// HashPublicInputs computes the canonical proof hash over a batch's public
// input stream. The verifier contract recomputes the same digest, so the
// encoding (length-prefixed big-endian words) is part of the wire contract.
func HashPublicInputs(publicInputs []uint32) Digest {
	buf := make([]byte, 0, 8+len(publicInputs)*4)
	buf = append(buf, 'p')
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(publicInputs)))
	for _, input := range publicInputs {
		buf = binary.BigEndian.AppendUint32(buf, input)
	}
	return hashToDigest(buf)
}

// CommitmentKey derives the store key for an output note from its
// owner/asset/amount/blinding. FNV-1a 128 is deliberate: the key only indexes
// the relayer's own submissions, so a non-cryptographic hash is sufficient
// and cheap.
func CommitmentKey(owner Key, assetID uint32, amount uint64, blinding Key) string {
	h := fnv.New128a()
	var word [4]byte
	for _, limb := range owner {
		binary.BigEndian.PutUint32(word[:], limb)
		h.Write(word[:])
	}
	binary.BigEndian.PutUint32(word[:], assetID)
	h.Write(word[:])
	var amt [8]byte
	binary.BigEndian.PutUint64(amt[:], amount)
	h.Write(amt[:])
	for _, limb := range blinding {
		binary.BigEndian.PutUint32(word[:], limb)
		h.Write(word[:])
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}
