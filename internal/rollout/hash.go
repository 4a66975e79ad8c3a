package rollout

import (
	"github.com/ethereum/go-ethereum/crypto"
)

// admissionBucketSize is the resolution of the percentage gate: a hash
// reduced mod this value, then divided by 100, yields a value comparable
// to an integer 0-100 percentage with two fractional digits of precision.
const admissionBucketSize = 10000

// admissionHash computes a stable, explicit 64-bit hash for the
// merchant+plugin percentage gate. hash/maphash is per-process randomized
// and unsuitable: the same pair must bucket identically across processes.
// Keccak256 over the NUL-joined identifier pair gives a well-distributed,
// deterministic digest; the first 8 bytes read big-endian as a uint64 feed
// the mod-10000 reduction used by ShouldUpgrade.
func admissionHash(merchant, plugin string) uint64 {
	digest := crypto.Keccak256([]byte(merchant + "\x00" + plugin))
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(digest[i])
	}
	return v
}

// admissionBucket reduces (merchant, plugin) to a stable value in
// [0, admissionBucketSize), comparable against percentage*100.
func admissionBucket(merchant, plugin string) int {
	return int(admissionHash(merchant, plugin) % admissionBucketSize)
}
