package vinyl

import (
	"hash/fnv"
	"math"
)

// BloomFilter is the run writer's per-run membership filter: every key
// appended to a run is also added here, and the filter is serialized
// into the run's footer so a reader can skip opening pages for a key
// that provably isn't present. Bits are packed into 64-bit words rather
// than a bool slice, since a run's filter is sized in the millions of
// bits for a page's worth of statements and this is the footer that
// gets written to disk on every dump and compaction.
//
// False positives are possible (MayContain can say "maybe" for a key
// that was never added); false negatives are not (MayContain never
// says "no" for a key that was added).
type BloomFilter struct {
	bits      []uint64
	size      int // number of bits
	hashCount int
}

// NewBloomFilter sizes a filter for expectedItems entries at the given
// target false-positive rate, following the standard optimal formulas:
//
//	m = -(n * ln(p)) / (ln(2)^2)
//	k = (m/n) * ln(2)
func NewBloomFilter(expectedItems int, falsePositiveRate float64) *BloomFilter {
	if expectedItems <= 0 {
		expectedItems = 1
	}
	if falsePositiveRate <= 0 || falsePositiveRate >= 1 {
		falsePositiveRate = 0.01
	}

	size := int(math.Ceil(-float64(expectedItems) * math.Log(falsePositiveRate) / (math.Ln2 * math.Ln2)))
	hashCount := int(math.Ceil((float64(size) / float64(expectedItems)) * math.Ln2))

	const maxSize = 1_000_000_000 // 1 billion bits, ~119MB packed
	if size > maxSize {
		size = maxSize
	}
	if size < 1 {
		size = 1
	}
	if hashCount < 1 {
		hashCount = 1
	}
	if hashCount > 100 {
		hashCount = 100
	}

	words := (size + 63) / 64
	return &BloomFilter{
		bits:      make([]uint64, words),
		size:      size,
		hashCount: hashCount,
	}
}

// Add records key's membership.
func (bf *BloomFilter) Add(key []byte) {
	for i := 0; i < bf.hashCount; i++ {
		bf.setBit(bf.hash(key, i))
	}
}

// MayContain reports whether key might be present. A false return is
// certain; a true return is probabilistic.
func (bf *BloomFilter) MayContain(key []byte) bool {
	for i := 0; i < bf.hashCount; i++ {
		if !bf.getBit(bf.hash(key, i)) {
			return false
		}
	}
	return true
}

// Contains is an alias for MayContain, for call sites that read more
// naturally as a plain membership check.
func (bf *BloomFilter) Contains(key []byte) bool {
	return bf.MayContain(key)
}

func (bf *BloomFilter) setBit(pos int) {
	bf.bits[pos/64] |= 1 << uint(pos%64)
}

func (bf *BloomFilter) getBit(pos int) bool {
	return bf.bits[pos/64]&(1<<uint(pos%64)) != 0
}

// hash computes the i-th of bf.hashCount positions for key via double
// hashing: (h1 + i*h2) % size, with h2 forced odd so it's coprime with
// any power-of-two size and doesn't cluster.
func (bf *BloomFilter) hash(key []byte, i int) int {
	h1 := fnv.New64a()
	_, _ = h1.Write(key)
	hash1 := h1.Sum64()

	h2 := fnv.New64a()
	_, _ = h2.Write(key)
	_, _ = h2.Write([]byte{0xFF})
	hash2 := h2.Sum64()
	if hash2%2 == 0 {
		hash2++
	}

	combined := hash1 + uint64(i)*hash2
	return int(combined % uint64(bf.size))
}

// Size returns the filter's size in bits.
func (bf *BloomFilter) Size() int {
	return bf.size
}

// HashCount returns the number of hash functions in use.
func (bf *BloomFilter) HashCount() int {
	return bf.hashCount
}

// EstimateFalsePositiveRate estimates the current false-positive rate
// given itemCount items actually inserted so far: p = (1 - e^(-kn/m))^k.
func (bf *BloomFilter) EstimateFalsePositiveRate(itemCount int) float64 {
	k := float64(bf.hashCount)
	n := float64(itemCount)
	m := float64(bf.size)
	return math.Pow(1.0-math.Exp(-k*n/m), k)
}

// Reset clears every bit without changing the filter's sizing.
func (bf *BloomFilter) Reset() {
	for i := range bf.bits {
		bf.bits[i] = 0
	}
}

// Merge ORs other into bf in place. Both filters must share the same
// size and hash count, which holds for any two filters built from the
// same policy snapshot.
func (bf *BloomFilter) Merge(other *BloomFilter) error {
	if bf.size != other.size || bf.hashCount != other.hashCount {
		return ErrIncompatibleFilters
	}
	for i := range bf.bits {
		bf.bits[i] |= other.bits[i]
	}
	return nil
}

// MarshalBinary packs the filter's bits into a byte slice for the run
// footer.
func (bf *BloomFilter) MarshalBinary() []byte {
	byteCount := (bf.size + 7) / 8
	data := make([]byte, byteCount)
	for i := 0; i < bf.size; i++ {
		if bf.getBit(i) {
			data[i/8] |= 1 << (i % 8)
		}
	}
	return data
}

// UnmarshalBinary restores bits from a run footer's packed
// representation into an already-sized filter.
func (bf *BloomFilter) UnmarshalBinary(data []byte) error {
	for i := 0; i < bf.size && i/8 < len(data); i++ {
		if data[i/8]&(1<<(i%8)) != 0 {
			bf.setBit(i)
		}
	}
	return nil
}

var ErrIncompatibleFilters = &BloomFilterError{"incompatible bloom filters"}

// BloomFilterError reports a Merge between filters built with different
// sizing or hash-function counts.
type BloomFilterError struct {
	msg string
}

func (e *BloomFilterError) Error() string {
	return e.msg
}
