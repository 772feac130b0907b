// Package feature implements column parsing, the combine-schema compiler,
// and BKDR-based feature fingerprinting. The hash constants here are part
// of the wire contract with stored models and must never change.
package feature

// BKDRHash computes the BKDR hash (base 131, seed 0) of str.
func BKDRHash(str string) uint64 {
	return bkdrHash(str, 0)
}

func bkdrHash(str string, seed uint64) uint64 {
	for i := 0; i < len(str); i++ {
		seed = seed*131 + uint64(str[i])
	}
	return seed
}

// BKDRHashWithEqualPostfix computes BKDRHash(str) as if a trailing '='
// byte were appended. Used to hash column/alias names so that a name hash
// can never collide with a value hash of the literal same bytes.
func BKDRHashWithEqualPostfix(str string) uint64 {
	seed := bkdrHash(str, 0)
	return seed*131 + '='
}

// mix folds value x into accumulator h using the fixed fingerprint mixing
// function shared by field and concat. The constant 0x9e3779b9 is the
// golden-ratio constant also used by boost::hash_combine; it must not
// change since it is part of the model wire format.
func mix(h, x uint64) uint64 {
	return h ^ (x + 0x9e3779b9 + (h << 6) + (h >> 2))
}

// fieldHash folds a single (name_hash, value_hash) pair into a feature
// fingerprint.
func fieldHash(name, value uint64) uint64 {
	return mix(name, value)
}

// concatField folds an additional (name_hash, value_hash) pair into an
// already-computed fingerprint h, first mixing in a literal separator byte
// exactly as the original implementation does.
func concatField(h, name, value uint64) uint64 {
	const sep = uint64('\001')
	h = mix(h, sep)
	h = mix(h, name)
	h = mix(h, value)
	return h
}

// ComputeFeatureHash hashes an ordered sequence of (name, value) string
// pairs into a single 64-bit feature fingerprint: field(n1,v1) when there
// is a single pair, else concat(...concat(field(n1,v1), n2, v2)..., nk, vk).
// feature must not be empty and none of the values may be the literal
// "none" token (callers are expected to have already filtered it out).
func ComputeFeatureHash(feature []NameValue) uint64 {
	if len(feature) == 0 {
		panic("feature: ComputeFeatureHash requires at least one (name, value) pair")
	}
	var h uint64
	for i, p := range feature {
		if p.Value == "none" {
			panic("feature: \"none\" as a value is invalid; it should have been filtered")
		}
		name := BKDRHashWithEqualPostfix(p.Name)
		value := BKDRHash(p.Value)
		if i == 0 {
			h = fieldHash(name, value)
		} else {
			h = concatField(h, name, value)
		}
	}
	return h
}

// NameValue is a single (column-alias, token) pair fed to ComputeFeatureHash.
type NameValue struct {
	Name  string
	Value string
}
