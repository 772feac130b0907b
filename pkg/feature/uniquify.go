package feature

// HashUniquifier deduplicates a batch's feature fingerprints before they
// are routed to servers, so a key pulled/pushed once per mini-batch (not
// once per occurrence) crosses the wire exactly once.
type HashUniquifier struct {
	seen   map[uint64]int // key -> position in unique
	unique []uint64       // distinct keys, first-occurrence order
}

// NewHashUniquifier returns an empty HashUniquifier.
func NewHashUniquifier() *HashUniquifier {
	return &HashUniquifier{seen: make(map[uint64]int)}
}

// Add registers key and returns its position within the distinct-key
// sequence, assigning it a fresh position on first occurrence.
func (u *HashUniquifier) Add(key uint64) int {
	if pos, ok := u.seen[key]; ok {
		return pos
	}
	pos := len(u.unique)
	u.seen[key] = pos
	u.unique = append(u.unique, key)
	return pos
}

// Unique returns the distinct keys seen so far, in first-occurrence order.
func (u *HashUniquifier) Unique() []uint64 { return u.unique }

// Uniquify consumes raw feature indices and returns the distinct keys (in
// first-occurrence order) plus, for every input index, the position of its
// key within that distinct slice. This is the shape PSAgent needs: one
// request per distinct key, with a recipe to scatter responses back into
// the original per-occurrence layout.
func Uniquify(indices []uint64) (unique []uint64, positions []int) {
	u := NewHashUniquifier()
	positions = make([]int, len(indices))
	for i, key := range indices {
		positions[i] = u.Add(key)
	}
	return u.Unique(), positions
}
