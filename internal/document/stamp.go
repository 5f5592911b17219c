package document

// Stamp orders writes to a single record across replicas. Counter is the
// lamport counter at write time; Actor is the writing device's id, used
// only to break counter ties deterministically.
type Stamp struct {
	Counter uint64 `json:"counter"`
	Actor   string `json:"actor"`
}

// Newer reports whether s supersedes other. The ordering is total: equal
// counters fall back to actor comparison, so every replica picks the
// same winner for concurrent writes.
func (s Stamp) Newer(other Stamp) bool {
	if s.Counter != other.Counter {
		return s.Counter > other.Counter
	}
	return s.Actor > other.Actor
}
