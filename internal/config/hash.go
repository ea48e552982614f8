package config

import "hash/fnv"

// hashBytes returns a stable 64-bit content hash suitable for change
// detection. Zero is reserved as "no hash".
func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	v := h.Sum64()
	if v == 0 {
		return 1
	}
	return v
}
