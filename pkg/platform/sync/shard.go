package sync

// Index maps key onto one of n shards. The mapping is stable for the life of
// the process so work for the same key always lands on the same shard.
// Empty keys and n <= 1 map to shard 0.
func Index(key string, n int) int {
	if key == "" || n <= 1 {
		return 0
	}
	return int(hashString(key) % uint32(n))
}

// hashString is a djb2-style hash; distribution matters, cryptographic strength does not.
func hashString(s string) uint32 {
	var h uint32
	for i := 0; i < len(s); i++ {
		h = h*31 + uint32(s[i])
	}
	return h
}
