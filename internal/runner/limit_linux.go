package runner

import "golang.org/x/sys/unix"

// applyMemoryLimit caps the address space of pid. Children inherit the limit
// from the moment it is applied.
func applyMemoryLimit(pid int, limitBytes int64) error {
	limit := &unix.Rlimit{Cur: uint64(limitBytes), Max: uint64(limitBytes)}
	return unix.Prlimit(pid, unix.RLIMIT_AS, limit, nil)
}
