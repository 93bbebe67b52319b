//go:build linux

package store

import "golang.org/x/sys/unix"

// diskStats reports the bytes available to unprivileged processes (Bavail,
// not Bfree) and the total size of the filesystem holding path.
func diskStats(path string) (avail, total uint64) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, 0
	}
	bsize := uint64(st.Bsize)
	return st.Bavail * bsize, st.Blocks * bsize
}
