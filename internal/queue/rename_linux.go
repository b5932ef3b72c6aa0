//go:build linux

package queue

import (
	"errors"

	"golang.org/x/sys/unix"
)

// renameNoReplace atomically renames src to dst, failing with EEXIST if dst exists.
// Filesystems without RENAME_NOREPLACE fall back to link and unlink.
func renameNoReplace(src, dst string) error {
	err := unix.Renameat2(unix.AT_FDCWD, src, unix.AT_FDCWD, dst, unix.RENAME_NOREPLACE)
	if errors.Is(err, unix.ENOSYS) || errors.Is(err, unix.EINVAL) {
		return linkRename(src, dst)
	}
	return err
}
