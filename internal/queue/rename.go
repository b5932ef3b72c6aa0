package queue

import (
	"errors"
	"os"
)

// linkRename moves src to dst without replacing dst: the hard link fails with EEXIST
// when dst exists, and only the caller whose link succeeded removes src.
func linkRename(src, dst string) error {
	if err := os.Link(src, dst); err != nil {
		var linkErr *os.LinkError
		if errors.As(err, &linkErr) {
			return linkErr.Err
		}
		return err
	}
	if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
