//go:build windows

package pagestore

import (
	"fmt"
	"os"
)

// Windows has no unix.Mmap; the mapped store degrades to a one-shot load of
// the whole file, which preserves the read-only contract.
func mmapReadOnly(f *os.File, size int) ([]byte, error) {
	data := make([]byte, size)
	if _, err := f.ReadAt(data, 0); err != nil {
		return nil, fmt.Errorf("pagestore: load page file: %w", err)
	}
	return data, nil
}

func munmap(_ []byte) error { return nil }
