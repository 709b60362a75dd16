//go:build windows

package partition

import (
	"io"
	"os"
)

// Windows has no portable shared read-write mmap in golang.org/x/sys
// used elsewhere in this module, so the Windows build reads the region
// into a plain buffer and writes it back explicitly on Sync/Close
// instead of relying on the OS to keep a mapping coherent with the file.
func mmapFile(f *os.File, size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, 0); err != nil && err != io.EOF {
		return nil, err
	}
	return buf, nil
}

func munmapFile(f *os.File, data []byte) error {
	return msyncFile(f, data)
}

func msyncFile(f *os.File, data []byte) error {
	_, err := f.WriteAt(data, 0)
	return err
}
