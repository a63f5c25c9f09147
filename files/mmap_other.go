//go:build !unix

package files

// Without mmap support the Mmap backend reads through the descriptor.
func openMmapFile(path string, index uint32, kind Kind, create bool) (File, error) {
	return newDiskFile(path, index, kind, create)
}
