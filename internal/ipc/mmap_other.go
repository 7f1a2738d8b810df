//go:build !unix

package ipc

func mapFile(string, int, bool) ([]byte, error) {
	return nil, ErrUnsupported
}

func unmap([]byte) error {
	return nil
}
