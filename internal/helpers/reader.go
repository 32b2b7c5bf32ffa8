package helpers

import "io"

// ReadAllAndClose drains a response body and closes it in one step.
func ReadAllAndClose(r io.ReadCloser) ([]byte, error) {
	defer r.Close()
	return io.ReadAll(r)
}

// ReadAllLimit reads at most max bytes from r. Anything past the limit is
// left unread; the caller keeps ownership of the reader.
func ReadAllLimit(r io.Reader, max int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, max))
}
