//go:build !(linux && iouring)

package evloop

import "errors"

// newIOUringBackend is the fallback for every build configuration other
// than linux with the iouring tag. NewWithBackend(opts, BackendIOUring)
// returns this error instead of failing to compile on platforms/tags that
// don't carry the real implementation in backend_uring_linux.go.
func newIOUringBackend(opts Options) (backend, error) {
	return nil, errors.New("evloop: io_uring backend requires building for linux with -tags iouring")
}
