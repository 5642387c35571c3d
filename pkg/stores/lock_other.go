//go:build !unix

package stores

import "context"

// lockFile is a no-op where flock is unavailable; concurrent writers are not
// protected on these platforms.
func lockFile(_ context.Context, _ string) (func() error, error) {
	return noopUnlock, nil
}
