//go:build !unix

package audit

import "os"

// lockFile is a no-op where flock is unavailable; FileStore.mu still
// serializes writers within the process.
func lockFile(*os.File) (func(), error) {
	return func() {}, nil
}
