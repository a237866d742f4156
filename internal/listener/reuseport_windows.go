//go:build windows

package listener

// SO_REUSEPORT has no Windows equivalent; a single listener per address is
// used there instead of one-per-core, so this is a harmless no-op.
func setReusePort(fd uintptr) error {
	return nil
}
