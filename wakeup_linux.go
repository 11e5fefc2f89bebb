//go:build linux

package phaseloop

import "golang.org/x/sys/unix"

// createWakeFD creates an eventfd for wake-up notifications (Linux). The
// single eventfd serves as both read and write ends.
func createWakeFD() (readFd, writeFd int, err error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	return fd, fd, err
}
