package engine

import "golang.org/x/sys/unix"

// unixRights builds the SCM_RIGHTS ancillary-data payload carrying a
// single descriptor. The receiver obtains a distinct descriptor referring
// to the same open file description.
func unixRights(fd int) []byte {
	return unix.UnixRights(fd)
}
