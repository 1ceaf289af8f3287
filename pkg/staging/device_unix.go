//go:build !windows

package staging

import (
	"os"
	"syscall"
)

// sameDevice reports whether two FileInfos refer to paths on the same
// filesystem, so Finalize can choose a plain rename over a copy+rename.
func sameDevice(a, b os.FileInfo) bool {
	as, aok := a.Sys().(*syscall.Stat_t)
	bs, bok := b.Sys().(*syscall.Stat_t)
	if !aok || !bok {
		return false
	}
	return as.Dev == bs.Dev
}
