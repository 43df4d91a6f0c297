//go:build linux

package perfmap

import (
	"os"
	"syscall"
)

func sysStat(fi os.FileInfo, st *fileStat) {
	sys, ok := fi.Sys().(*syscall.Stat_t)
	if !ok || sys == nil {
		return
	}
	st.Dev = sys.Dev
	st.Inode = sys.Ino
}
