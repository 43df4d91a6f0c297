package perfmap

import "os"

// fileStat identifies a file version. Sources with an unchanged stat are
// served from cache instead of being parsed again.
type fileStat struct {
	Dev       uint64
	Inode     uint64
	Size      int64
	MtimeNano int64
}

func statFromFileInfo(fi os.FileInfo) fileStat {
	st := fileStat{
		Size:      fi.Size(),
		MtimeNano: fi.ModTime().UnixNano(),
	}
	sysStat(fi, &st)
	return st
}
