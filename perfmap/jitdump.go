package perfmap

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	bufra "github.com/avvmoto/buf-readerat"

	"github.com/grafana/pyroscope/addrspace"
)

// jitdump format, see linux/tools/perf/Documentation/jitdump-specification.txt
const (
	jitDumpMagic = 0x4A695444 // "JiTD"

	jitDumpHeaderSize       = 40
	jitDumpRecordHeaderSize = 16
	jitDumpLoadFixedSize    = 40

	jitDumpRecordLoad = 0
)

// LoadJitDump reads a jitdump file and registers its JIT_CODE_LOAD records
// as a synthetic library in the process's address space. A missing file is
// not an error; a truncated tail is tolerated. Reports whether a source was
// loaded.
func (l *Loader) LoadJitDump(profile *addrspace.Profile, process addrspace.ProcessHandle, path string, recycler Recycler) bool {
	src, ok := l.loadSource("jitdump", l.sourcePath(path), l.parseJitDumpFile)
	if !ok {
		return false
	}
	name := filepath.Base(path)
	lib := profile.AddLib(addrspace.LibraryInfo{
		Name:      name,
		Path:      path,
		DebugName: name,
		DebugPath: path,
		DebugID:   src.debugID,
	})
	l.assemble(profile, process, lib, src.entries, recycler)
	return true
}

func (l *Loader) parseJitDumpFile(f *os.File, size int64) (*cachedSource, error) {
	r := bufra.NewBufReaderAt(f, 64*1024)

	header := make([]byte, jitDumpHeaderSize)
	if _, err := r.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("jitdump header: %w", err)
	}
	if magic := binary.LittleEndian.Uint32(header[0:4]); magic != jitDumpMagic {
		return nil, fmt.Errorf("jitdump magic 0x%x", magic)
	}
	off := int64(binary.LittleEndian.Uint32(header[8:12])) // total_size includes optional extra header words
	if off < jitDumpHeaderSize {
		off = jitDumpHeaderSize
	}

	var entries []entry
	rec := make([]byte, jitDumpRecordHeaderSize+jitDumpLoadFixedSize)
	for off < size {
		if _, err := r.ReadAt(rec[:jitDumpRecordHeaderSize], off); err != nil {
			break
		}
		id := binary.LittleEndian.Uint32(rec[0:4])
		total := int64(binary.LittleEndian.Uint32(rec[4:8]))
		if total < jitDumpRecordHeaderSize || off+total > size {
			break
		}
		if id == jitDumpRecordLoad && total >= jitDumpRecordHeaderSize+jitDumpLoadFixedSize {
			if e, ok := l.parseJitDumpLoad(r, off, total); ok {
				entries = append(entries, e)
			}
		}
		off += total
	}
	return &cachedSource{
		entries: entries,
		// Jitdump headers carry the emitting pid and a timestamp, which
		// makes them a usable identity for the synthetic library.
		debugID: addrspace.DebugIDFromBytes(header),
	}, nil
}

// parseJitDumpLoad decodes one JIT_CODE_LOAD record: fixed fields, then a
// NUL-terminated function name, then the native code bytes.
func (l *Loader) parseJitDumpLoad(r *bufra.BufReaderAt, off, total int64) (entry, bool) {
	fixed := make([]byte, jitDumpLoadFixedSize)
	if _, err := r.ReadAt(fixed, off+jitDumpRecordHeaderSize); err != nil {
		return entry{}, false
	}
	codeAddr := binary.LittleEndian.Uint64(fixed[16:24])
	codeSize := binary.LittleEndian.Uint64(fixed[24:32])

	nameLen := total - jitDumpRecordHeaderSize - jitDumpLoadFixedSize - int64(codeSize)
	if nameLen < 1 {
		return entry{}, false
	}
	name := make([]byte, nameLen)
	if _, err := r.ReadAt(name, off+jitDumpRecordHeaderSize+jitDumpLoadFixedSize); err != nil {
		return entry{}, false
	}
	if i := bytes.IndexByte(name, 0); i >= 0 {
		name = name[:i]
	}
	if len(name) == 0 {
		return entry{}, false
	}
	return entry{
		addr: codeAddr,
		size: uint32(codeSize),
		name: l.symbolName(string(name)),
	}, true
}
