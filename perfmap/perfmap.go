package perfmap

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/grafana/pyroscope/addrspace"
)

// Name returns the conventional file name of the perf map for a pid.
func Name(pid string) string {
	return fmt.Sprintf("perf-%s.map", pid)
}

// Path returns the conventional perf map path for a pid.
func Path(pid string) string {
	return "/tmp/" + Name(pid)
}

// LoadPerfMap reads /tmp/perf-<pid>.map and registers its functions as a
// synthetic library in the process's address space. A missing file is not
// an error; malformed lines are dropped and counted. Reports whether a
// source was loaded.
func (l *Loader) LoadPerfMap(profile *addrspace.Profile, process addrspace.ProcessHandle, pid string, recycler Recycler) bool {
	path := Path(pid)
	src, ok := l.loadSource("perfmap", l.sourcePath(path), l.parsePerfMapFile)
	if !ok {
		return false
	}
	name := Name(pid)
	lib := profile.AddLib(addrspace.LibraryInfo{
		Name:      name,
		Path:      path,
		DebugName: name,
		DebugPath: path,
	})
	l.assemble(profile, process, lib, src.entries, recycler)
	return true
}

func (l *Loader) parsePerfMapFile(f *os.File, _ int64) (*cachedSource, error) {
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return &cachedSource{entries: l.parsePerfMap(data)}, nil
}

func (l *Loader) parsePerfMap(data []byte) []entry {
	var entries []entry
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		var line []byte
		if i == -1 {
			line = data
			data = nil
		} else {
			line = data[:i]
			data = data[i+1:]
		}
		if len(line) == 0 {
			continue
		}
		e, ok := l.parsePerfMapLine(line)
		if !ok {
			l.options.Metrics.LinesRejected.Inc()
			continue
		}
		l.options.Metrics.LinesParsed.Inc()
		entries = append(entries, e)
	}
	return entries
}

// parsePerfMapLine parses "<hex addr> <hex size> <name>". The name runs to
// the end of the line and may contain spaces.
func (l *Loader) parsePerfMapLine(line []byte) (entry, bool) {
	space := bytes.IndexByte(line, ' ')
	if space == -1 {
		return entry{}, false
	}
	addrField := line[:space]
	line = line[space+1:]

	space = bytes.IndexByte(line, ' ')
	if space == -1 {
		return entry{}, false
	}
	sizeField := line[:space]
	name := line[space+1:]
	if len(name) == 0 {
		return entry{}, false
	}

	addr, err := parseHex(addrField, 64)
	if err != nil {
		return entry{}, false
	}
	size, err := parseHex(sizeField, 32)
	if err != nil {
		return entry{}, false
	}
	return entry{addr: addr, size: uint32(size), name: l.symbolName(string(name))}, true
}

func parseHex(field []byte, bits int) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(string(field), "0x"), 16, bits)
}
