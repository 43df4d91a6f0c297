//go:build linux

package ingest

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-kit/log/level"
	"github.com/prometheus/procfs"

	"github.com/grafana/pyroscope/addrspace"
)

// SeedLiveProcesses registers the processes already running when the
// recording starts, with their executable mappings from /proc/pid/maps.
// Seeded events carry the reference timestamp, so everything seeded appears
// to start at time zero.
func (p *Pipeline) SeedLiveProcesses() error {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return err
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return err
	}
	ts := p.conv.Reference()
	for _, proc := range procs {
		comm, err := proc.Comm()
		if err != nil {
			// gone between the listing and now
			continue
		}
		pid := strconv.Itoa(proc.PID)
		p.applyEvent(Event{Type: EventProcessStart, TS: ts, Pid: pid, Name: comm})
		maps, err := proc.ProcMaps()
		if err != nil {
			_ = level.Debug(p.logger).Log("msg", "cannot read maps", "pid", pid, "err", err)
			continue
		}
		for _, m := range maps {
			if m.Perms == nil || !m.Perms.Execute {
				continue
			}
			path := m.Pathname
			if path == "" || strings.HasPrefix(path, "[") {
				continue
			}
			p.applyEvent(Event{
				Type:      EventLibLoad,
				TS:        ts,
				Pid:       pid,
				Start:     uint64(m.StartAddr),
				End:       uint64(m.EndAddr),
				RelOffset: uint32(m.Offset),
				Lib: &LibInfo{
					Name:      filepath.Base(path),
					Path:      path,
					DebugName: filepath.Base(path),
					DebugPath: path,
					DebugID:   fileDebugID(path),
				},
			})
		}
	}
	return nil
}

// fileDebugID derives a debug id from the head of the mapped file. Good
// enough to tell two builds of the same path apart.
func fileDebugID(path string) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()
	buf := make([]byte, 4096)
	n, _ := f.Read(buf)
	if n == 0 {
		return ""
	}
	return string(addrspace.DebugIDFromBytes(buf[:n]))
}
