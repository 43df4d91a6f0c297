package ingest

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"runtime"
	"strconv"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/exp/slices"

	"github.com/grafana/pyroscope/addrspace"
)

const kallsymsPath = "/proc/kallsyms"

// The last symbol of a module has no size; give the image a page of tail
// room so addresses inside it still resolve.
const kernelModuleTail = 0x1000

var kallsymsCoreModule = "kernel"

type kallsym struct {
	addr   uint64
	name   string
	module string
}

// LoadKernelSymbols reads /proc/kallsyms and registers one kernel library
// per module, each with a kernel mapping and a symbol table.
func LoadKernelSymbols(logger log.Logger, profile *addrspace.Profile) error {
	data, err := os.ReadFile(kallsymsPath)
	if err != nil {
		return err
	}
	return LoadKernelSymbolsFromData(logger, profile, data)
}

func LoadKernelSymbolsFromData(logger log.Logger, profile *addrspace.Profile, kallsyms []byte) error {
	syms, err := parseKallsyms(kallsyms)
	if err != nil {
		return err
	}
	if len(syms) == 0 {
		_ = level.Warn(logger).Log("msg", "kallsyms has no usable symbols, kernel addresses will stay unresolved",
			"hint", "check /proc/sys/kernel/kptr_restrict")
		return nil
	}

	byModule := make(map[string][]kallsym)
	for _, s := range syms {
		byModule[s.module] = append(byModule[s.module], s)
	}

	type group struct {
		name  string
		start uint64
		end   uint64
		syms  []addrspace.Symbol
	}
	groups := make([]group, 0, len(byModule))
	for module, ms := range byModule {
		slices.SortFunc(ms, func(a, b kallsym) int {
			if a.addr < b.addr {
				return -1
			}
			if a.addr > b.addr {
				return 1
			}
			return 0
		})
		g := group{
			name:  "[" + module + "]",
			start: ms[0].addr,
			end:   ms[len(ms)-1].addr + kernelModuleTail,
		}
		if module == kallsymsCoreModule {
			g.name = "[kernel.kallsyms]"
		}
		for _, s := range ms {
			rel := s.addr - g.start
			if rel > math.MaxUint32 {
				continue
			}
			g.syms = append(g.syms, addrspace.Symbol{Rel: uint32(rel), Name: s.name})
		}
		groups = append(groups, g)
	}
	slices.SortFunc(groups, func(a, b group) int {
		if a.start < b.start {
			return -1
		}
		if a.start > b.start {
			return 1
		}
		return 0
	})

	for _, g := range groups {
		lib := profile.AddLib(addrspace.LibraryInfo{
			Name:      g.name,
			Path:      g.name,
			DebugName: g.name,
			DebugPath: kallsymsPath,
		})
		profile.AddKernelLibMapping(lib, g.start, g.end, 0)
		profile.SetLibSymbolTable(lib, addrspace.NewSymbolTable(g.syms))
	}
	_ = level.Debug(logger).Log("msg", "loaded kernel symbols", "modules", len(groups), "symbols", len(syms))
	return nil
}

// parseKallsyms keeps function symbols that are inside the kernel address
// space. A table where every address reads as zero means the addresses are
// hidden from us; that parses to nothing rather than an error.
func parseKallsyms(kallsyms []byte) ([]kallsym, error) {
	kernelAddrSpace := uint64(0)
	if runtime.GOARCH == "amd64" {
		// https://www.kernel.org/doc/Documentation/x86/x86_64/mm.txt
		kernelAddrSpace = 0x00ffffffffffffff
	}

	var syms []kallsym
	allZeros := true
	for len(kallsyms) > 0 {
		i := bytes.IndexByte(kallsyms, '\n')
		var line []byte
		if i == -1 {
			line = kallsyms
			kallsyms = nil
		} else {
			line = kallsyms[:i]
			kallsyms = kallsyms[i+1:]
		}

		if len(line) == 0 {
			continue
		}
		space := bytes.IndexByte(line, ' ')
		if space == -1 {
			return nil, fmt.Errorf("no space in kallsyms line")
		}
		addr := line[:space]
		line = line[space+1:]

		space = bytes.IndexByte(line, ' ')
		if space == -1 {
			return nil, fmt.Errorf("no space in kallsyms line")
		}
		typ := line[:space]
		line = line[space+1:]

		var name []byte
		var mod []byte
		tab := bytes.IndexByte(line, '\t')
		if tab == -1 {
			name = line
			mod = []byte(kallsymsCoreModule)
		} else {
			name = line[:tab]
			mod = line[tab+1:]
		}

		if typ[0] == 'b' || typ[0] == 'B' || typ[0] == 'd' ||
			typ[0] == 'D' || typ[0] == 'r' || typ[0] == 'R' {

			continue
		}

		istart, err := strconv.ParseUint(string(addr), 16, 64)
		if err != nil {
			return nil, err
		}
		if istart < kernelAddrSpace {
			continue
		}
		if bytes.HasPrefix(mod, []byte{'['}) && bytes.HasSuffix(mod, []byte{']'}) {
			mod = mod[1 : len(mod)-1]
		}
		if istart != 0 {
			allZeros = false
		}
		syms = append(syms, kallsym{istart, string(name), string(mod)})
	}
	if allZeros {
		return nil, nil
	}
	return syms, nil
}
