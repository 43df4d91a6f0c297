package sd

import (
	"strings"

	"golang.org/x/exp/slices"
)

// TargetFilter limits which processes are admitted into a profile. Pids
// match exactly; Names match as substrings of the process name. Both empty
// admits everything.
type TargetFilter struct {
	Pids  []string `json:"pids,omitempty"`
	Names []string `json:"names,omitempty"`
}

func (f *TargetFilter) Empty() bool {
	return f == nil || (len(f.Pids) == 0 && len(f.Names) == 0)
}

// Admit reports whether events of the process pass the filter. An empty
// name only checks the pid rules; the name rules apply once a name is
// known.
func (f *TargetFilter) Admit(pid, name string) bool {
	if f.Empty() {
		return true
	}
	if len(f.Pids) > 0 && !slices.Contains(f.Pids, pid) {
		return false
	}
	if len(f.Names) > 0 && name != "" {
		matched := false
		for _, n := range f.Names {
			if strings.Contains(name, n) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	return true
}
