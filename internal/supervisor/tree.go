package supervisor

import (
	"github.com/shirou/gopsutil/v4/process"
)

// descendants returns the pids of every live process below pid. It must be
// read before pid is killed, since orphans are reparented away from it.
func descendants(pid int) []int32 {
	root, err := process.NewProcess(int32(pid))
	if err != nil {
		return nil
	}
	var out []int32
	var walk func(p *process.Process)
	walk = func(p *process.Process) {
		children, err := p.Children()
		if err != nil {
			return
		}
		for _, c := range children {
			out = append(out, c.Pid)
			walk(c)
		}
	}
	walk(root)
	return out
}
