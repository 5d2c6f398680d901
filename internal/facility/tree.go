package facility

import (
	"log/slog"
	"strings"
	"syscall"

	"github.com/shirou/gopsutil/v3/process"
)

// signalGroup signals the process group led by pid. Start puts the facility
// in its own group, so this reaches every descendant that did not move to a
// group of its own.
func signalGroup(pid int, sig syscall.Signal) {
	if err := syscall.Kill(-pid, sig); err != nil && err != syscall.ESRCH {
		slog.Debug("Failed to signal facility process group", "pgid", pid, "signal", sig.String(), "error", err)
	}
}

// processTree returns the process with the given pid followed by all of its
// descendants. Wrappers such as "sudo journalctl" keep the real reader one
// level down, possibly in another process group, and that child holds the
// stdout pipe open.
func processTree(pid int32) []*process.Process {
	root, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}

	tree := []*process.Process{root}
	for i := 0; i < len(tree); i++ {
		children, err := tree[i].Children()
		if err != nil {
			// gopsutil reports "no children" as an error too
			continue
		}
		tree = append(tree, children...)
	}
	return tree
}

// signalTree sends sig to every process in tree, children first.
func signalTree(tree []*process.Process, sig syscall.Signal) {
	for i := len(tree) - 1; i >= 0; i-- {
		p := tree[i]
		if err := p.SendSignal(sig); err != nil {
			if strings.Contains(err.Error(), "no such process") || strings.Contains(err.Error(), "process already finished") {
				continue
			}
			slog.Debug("Failed to signal facility process", "pid", p.Pid, "signal", sig.String(), "error", err)
		}
	}
}
