package cgroups

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spawnbox/spawnbox/common"
)

// Pool owns the parent cgroup under which per-child groups live.  The
// spawner never tracks which children are alive (by design it retains
// nothing of a returned child), so instead of explicit release the pool
// sweeps empty groups on the next placement.
type Pool struct {
	parent string
	seq    int
}

// NewPool creates (or adopts) the parent cgroup and delegates the
// controllers per-child groups need.
func NewPool(parent string) (*Pool, error) {
	if err := os.MkdirAll(parent, 0700); err != nil {
		return nil, fmt.Errorf("create cgroup parent %s: %v", parent, err)
	}

	// +memory +pids must be in the parent's subtree_control before a
	// child group can set memory.max
	ctl := filepath.Join(parent, "cgroup.subtree_control")
	if err := os.WriteFile(ctl, []byte("+memory +pids"), 0644); err != nil {
		return nil, fmt.Errorf("enable controllers on %s: %v", parent, err)
	}

	return &Pool{parent: parent}, nil
}

// AddPid sweeps dead groups, then creates a fresh group with the
// configured memory limit and moves pid into it.
func (p *Pool) AddPid(pid int) error {
	p.reclaimEmpty()

	p.seq++
	cg := &Cgroup{name: fmt.Sprintf("child-%d-%d", p.seq, pid), pool: p}
	if err := os.Mkdir(cg.GroupPath(), 0700); err != nil {
		return fmt.Errorf("create cgroup %s: %v", cg.Name(), err)
	}

	memMB := 256
	if common.Conf != nil && common.Conf.Limits.Cgroup_mem_mb > 0 {
		memMB = common.Conf.Limits.Cgroup_mem_mb
	}
	if err := cg.SetMemLimitMB(memMB); err != nil {
		cg.Destroy()
		return fmt.Errorf("set memory.max on %s: %v", cg.Name(), err)
	}

	if err := cg.AddPid(pid); err != nil {
		cg.Destroy()
		return fmt.Errorf("move pid %d into %s: %v", pid, cg.Name(), err)
	}

	cg.printf("placed pid %d (memory.max=%dMB)", pid, memMB)
	return nil
}

// reclaimEmpty removes per-child groups whose processes are all gone.
// Groups with survivors are left alone; their turn comes on a later
// sweep.
func (p *Pool) reclaimEmpty() {
	dents, err := os.ReadDir(p.parent)
	if err != nil {
		return
	}
	for _, d := range dents {
		if !d.IsDir() || !strings.HasPrefix(d.Name(), "child-") {
			continue
		}
		cg := &Cgroup{name: d.Name(), pool: p}
		pids, err := cg.GetPIDs()
		if err != nil || len(pids) > 0 {
			continue
		}
		os.Remove(cg.GroupPath())
	}
}
