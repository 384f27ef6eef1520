// Package cgroups places spawned children in per-child cgroup-v2 groups
// so a runaway child is bounded by memory.max, not just its rlimits.
// This is optional plumbing (features.cgroup_children); the sandbox is
// complete without it.
package cgroups

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spawnbox/spawnbox/common"
)

type Cgroup struct {
	name string
	pool *Pool
}

func (cg *Cgroup) printf(format string, args ...any) {
	if common.Conf != nil && common.Conf.Trace.Cgroups {
		msg := fmt.Sprintf(format, args...)
		log.Printf("%s [CGROUP %s]", strings.TrimRight(msg, "\n"), cg.name)
	}
}

// Name returns the name of the cgroup.
func (cg *Cgroup) Name() string {
	return cg.name
}

// GroupPath returns the path of this cgroup on cgroupfs.
func (cg *Cgroup) GroupPath() string {
	return filepath.Join(cg.pool.parent, cg.name)
}

// ResourcePath returns the path to a specific resource in this cgroup.
func (cg *Cgroup) ResourcePath(resource string) string {
	return filepath.Join(cg.pool.parent, cg.name, resource)
}

func (cg *Cgroup) writeInt(resource string, val int64) error {
	return os.WriteFile(cg.ResourcePath(resource), []byte(fmt.Sprintf("%d", val)), 0644)
}

// AddPid moves a process into this cgroup.
func (cg *Cgroup) AddPid(pid int) error {
	return os.WriteFile(cg.ResourcePath("cgroup.procs"),
		[]byte(strconv.Itoa(pid)), 0644)
}

// SetMemLimitMB writes memory.max.
func (cg *Cgroup) SetMemLimitMB(mb int) error {
	return cg.writeInt("memory.max", int64(mb)<<20)
}

// GetPIDs returns the processes still in the group.
func (cg *Cgroup) GetPIDs() ([]int, error) {
	raw, err := os.ReadFile(cg.ResourcePath("cgroup.procs"))
	if err != nil {
		return nil, err
	}
	var pids []int
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		if line == "" {
			continue
		}
		pid, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("bad cgroup.procs line %q: %v", line, err)
		}
		pids = append(pids, pid)
	}
	return pids, nil
}

// KillAllProcs writes cgroup.kill, taking down everything in the group.
func (cg *Cgroup) KillAllProcs() error {
	return os.WriteFile(cg.ResourcePath("cgroup.kill"), []byte("1"), 0644)
}

// Destroy removes the cgroup.  The kernel refuses while processes
// remain, so retry briefly; the caller is expected to have killed or
// reaped them already.
func (cg *Cgroup) Destroy() error {
	gpath := cg.GroupPath()
	cg.printf("destroying cgroup at %s", gpath)

	var err error
	for i := 0; i < 100; i++ {
		if err = os.Remove(gpath); err == nil || os.IsNotExist(err) {
			return nil
		}
		cg.printf("cgroup rmdir failed, trying again in 5ms")
		time.Sleep(5 * time.Millisecond)
	}
	return fmt.Errorf("rmdir %s: %v", gpath, err)
}
