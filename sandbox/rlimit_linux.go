package sandbox

import (
	"fmt"

	"github.com/spawnbox/spawnbox/common"
	"golang.org/x/sys/unix"
)

// Fallback limits for library users who never load a Config.
const (
	defaultMemMB      = 1024
	defaultProcs      = 100
	defaultFileSizeMB = 1024
	defaultOpenFiles  = 1024
)

func limitValues() (as, nproc, fsize, nofile uint64) {
	as = defaultMemMB << 20
	nproc = defaultProcs
	fsize = defaultFileSizeMB << 20
	nofile = defaultOpenFiles
	if common.Conf != nil {
		as = uint64(common.Conf.Limits.Mem_mb) << 20
		nproc = uint64(common.Conf.Limits.Procs)
		fsize = uint64(common.Conf.Limits.File_size_mb) << 20
		nofile = uint64(common.Conf.Limits.Open_files)
	}
	return
}

// applyRlimits sets the soft caps a child runs under.  Only the soft
// limits drop; hard limits stay as they were, so the child can still
// raise a soft limit back up to its hard limit.
func applyRlimits(enableCoredumps bool) error {
	as, nproc, fsize, nofile := limitValues()

	limits := []struct {
		name     string
		resource int
		cur      uint64
	}{
		{"RLIMIT_AS", unix.RLIMIT_AS, as},
		{"RLIMIT_NPROC", unix.RLIMIT_NPROC, nproc},
		{"RLIMIT_FSIZE", unix.RLIMIT_FSIZE, fsize},
		{"RLIMIT_NOFILE", unix.RLIMIT_NOFILE, nofile},
	}
	if !enableCoredumps {
		limits = append(limits, struct {
			name     string
			resource int
			cur      uint64
		}{"RLIMIT_CORE", unix.RLIMIT_CORE, 0})
	}

	for _, l := range limits {
		var old unix.Rlimit
		if err := unix.Getrlimit(l.resource, &old); err != nil {
			return fmt.Errorf("getrlimit %s: %v", l.name, err)
		}
		cur := l.cur
		if old.Max != unix.RLIM_INFINITY && cur > old.Max {
			cur = old.Max
		}
		if err := unix.Setrlimit(l.resource, &unix.Rlimit{Cur: cur, Max: old.Max}); err != nil {
			return fmt.Errorf("setrlimit %s=%d: %v", l.name, cur, err)
		}
	}

	return nil
}
