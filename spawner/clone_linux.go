package spawner

import (
	"golang.org/x/sys/unix"
	_ "unsafe" // for go:linkname
)

// The raw clone below bypasses os/exec because the whole point is a fork
// with NO exec: the child keeps the spawner's initialized address space
// (the preloads) copy-on-write and dispatches in-process.
//
// The runtime fork hooks quiesce the scheduler around the syscall the
// same way syscall.forkExec does internally.

//go:linkname runtimeBeforeFork syscall.runtime_BeforeFork
func runtimeBeforeFork()

//go:linkname runtimeAfterFork syscall.runtime_AfterFork
func runtimeAfterFork()

//go:linkname runtimeAfterForkInChild syscall.runtime_AfterForkInChild
func runtimeAfterForkInChild()

// cloneFlags are the namespaces every child is born into, all created by
// the one clone call.  CLONE_PARENT makes the child a direct child of the
// original parent process (the spawner's parent), which is who waits on
// it.  CLONE_NEWPID makes the child PID 1 of a fresh PID namespace, so a
// SIGKILL from the parent collapses the child's whole subtree.
const cloneFlags = uintptr(unix.SIGCHLD) |
	unix.CLONE_PARENT |
	unix.CLONE_NEWUSER |
	unix.CLONE_NEWPID |
	unix.CLONE_NEWNS |
	unix.CLONE_NEWIPC |
	unix.CLONE_NEWUTS |
	unix.CLONE_NEWNET

// cloneChild forks the calling process with the namespace flags.  In the
// parent it returns the child's PID (or an errno).  In the child it
// returns pid == 0; the child runs with a single thread and must not
// touch spawner state beyond what was snapshotted before the call.
//
//go:norace
func cloneChild() (pid int, errno unix.Errno) {
	runtimeBeforeFork()
	r1, _, err := unix.RawSyscall6(unix.SYS_CLONE, cloneFlags, 0, 0, 0, 0, 0)
	if err != 0 || r1 != 0 {
		// parent path (or failure)
		runtimeAfterFork()
		return int(r1), err
	}
	runtimeAfterForkInChild()
	return 0, 0
}
