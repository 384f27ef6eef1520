package spawner

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"unsafe"

	"github.com/spawnbox/spawnbox/cgroups"
	"github.com/spawnbox/spawnbox/common"
	"github.com/spawnbox/spawnbox/sandbox"
	"golang.org/x/sys/unix"
)

// spawnerArgvTag marks a process as the forkserver.  Start() execs the
// current binary with this tag; MaybeServe recognizes it.
const spawnerArgvTag = "__spawnbox-spawner__"

// controlFD is where Start() plants the socketpair end (first ExtraFile).
const controlFD = 3

// MaybeServe turns the current process into the forkserver when it was
// launched by Start().  Call it first thing in main(), before flag
// parsing; it only returns in ordinary processes.
func MaybeServe() {
	if len(os.Args) < 4 || os.Args[1] != spawnerArgvTag {
		return
	}
	entryName := os.Args[2]
	var preloadNames []string
	if os.Args[3] != "" {
		preloadNames = strings.Split(os.Args[3], ",")
	}
	if err := Serve(controlFD, entryName, preloadNames); err != nil {
		fmt.Fprintf(os.Stderr, "spawner: %v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

// pendingChild is the state a clone child needs, snapshotted before the
// clone so the child never touches live spawner structures.  The same
// calling convention as the original forkserver: the spawner keeps very
// few globals, and anything in them must be harmless in the hands of a
// hostile child (a closed fd, a decoded request it already owns).
type pendingChild struct {
	req      *SpawnRequest
	entry    EntryFunc
	outerUID int
	outerGID int

	stdinR, stdoutW, stderrW int // become the child's fds 0/1/2
	syncR                    int // child blocks here until the spawner side is done
}

type server struct {
	fd      int
	entry   EntryFunc
	log     slog.Logger
	cgPool  *cgroups.Pool
	pending *pendingChild
}

// Serve runs the forkserver control loop on fd: preloads, then strictly
// one SPAWN frame at a time, each answered with one SPAWN_REPLY.  Returns
// nil when the parent closes the socket; any malformed frame or transport
// error is fatal (no resync is attempted).
func Serve(fd int, entryName string, preloadNames []string) error {
	// fork semantics stay tractable only if the control loop owns its
	// thread and nothing else schedules on it mid-clone
	runtime.LockOSThread()

	logger, err := common.FetchLogger("INFO")
	if err != nil {
		return err
	}
	logger = *logger.With("subsystem", "spawner")

	entry, err := lookupEntry(entryName)
	if err != nil {
		return err
	}

	// Preloads run exactly once, here, before the first frame is read.
	// Every child inherits the result copy-on-write.  A failed preload
	// kills the spawner before it ever replies; the parent sees EOF.
	for _, name := range preloadNames {
		fn, err := lookupPreload(name)
		if err != nil {
			return err
		}
		t := common.T0("preload/" + name)
		if err := fn(); err != nil {
			return fmt.Errorf("preload %q: %v", name, err)
		}
		t.T1()
		logger.Info("preload complete", "name", name)
	}

	srv := &server{fd: fd, entry: entry, log: logger}

	if common.Conf != nil && common.Conf.Features.Cgroup_children {
		pool, err := cgroups.NewPool(common.Conf.Cgroup_parent)
		if err != nil {
			return fmt.Errorf("cgroup pool: %v", err)
		}
		srv.cgPool = pool
	}

	for {
		payload, _, err := recvFrame(fd, maxFrameLen, 0)
		if err != nil {
			if errors.Is(err, io.EOF) {
				// orderly shutdown: parent closed its end
				return nil
			}
			return fmt.Errorf("control socket: %v", err)
		}

		req, err := decodeSpawnRequest(payload)
		if err != nil {
			// a malformed frame means the channel is hosed;
			// exit rather than resync
			return fmt.Errorf("bad spawn frame: %v", err)
		}

		if err := srv.handleSpawn(req); err != nil {
			return err
		}
	}
}

// handleSpawn services one SPAWN.  Errors it returns are transport
// errors (fatal to the loop); spawn-level failures become error replies.
func (s *server) handleSpawn(req *SpawnRequest) error {
	t := common.T0("spawn")
	defer t.T1()

	var stdin, stdout, stderr, sync [2]int
	pipes := []*[2]int{&stdin, &stdout, &stderr, &sync}
	for _, p := range pipes {
		if err := unix.Pipe(p[:]); err != nil {
			s.log.Error("pipe creation failed", "err", err)
			closePipes(pipes)
			return s.reply(replyErrPipes, 0, nil)
		}
	}

	// Everything the child needs, snapshotted before the clone.  The
	// outer ids are unobservable once inside the new user namespace.
	s.pending = &pendingChild{
		req:      req,
		entry:    s.entry,
		outerUID: unix.Geteuid(),
		outerGID: unix.Getegid(),
		stdinR:   stdin[0],
		stdoutW:  stdout[1],
		stderrW:  stderr[1],
		syncR:    sync[0],
	}

	pid, errno := cloneChild()
	if pid == 0 && errno == 0 {
		// child: never returns
		childMain(s.pending)
		panic("unreachable")
	}
	s.pending = nil

	if errno != 0 {
		closePipes(pipes)
		if errno == unix.EPERM {
			// the classic confined-host failure; say so before the
			// parent has to guess
			fmt.Fprint(os.Stderr, clonePermHint)
			return s.reply(replyErrClonePerm, 0, nil)
		}
		s.log.Error("clone failed", "errno", errno.Error())
		return s.reply(replyErrCloneAgain, 0, nil)
	}

	// spawner keeps only the parent pipe ends from here on
	unix.Close(stdin[0])
	unix.Close(stdout[1])
	unix.Close(stderr[1])
	unix.Close(sync[0])
	parentEnds := []int{stdin[1], stdout[0], stderr[0]}

	// Spawner-side sandboxing happens before the reply so the parent
	// cannot kill a half-built child (and before the sync-pipe close so
	// the child cannot race ahead of its own uplink appearing).
	if req.Sandbox.Network != nil {
		if err := sandbox.SetupKernelSide(pid, req.Sandbox.Network); err != nil {
			s.log.Error("kernel-side network setup failed", "pid", pid, "err", err)
			unix.Kill(pid, unix.SIGKILL)
			closeAll(parentEnds)
			unix.Close(sync[1])
			return s.reply(replyErrNetwork, 0, nil)
		}
	}

	if s.cgPool != nil {
		if err := s.cgPool.AddPid(pid); err != nil {
			s.log.Error("cgroup placement failed", "pid", pid, "err", err)
			unix.Kill(pid, unix.SIGKILL)
			closeAll(parentEnds)
			unix.Close(sync[1])
			return s.reply(replyErrCgroup, 0, nil)
		}
	}

	// release the child into its sandbox sequence
	unix.Close(sync[1])

	// Reply ships the parent ends; afterwards the spawner retains no fd
	// of the child's.  The spawner never waits on pid: CLONE_PARENT made
	// it the original parent's child to reap.
	err := s.reply(replyOK, int32(pid), parentEnds)
	closeAll(parentEnds)
	return err
}

func (s *server) reply(status byte, pid int32, fds []int) error {
	if common.Conf != nil && common.Conf.Trace.Protocol {
		s.log.Info("spawn reply", "status", int(status), "pid", pid, "fds", len(fds))
	}
	return sendFrame(s.fd, encodeSpawnReply(status, pid), fds)
}

func closePipes(pipes []*[2]int) {
	for _, p := range pipes {
		if p[0] > 0 {
			unix.Close(p[0])
		}
		if p[1] > 0 {
			unix.Close(p[1])
		}
	}
}

const clonePermHint = `
*** the spawner failed to use the clone() system call ***

Are you running under a confining seccomp profile (e.g. Docker's
default)?  Creating namespaced children needs clone() with namespace
flags; allow it in the outer profile to use this spawner.

`

// childMain is the other side of cloneChild: PID 1 of a fresh namespace
// set, single-threaded, holding copy-on-write everything the spawner
// loaded.  It plumbs stdio, waits for the spawner side, sandboxes
// itself, and dispatches.  It never returns.
func childMain(pc *pendingChild) {
	// SECURITY: drop the control socket before anything else; a child
	// that keeps it could read the parent's future messages.
	unix.Close(controlFD)

	if err := unix.Dup3(pc.stdinR, 0, 0); err != nil {
		os.Exit(sandbox.ExitCodeBase)
	}
	if err := unix.Dup3(pc.stdoutW, 1, 0); err != nil {
		os.Exit(sandbox.ExitCodeBase)
	}
	if err := unix.Dup3(pc.stderrW, 2, 0); err != nil {
		os.Exit(sandbox.ExitCodeBase)
	}
	if err := unix.Dup3(pc.syncR, controlFD, 0); err != nil {
		os.Exit(sandbox.ExitCodeBase)
	}

	// nothing above fd 3 belongs to this child: not the pipe
	// originals, not descriptors some preload left open
	closeFrom(controlFD + 1)

	if pc.req.ProcessName != "" {
		setProcessTitle(pc.req.ProcessName)
	}

	// block until the spawner finished its half (veth push, cgroup);
	// the close of the write end is the signal
	waitForClose(controlFD)
	unix.Close(controlFD)

	if serr := sandbox.Setup(&pc.req.Sandbox, pc.outerUID, pc.outerGID); serr != nil {
		fmt.Fprintf(os.Stderr, "spawnbox child: %v\n", serr)
		os.Exit(serr.ExitCode())
	}

	// the entry point: what it's all about.  An error here is a child
	// bug, and the child's stderr is exactly where its developer looks.
	if err := pc.entry(pc.req.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func waitForClose(fd int) {
	buf := make([]byte, 1)
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EINTR {
			continue
		}
		if n == 0 || err != nil {
			return
		}
	}
}

// closeFrom closes every descriptor >= first, preferring close_range(2)
// and falling back to a /proc sweep on kernels without it.
func closeFrom(first int) {
	_, _, errno := unix.RawSyscall(unix.SYS_CLOSE_RANGE, uintptr(first), uintptr(^uint32(0)), 0)
	if errno == 0 {
		return
	}

	dents, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		// last resort: sweep a fixed range
		for fd := first; fd < 1024; fd++ {
			unix.Close(fd)
		}
		return
	}
	for _, d := range dents {
		fd := 0
		for _, c := range d.Name() {
			if c < '0' || c > '9' {
				fd = -1
				break
			}
			fd = fd*10 + int(c-'0')
		}
		if fd >= first {
			unix.Close(fd)
		}
	}
}

func setProcessTitle(name string) {
	ptr, err := unix.BytePtrFromString(name)
	if err != nil {
		return
	}
	unix.RawSyscall6(unix.SYS_PRCTL, unix.PR_SET_NAME, uintptr(unsafe.Pointer(ptr)), 0, 0, 0, 0)
}
