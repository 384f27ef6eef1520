package spawner

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/spawnbox/spawnbox/common"
	"github.com/spawnbox/spawnbox/sandbox"
	"golang.org/x/sys/unix"
)

// StartOptions configure one spawner process.
type StartOptions struct {
	// EntryPoint names the function (see RegisterEntry) every child of
	// this spawner dispatches to.
	EntryPoint string

	// Env fully replaces the spawner's environment; children inherit
	// it.  Keep secrets out: everything the spawner can see, a child
	// can see too (copy-on-write memory included).
	Env map[string]string

	// Preloads are run in order in the spawner before the first spawn.
	Preloads []string

	// SpawnerPath is the binary to exec as the spawner.  It must link
	// the same registrations as this process.  Empty means the current
	// executable.
	SpawnerPath string
}

// A ChildProcess is the parent's handle on one spawned child.
//
// The pid is the child as seen from the parent (inside its namespace the
// child sees itself as 1).  All three pipes belong to the caller; close
// them, and Wait() on every child or it stays a zombie.
type ChildProcess struct {
	Pid    int
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Stderr io.ReadCloser
}

// Kill terminates the child with SIGKILL.  Because the child is PID 1 of
// its own PID namespace, the kernel takes every descendant down with it.
func (c *ChildProcess) Kill() error {
	return unix.Kill(c.Pid, unix.SIGKILL)
}

// Wait reaps the child and returns its wait status.
func (c *ChildProcess) Wait() (unix.WaitStatus, error) {
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(c.Pid, &ws, 0, nil)
		if err == unix.EINTR {
			continue
		}
		return ws, err
	}
}

// Close closes all three pipes.  Safe to call more than once.
func (c *ChildProcess) Close() {
	if c.Stdin != nil {
		c.Stdin.Close()
		c.Stdin = nil
	}
	if c.Stdout != nil {
		c.Stdout.Close()
		c.Stdout = nil
	}
	if c.Stderr != nil {
		c.Stderr.Close()
		c.Stderr = nil
	}
}

// Client is the parent's handle on a spawner process.
//
// One spawner, one socket, one request in flight: Spawn serializes on an
// internal lock exactly because clone is cheap.  For parallel spawning,
// start several Clients.
type Client struct {
	mu       sync.Mutex
	sock     *os.File
	cmd      *exec.Cmd
	poisoned bool
	gotReply bool // a first reply was seen; later EOFs are not startup errors
	closed   bool
}

// Start launches a spawner: a fresh process (this binary re-exec'd by
// default) that resets its environment to opts.Env, runs the preloads
// once, and then serves spawn requests over an inherited socketpair.
//
// Preload failures surface on the first Spawn as a *StartupError, not
// here: startup is asynchronous by design so the caller can overlap its
// own initialization with the spawner's.
func Start(opts StartOptions) (*Client, error) {
	if opts.EntryPoint == "" {
		return nil, fmt.Errorf("entry point must be non-empty")
	}
	for _, name := range opts.Preloads {
		if err := checkPreloadName(name); err != nil {
			return nil, err
		}
	}

	binPath := opts.SpawnerPath
	if binPath == "" {
		// the running binary: the one place the registry is known to
		// match
		binPath = "/proc/self/exe"
	}

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socketpair: %v", err)
	}
	parentSock := os.NewFile(uintptr(fds[0]), "spawner-control")
	childSock := os.NewFile(uintptr(fds[1]), "spawner-control-child")

	cmd := exec.Command(binPath,
		spawnerArgvTag,
		opts.EntryPoint,
		strings.Join(opts.Preloads, ","),
	)
	cmd.Env = flattenEnv(opts.Env)
	// SECURITY: children inherit these streams; stdin is nothing, and
	// the spawner's own chatter lands on our stderr/stdout
	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{childSock} // becomes controlFD

	if err := cmd.Start(); err != nil {
		parentSock.Close()
		childSock.Close()
		return nil, fmt.Errorf("exec spawner %s: %v", binPath, err)
	}
	childSock.Close()

	return &Client{sock: parentSock, cmd: cmd}, nil
}

func flattenEnv(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// Spawn asks the spawner for one sandboxed child running the registered
// entry point with args (opaque bytes; the entry point decodes them).
// processName shows up in ps for the child.
//
// Strictly request/response: the reply for this spawn is read before the
// lock is released.  The returned pipes and pid belong to the caller.
func (c *Client) Spawn(args [][]byte, processName string, sb sandbox.Config) (*ChildProcess, error) {
	t := common.T0("client-spawn")
	defer t.T1()

	req := &SpawnRequest{
		ProcessName: processName,
		Sandbox:     sb,
		Args:        args,
	}
	payload, err := encodeSpawnRequest(req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.poisoned {
		return nil, ErrPoisoned
	}
	if c.closed {
		return nil, fmt.Errorf("spawner handle is closed")
	}

	fd := int(c.sock.Fd())
	if err := sendFrame(fd, payload, nil); err != nil {
		c.poisoned = true
		return nil, &TransportError{Err: err}
	}

	reply, fds, err := recvFrame(fd, maxReplyLen, -1)
	if err != nil {
		c.poisoned = true
		if err == io.EOF {
			if !c.gotReply {
				// the spawner never got as far as one reply: a
				// preload or registry failure killed it
				return nil, &StartupError{Err: err}
			}
			return nil, &ProtocolError{Msg: "spawner closed the socket mid-session"}
		}
		var errno unix.Errno
		if errors.As(err, &errno) {
			return nil, &TransportError{Err: err}
		}
		// partial frame, oversized length, bad fd count
		return nil, &ProtocolError{Msg: err.Error()}
	}
	c.gotReply = true

	status, pid, err := decodeSpawnReply(reply)
	if err != nil {
		c.poisoned = true
		closeAll(fds)
		return nil, &ProtocolError{Msg: err.Error()}
	}
	if status != replyOK {
		if len(fds) != 0 {
			c.poisoned = true
			closeAll(fds)
			return nil, &ProtocolError{Msg: fmt.Sprintf("error reply carried %d fds", len(fds))}
		}
		return nil, &SpawnFailedError{Code: status}
	}
	if len(fds) != 3 {
		c.poisoned = true
		closeAll(fds)
		return nil, &ProtocolError{Msg: fmt.Sprintf("spawn reply carried %d fds, want 3", len(fds))}
	}

	return &ChildProcess{
		Pid:    int(pid),
		Stdin:  os.NewFile(uintptr(fds[0]), fmt.Sprintf("child-%d-stdin", pid)),
		Stdout: os.NewFile(uintptr(fds[1]), fmt.Sprintf("child-%d-stdout", pid)),
		Stderr: os.NewFile(uintptr(fds[2]), fmt.Sprintf("child-%d-stderr", pid)),
	}, nil
}

// Close shuts the spawner down by closing the control socket and reaps
// it.  Already-spawned children are unaffected: they are the caller's
// children, fully disconnected from the spawner.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	err := c.sock.Close()
	if c.cmd != nil {
		if werr := c.cmd.Wait(); werr != nil && err == nil {
			// a nonzero spawner exit after an orderly close is still
			// worth surfacing (it may have died on a malformed frame)
			err = werr
		}
	}
	return err
}
