package spawner

import (
	"errors"
	"fmt"
)

// ErrPoisoned is returned by every operation on a handle after a
// protocol or transport error was observed.  No I/O is attempted.
var ErrPoisoned = errors.New("spawner handle is poisoned")

// StartupError means the spawner died before its first reply: a preload
// failed, the entry point was unknown, or a required kernel feature was
// absent.  Detected as EOF on the control socket.  The spawner's stderr
// (routed to this process's stderr) has the detail.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string {
	return fmt.Sprintf("spawner exited during startup: %v", e.Err)
}

func (e *StartupError) Unwrap() error { return e.Err }

// ProtocolError is a malformed frame, short read, or unexpected fd
// count.  It poisons the handle.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string {
	return "protocol error: " + e.Msg
}

// TransportError is an I/O failure on the control socket.  It poisons
// the handle.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("control socket: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// SpawnFailedError is a spawn the spawner could not perform (clone
// failure, pipe exhaustion, veth or cgroup setup).  It does not poison
// the handle; the next spawn may succeed.
type SpawnFailedError struct {
	Code byte
}

func (e *SpawnFailedError) Error() string {
	switch e.Code {
	case replyErrCloneAgain:
		return "spawn failed: clone returned EAGAIN/ENOMEM"
	case replyErrClonePerm:
		return "spawn failed: clone rejected (outer seccomp profile or kernel without combined user+PID namespaces); see the spawner's stderr"
	case replyErrPipes:
		return "spawn failed: pipe creation failed"
	case replyErrNetwork:
		return "spawn failed: kernel-side veth setup failed"
	case replyErrCgroup:
		return "spawn failed: cgroup placement failed"
	}
	return fmt.Sprintf("spawn failed: error code %d", e.Code)
}
