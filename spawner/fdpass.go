package spawner

import (
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// SCM_RIGHTS framing.  The length prefix, payload, and any fds travel in
// one sendmsg so the ancillary data is attached to the frame's first
// byte.  The receiver does one recvmsg sized for a whole frame and picks
// up any remainder with blocking reads; the fd count is checked against
// what the caller expects.

func writeFull(fd int, b []byte) error {
	for len(b) > 0 {
		n, err := unix.Write(fd, b)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func readFull(fd int, b []byte) error {
	off := 0
	for off < len(b) {
		n, err := unix.Read(fd, b[off:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
		off += n
	}
	return nil
}

// sendFrame transmits one frame, with fds (may be nil) attached to the
// first sendmsg.
func sendFrame(fd int, payload []byte, fds []int) error {
	frame := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}

	n, err := unix.SendmsgN(fd, frame, oob, nil, 0)
	for err == unix.EINTR {
		n, err = unix.SendmsgN(fd, frame, oob, nil, 0)
	}
	if err != nil {
		return err
	}
	// a short sendmsg already delivered the ancillary data; the rest of
	// the frame goes out with plain writes
	return writeFull(fd, frame[n:])
}

// recvFrame reads one frame and exactly wantFDs descriptors (-1 skips
// the count check and hands back whatever arrived; the caller validates
// against the decoded status).
//
// Returns io.EOF (with no payload) on a clean close before any frame
// byte.  A mid-frame EOF, an oversized frame, or an unexpected fd count
// is a protocol error.
func recvFrame(fd int, maxPayload int, wantFDs int) ([]byte, []int, error) {
	buf := make([]byte, 4+maxPayload)
	oob := make([]byte, unix.CmsgSpace(8*4))

	n, oobn, _, _, err := unix.Recvmsg(fd, buf, oob, 0)
	for err == unix.EINTR {
		n, oobn, _, _, err = unix.Recvmsg(fd, buf, oob, 0)
	}
	if err != nil {
		return nil, nil, err
	}
	if n == 0 {
		return nil, nil, io.EOF
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, nil, err
	}
	if wantFDs >= 0 && len(fds) != wantFDs {
		closeAll(fds)
		return nil, nil, fmt.Errorf("frame carried %d fds, want %d", len(fds), wantFDs)
	}

	// the length prefix may itself arrive short on a stream socket
	for n < 4 {
		m, err := unix.Read(fd, buf[n:4])
		if err == unix.EINTR {
			continue
		}
		if err != nil || m == 0 {
			closeAll(fds)
			return nil, nil, fmt.Errorf("EOF inside frame header")
		}
		n += m
	}

	length := binary.LittleEndian.Uint32(buf)
	if length > uint32(maxPayload) {
		closeAll(fds)
		return nil, nil, fmt.Errorf("frame length %d exceeds limit %d", length, maxPayload)
	}

	payload := make([]byte, length)
	got := copy(payload, buf[4:n])
	if got < int(length) {
		if err := readFull(fd, payload[got:]); err != nil {
			closeAll(fds)
			return nil, nil, fmt.Errorf("EOF inside frame body: %v", err)
		}
	}

	return payload, fds, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %v", err)
	}
	var fds []int
	for _, msg := range msgs {
		got, err := unix.ParseUnixRights(&msg)
		if err != nil {
			return nil, fmt.Errorf("parse SCM_RIGHTS: %v", err)
		}
		fds = append(fds, got...)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
