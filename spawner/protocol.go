package spawner

import (
	"encoding/binary"
	"fmt"

	"github.com/spawnbox/spawnbox/sandbox"
)

// Control-channel wire format.  A frame is a u32 little-endian payload
// length followed by the payload; fds ride as SCM_RIGHTS on the same
// sendmsg as the frame's first bytes (see fdpass.go).
//
// SPAWN payload (parent -> spawner):
//
//	process_name   u32 len + UTF-8 bytes
//	flags          u8 (capability/seccomp/coredump bits, presence bits)
//	[chroot_dir]   u32 len + bytes, if flagChroot
//	[network]      5 x (u32 len + bytes), if flagNetwork
//	args           u32 count, then per arg u32 len + opaque bytes
//
// SPAWN_REPLY payload (spawner -> parent):
//
//	status         u8 (0 = ok, else a replyErr* code)
//	[pid]          i32, only when status == 0; stdin/stdout/stderr fds
//	               accompany the frame in that order
const (
	maxFrameLen = 16 << 20
	maxNameLen  = 4096
	maxArgCount = 1 << 16

	// reply payload: status byte + pid (the u32 length prefix is not
	// counted)
	maxReplyLen = 1 + 4
)

// SPAWN_REPLY status codes.  Per the error taxonomy, none of these
// poison the handle; the next spawn may succeed.
const (
	replyOK byte = iota
	replyErrCloneAgain   // clone failed with EAGAIN/ENOMEM
	replyErrClonePerm    // clone rejected (EPERM): outer seccomp or kernel without combined user+PID namespaces
	replyErrPipes        // pipe creation failed
	replyErrNetwork      // spawner-side veth setup failed
	replyErrCgroup       // per-child cgroup placement failed
)

const (
	flagDropCaps = 1 << iota
	flagSkipSeccomp
	flagEnableCoredumps
	flagChroot
	flagNetwork
)

// SpawnRequest is one SPAWN message.  Args are opaque to the spawner;
// only the entry point decodes them.
type SpawnRequest struct {
	ProcessName string
	Sandbox     sandbox.Config
	Args        [][]byte
}

func appendU32(b []byte, v uint32) []byte {
	return binary.LittleEndian.AppendUint32(b, v)
}

func appendString(b []byte, s string) []byte {
	b = appendU32(b, uint32(len(s)))
	return append(b, s...)
}

func encodeSpawnRequest(req *SpawnRequest) ([]byte, error) {
	if len(req.ProcessName) > maxNameLen {
		return nil, fmt.Errorf("process name too long (%d bytes)", len(req.ProcessName))
	}
	if len(req.Args) > maxArgCount {
		return nil, fmt.Errorf("too many args (%d)", len(req.Args))
	}

	var flags byte
	sb := &req.Sandbox
	if sb.DropCapabilities {
		flags |= flagDropCaps
	}
	if sb.SkipSeccomp {
		flags |= flagSkipSeccomp
	}
	if sb.EnableCoredumps {
		flags |= flagEnableCoredumps
	}
	if sb.ChrootDir != "" {
		flags |= flagChroot
	}
	if sb.Network != nil {
		flags |= flagNetwork
	}

	b := appendString(nil, req.ProcessName)
	b = append(b, flags)
	if sb.ChrootDir != "" {
		b = appendString(b, sb.ChrootDir)
	}
	if nc := sb.Network; nc != nil {
		b = appendString(b, nc.KernelVethName)
		b = appendString(b, nc.ChildVethName)
		b = appendString(b, nc.KernelIPv4)
		b = appendString(b, nc.ChildIPv4)
		b = appendString(b, nc.ChildIPv4Gateway)
	}
	b = appendU32(b, uint32(len(req.Args)))
	for _, arg := range req.Args {
		b = appendU32(b, uint32(len(arg)))
		b = append(b, arg...)
	}

	if len(b) > maxFrameLen {
		return nil, fmt.Errorf("spawn request too large (%d bytes)", len(b))
	}
	return b, nil
}

type decoder struct {
	b   []byte
	off int
}

func (d *decoder) u32() (uint32, error) {
	if d.off+4 > len(d.b) {
		return 0, fmt.Errorf("truncated frame at offset %d", d.off)
	}
	v := binary.LittleEndian.Uint32(d.b[d.off:])
	d.off += 4
	return v, nil
}

func (d *decoder) u8() (byte, error) {
	if d.off >= len(d.b) {
		return 0, fmt.Errorf("truncated frame at offset %d", d.off)
	}
	v := d.b[d.off]
	d.off++
	return v, nil
}

func (d *decoder) bytes(n uint32) ([]byte, error) {
	if uint32(len(d.b)-d.off) < n {
		return nil, fmt.Errorf("truncated frame at offset %d (want %d bytes)", d.off, n)
	}
	v := d.b[d.off : d.off+int(n)]
	d.off += int(n)
	return v, nil
}

func (d *decoder) str() (string, error) {
	n, err := d.u32()
	if err != nil {
		return "", err
	}
	if n > maxFrameLen {
		return "", fmt.Errorf("string length %d exceeds frame limit", n)
	}
	b, err := d.bytes(n)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeSpawnRequest(payload []byte) (*SpawnRequest, error) {
	d := &decoder{b: payload}
	req := &SpawnRequest{}

	name, err := d.str()
	if err != nil {
		return nil, err
	}
	if len(name) > maxNameLen {
		return nil, fmt.Errorf("process name too long (%d bytes)", len(name))
	}
	req.ProcessName = name

	flags, err := d.u8()
	if err != nil {
		return nil, err
	}
	req.Sandbox.DropCapabilities = flags&flagDropCaps != 0
	req.Sandbox.SkipSeccomp = flags&flagSkipSeccomp != 0
	req.Sandbox.EnableCoredumps = flags&flagEnableCoredumps != 0

	if flags&flagChroot != 0 {
		if req.Sandbox.ChrootDir, err = d.str(); err != nil {
			return nil, err
		}
	}
	if flags&flagNetwork != 0 {
		nc := &sandbox.NetworkConfig{}
		fields := []*string{
			&nc.KernelVethName, &nc.ChildVethName,
			&nc.KernelIPv4, &nc.ChildIPv4, &nc.ChildIPv4Gateway,
		}
		for _, f := range fields {
			if *f, err = d.str(); err != nil {
				return nil, err
			}
		}
		req.Sandbox.Network = nc
	}

	count, err := d.u32()
	if err != nil {
		return nil, err
	}
	if count > maxArgCount {
		return nil, fmt.Errorf("too many args (%d)", count)
	}
	req.Args = make([][]byte, 0, count)
	for i := uint32(0); i < count; i++ {
		n, err := d.u32()
		if err != nil {
			return nil, err
		}
		raw, err := d.bytes(n)
		if err != nil {
			return nil, err
		}
		arg := make([]byte, n)
		copy(arg, raw)
		req.Args = append(req.Args, arg)
	}

	if d.off != len(payload) {
		return nil, fmt.Errorf("%d trailing bytes after spawn request", len(payload)-d.off)
	}
	return req, nil
}

func encodeSpawnReply(status byte, pid int32) []byte {
	b := []byte{status}
	if status == replyOK {
		b = binary.LittleEndian.AppendUint32(b, uint32(pid))
	}
	return b
}

func decodeSpawnReply(payload []byte) (status byte, pid int32, err error) {
	if len(payload) < 1 {
		return 0, 0, fmt.Errorf("empty spawn reply")
	}
	status = payload[0]
	if status != replyOK {
		if len(payload) != 1 {
			return 0, 0, fmt.Errorf("error reply carries %d extra bytes", len(payload)-1)
		}
		return status, 0, nil
	}
	if len(payload) != 5 {
		return 0, 0, fmt.Errorf("ok reply has length %d, want 5", len(payload))
	}
	pid = int32(binary.LittleEndian.Uint32(payload[1:]))
	return status, pid, nil
}
