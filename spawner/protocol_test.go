package spawner

import (
	"bytes"
	"testing"

	"github.com/spawnbox/spawnbox/sandbox"
)

func TestSpawnRequestRoundTripDefault(t *testing.T) {
	req := &SpawnRequest{
		ProcessName: "t1",
		Sandbox:     sandbox.DefaultConfig(),
		Args:        [][]byte{[]byte("hello")},
	}

	payload, err := encodeSpawnRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeSpawnRequest(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.ProcessName != "t1" {
		t.Errorf("process name %q", got.ProcessName)
	}
	if !got.Sandbox.DropCapabilities {
		t.Error("DropCapabilities should survive the wire")
	}
	if got.Sandbox.SkipSeccomp || got.Sandbox.EnableCoredumps {
		t.Error("unset options came back set")
	}
	if got.Sandbox.ChrootDir != "" || got.Sandbox.Network != nil {
		t.Error("absent chroot/network came back present")
	}
	if len(got.Args) != 1 || string(got.Args[0]) != "hello" {
		t.Errorf("args %v", got.Args)
	}
}

func TestSpawnRequestRoundTripFull(t *testing.T) {
	req := &SpawnRequest{
		ProcessName: "worker-7",
		Sandbox: sandbox.Config{
			ChrootDir:        "/tmp/jail",
			DropCapabilities: true,
			EnableCoredumps:  true,
			Network: &sandbox.NetworkConfig{
				KernelVethName:   "veth-k",
				ChildVethName:    "veth-c",
				KernelIPv4:       "192.168.123.1/24",
				ChildIPv4:        "192.168.123.2/24",
				ChildIPv4Gateway: "192.168.123.1",
			},
		},
		// opaque blobs may contain anything, including NULs and
		// things that look like frame headers
		Args: [][]byte{nil, []byte("\x00\x01\x02"), bytes.Repeat([]byte("a"), 4096)},
	}

	payload, err := encodeSpawnRequest(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := decodeSpawnRequest(payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	if got.Sandbox.ChrootDir != "/tmp/jail" {
		t.Errorf("chroot %q", got.Sandbox.ChrootDir)
	}
	nc := got.Sandbox.Network
	if nc == nil {
		t.Fatal("network config lost")
	}
	if nc.ChildIPv4Gateway != "192.168.123.1" || nc.ChildVethName != "veth-c" {
		t.Errorf("network fields: %+v", nc)
	}
	if len(got.Args) != 3 {
		t.Fatalf("arg count %d", len(got.Args))
	}
	if len(got.Args[0]) != 0 {
		t.Error("empty arg not preserved")
	}
	if !bytes.Equal(got.Args[1], []byte{0, 1, 2}) {
		t.Error("binary arg mangled")
	}
	if len(got.Args[2]) != 4096 {
		t.Error("large arg truncated")
	}
}

func TestDecodeSpawnRequestTruncated(t *testing.T) {
	req := &SpawnRequest{
		ProcessName: "t",
		Sandbox:     sandbox.DefaultConfig(),
		Args:        [][]byte{[]byte("payload")},
	}
	payload, err := encodeSpawnRequest(req)
	if err != nil {
		t.Fatal(err)
	}

	// every proper prefix must be rejected, never panic
	for cut := 0; cut < len(payload); cut++ {
		if _, err := decodeSpawnRequest(payload[:cut]); err == nil {
			t.Errorf("truncation at %d accepted", cut)
		}
	}
}

func TestDecodeSpawnRequestTrailingGarbage(t *testing.T) {
	req := &SpawnRequest{ProcessName: "t", Sandbox: sandbox.DefaultConfig()}
	payload, err := encodeSpawnRequest(req)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := decodeSpawnRequest(append(payload, 0xff)); err == nil {
		t.Error("trailing byte accepted")
	}
}

func TestSpawnReplyOK(t *testing.T) {
	payload := encodeSpawnReply(replyOK, 4321)
	status, pid, err := decodeSpawnReply(payload)
	if err != nil {
		t.Fatal(err)
	}
	if status != replyOK || pid != 4321 {
		t.Errorf("status=%d pid=%d", status, pid)
	}
}

func TestSpawnReplyError(t *testing.T) {
	payload := encodeSpawnReply(replyErrCloneAgain, 0)
	if len(payload) != 1 {
		t.Fatalf("error reply should be a bare status byte, got %d bytes", len(payload))
	}
	status, pid, err := decodeSpawnReply(payload)
	if err != nil {
		t.Fatal(err)
	}
	if status != replyErrCloneAgain || pid != 0 {
		t.Errorf("status=%d pid=%d", status, pid)
	}
}

func TestSpawnReplyMalformed(t *testing.T) {
	cases := [][]byte{
		{},                          // empty
		{replyOK},                   // ok without pid
		{replyOK, 1, 2},             // short pid
		{replyOK, 1, 2, 3, 4, 5},    // long
		{replyErrCloneAgain, 1},     // error reply with extra bytes
	}
	for i, payload := range cases {
		if _, _, err := decodeSpawnReply(payload); err == nil {
			t.Errorf("case %d accepted", i)
		}
	}
}

func TestEncodeRejectsOversize(t *testing.T) {
	req := &SpawnRequest{
		ProcessName: string(make([]byte, maxNameLen+1)),
		Sandbox:     sandbox.DefaultConfig(),
	}
	if _, err := encodeSpawnRequest(req); err == nil {
		t.Error("oversized process name accepted")
	}

	req = &SpawnRequest{
		ProcessName: "t",
		Sandbox:     sandbox.DefaultConfig(),
		Args:        make([][]byte, maxArgCount+1),
	}
	if _, err := encodeSpawnRequest(req); err == nil {
		t.Error("oversized arg count accepted")
	}
}
