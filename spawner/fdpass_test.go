package spawner

import (
	"bytes"
	"io"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func testSocketpair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func TestFramePlainRoundTrip(t *testing.T) {
	a, b := testSocketpair(t)

	payload := []byte("spawn please")
	if err := sendFrame(a, payload, nil); err != nil {
		t.Fatalf("send: %v", err)
	}

	got, fds, err := recvFrame(b, maxFrameLen, 0)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload %q", got)
	}
	if len(fds) != 0 {
		t.Errorf("unexpected fds: %v", fds)
	}
}

func TestFrameLargePayload(t *testing.T) {
	a, b := testSocketpair(t)

	// bigger than any single recvmsg is likely to return in one go
	payload := bytes.Repeat([]byte("abcdefgh"), 128*1024)
	done := make(chan error, 1)
	go func() {
		done <- sendFrame(a, payload, nil)
	}()

	got, _, err := recvFrame(b, maxFrameLen, 0)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if serr := <-done; serr != nil {
		t.Fatalf("send: %v", serr)
	}
	if !bytes.Equal(got, payload) {
		t.Error("large payload mangled")
	}
}

func TestFrameCarriesFDs(t *testing.T) {
	a, b := testSocketpair(t)

	var pipes [3][2]int
	for i := range pipes {
		if err := unix.Pipe(pipes[i][:]); err != nil {
			t.Fatal(err)
		}
	}

	send := []int{pipes[0][0], pipes[1][0], pipes[2][0]}
	if err := sendFrame(a, encodeSpawnReply(replyOK, 7), send); err != nil {
		t.Fatalf("send: %v", err)
	}

	payload, fds, err := recvFrame(b, maxReplyLen, 3)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	if len(fds) != 3 {
		t.Fatalf("got %d fds", len(fds))
	}
	status, pid, err := decodeSpawnReply(payload)
	if err != nil || status != replyOK || pid != 7 {
		t.Fatalf("reply status=%d pid=%d err=%v", status, pid, err)
	}

	// prove the fds work: write through the original, read the passed copy
	msg := []byte("through the pipe")
	if _, err := unix.Write(pipes[0][1], msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 64)
	n, err := unix.Read(fds[0], buf)
	if err != nil || !bytes.Equal(buf[:n], msg) {
		t.Errorf("passed fd read %q err=%v", buf[:n], err)
	}

	closeAll(fds)
	for i := range pipes {
		unix.Close(pipes[i][0])
		unix.Close(pipes[i][1])
	}
}

func TestRecvFrameWrongFDCount(t *testing.T) {
	a, b := testSocketpair(t)

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	if err := sendFrame(a, encodeSpawnReply(replyOK, 1), []int{int(r.Fd())}); err != nil {
		t.Fatal(err)
	}

	if _, _, err := recvFrame(b, maxReplyLen, 3); err == nil {
		t.Error("1 fd accepted where 3 were required")
	}
}

func TestRecvFrameCleanEOF(t *testing.T) {
	a, b := testSocketpair(t)
	unix.Close(a)

	_, _, err := recvFrame(b, maxFrameLen, 0)
	if err != io.EOF {
		t.Errorf("want io.EOF, got %v", err)
	}
}

func TestRecvFrameEOFMidFrame(t *testing.T) {
	a, b := testSocketpair(t)

	// a frame header promising more than ever arrives
	header := []byte{100, 0, 0, 0, 'x'}
	if err := writeFull(a, header); err != nil {
		t.Fatal(err)
	}
	unix.Close(a)

	if _, _, err := recvFrame(b, maxFrameLen, 0); err == nil || err == io.EOF {
		t.Errorf("partial frame should be a protocol error, got %v", err)
	}
}

func TestRecvFrameOversizedLength(t *testing.T) {
	a, b := testSocketpair(t)

	header := []byte{255, 255, 255, 255}
	if err := writeFull(a, header); err != nil {
		t.Fatal(err)
	}

	if _, _, err := recvFrame(b, 1024, 0); err == nil {
		t.Error("oversized frame length accepted")
	}
}
