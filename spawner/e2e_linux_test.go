package spawner

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/spawnbox/spawnbox/sandbox"
	"golang.org/x/sys/unix"
)

// The end-to-end tests re-exec this test binary as the spawner (Start's
// default of /proc/self/exe), so TestMain must divert spawner processes
// before the test runner takes over.  The grandchild guard serves the
// subtree-kill test.
func TestMain(m *testing.M) {
	if os.Getenv("SPAWNBOX_TEST_GRANDCHILD") != "" {
		time.Sleep(600 * time.Second)
		os.Exit(0)
	}
	MaybeServe()
	os.Exit(m.Run())
}

func init() {
	RegisterEntry("e2e-echo", func(args [][]byte) error {
		for _, arg := range args {
			fmt.Printf("%s\n", arg)
		}
		return nil
	})

	RegisterEntry("e2e-fail", func(args [][]byte) error {
		return fmt.Errorf("deliberate entry failure")
	})

	RegisterEntry("e2e-env", func(args [][]byte) error {
		fmt.Printf("MARKER=%s\n", os.Getenv("SPAWNBOX_TEST_MARKER"))
		return nil
	})

	RegisterEntry("e2e-capeff", func(args [][]byte) error {
		data, err := os.ReadFile("/proc/self/status")
		if err != nil {
			return err
		}
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "CapEff:") || strings.HasPrefix(line, "NoNewPrivs:") {
				fmt.Println(line)
			}
		}
		return nil
	})

	RegisterEntry("e2e-fdcount", func(args [][]byte) error {
		dents, err := os.ReadDir("/proc/self/fd")
		if err != nil {
			return err
		}
		// the ReadDir itself holds one descriptor open
		fmt.Printf("open-fds=%d\n", len(dents)-1)
		return nil
	})

	RegisterEntry("e2e-pid", func(args [][]byte) error {
		fmt.Printf("pid=%d\n", os.Getpid())
		return nil
	})

	RegisterEntry("e2e-netprobe", func(args [][]byte) error {
		conn, err := net.DialTimeout("tcp", "1.1.1.1:80", 3*time.Second)
		if err == nil {
			conn.Close()
			fmt.Println("connected")
			return nil
		}
		if strings.Contains(err.Error(), "network is unreachable") {
			fmt.Println("unreachable")
		} else {
			fmt.Printf("error: %v\n", err)
		}
		return nil
	})

	RegisterEntry("e2e-sleep", func(args [][]byte) error {
		time.Sleep(600 * time.Second)
		return nil
	})

	RegisterEntry("e2e-forker", func(args [][]byte) error {
		pid, err := syscall.ForkExec("/proc/self/exe",
			[]string{string(args[0])},
			&syscall.ProcAttr{
				Env:   []string{"SPAWNBOX_TEST_GRANDCHILD=1"},
				Files: []uintptr{0, 1, 2},
			})
		if err != nil {
			return err
		}
		fmt.Printf("grandchild=%d\n", pid)
		time.Sleep(600 * time.Second)
		return nil
	})

	RegisterPreload("e2e-slow-preload", func() error {
		time.Sleep(500 * time.Millisecond)
		return nil
	})

	RegisterPreload("e2e-bad-preload", func() error {
		return fmt.Errorf("preload cannot initialize")
	})
}

// requireSpawnHost skips tests that need to create real namespaced
// children when the host forbids it.
func requireSpawnHost(t *testing.T) {
	t.Helper()
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err == nil && strings.TrimSpace(string(data)) != "1" && os.Getuid() != 0 {
		t.Skip("unprivileged user namespaces are disabled on this host")
	}
	if _, err := os.Stat("/proc/self/ns/user"); err != nil {
		t.Skip("no user namespace support")
	}
}

func startE2E(t *testing.T, entry string, preloads ...string) *Client {
	t.Helper()
	client, err := Start(StartOptions{
		EntryPoint: entry,
		Env:        map[string]string{"SPAWNBOX_TEST_MARKER": "from-parent"},
		Preloads:   preloads,
	})
	if err != nil {
		t.Fatalf("start spawner: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

// plainSandbox keeps e2e runs robust across kernels: the namespace,
// idmap, rlimit, and capability steps always run; seccomp is exercised
// by its own test.
func plainSandbox() sandbox.Config {
	sb := sandbox.DefaultConfig()
	sb.SkipSeccomp = true
	return sb
}

func runChild(t *testing.T, client *Client, entry string, args [][]byte, sb sandbox.Config) (string, string, int) {
	t.Helper()
	child, err := client.Spawn(args, "spawnbox-"+entry, sb)
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	defer child.Close()
	child.Stdin.Close()

	out, _ := io.ReadAll(child.Stdout)
	errOut, _ := io.ReadAll(child.Stderr)
	ws, err := child.Wait()
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	return string(out), string(errOut), ws.ExitStatus()
}

func TestE2EHappyPath(t *testing.T) {
	requireSpawnHost(t)
	client := startE2E(t, "e2e-echo")

	out, errOut, code := runChild(t, client, "e2e-echo", [][]byte{[]byte("hello")}, plainSandbox())
	if code != 0 {
		t.Fatalf("child exited %d, stderr: %s", code, errOut)
	}
	if out != "hello\n" {
		t.Errorf("stdout %q", out)
	}
}

func TestE2EChildIsPidOne(t *testing.T) {
	requireSpawnHost(t)
	client := startE2E(t, "e2e-pid")

	out, errOut, code := runChild(t, client, "e2e-pid", nil, plainSandbox())
	if code != 0 {
		t.Fatalf("child exited %d, stderr: %s", code, errOut)
	}
	if out != "pid=1\n" {
		t.Errorf("child should see itself as pid 1, got %q", out)
	}
}

func TestE2EEnvironmentComesFromParent(t *testing.T) {
	requireSpawnHost(t)
	client := startE2E(t, "e2e-env")

	out, _, code := runChild(t, client, "e2e-env", nil, plainSandbox())
	if code != 0 {
		t.Fatalf("child exited %d", code)
	}
	if out != "MARKER=from-parent\n" {
		t.Errorf("environment not inherited from StartOptions.Env: %q", out)
	}
}

func TestE2ESecondSpawnIsFast(t *testing.T) {
	requireSpawnHost(t)
	client := startE2E(t, "e2e-echo", "e2e-slow-preload")

	// first spawn absorbs the preload wait
	_, _, code := runChild(t, client, "e2e-echo", [][]byte{[]byte("1")}, plainSandbox())
	if code != 0 {
		t.Fatalf("first child exited %d", code)
	}

	t0 := time.Now()
	child, err := client.Spawn([][]byte{[]byte("2")}, "t2", plainSandbox())
	if err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(t0)
	child.Stdin.Close()
	io.Copy(io.Discard, child.Stdout)
	io.Copy(io.Discard, child.Stderr)
	child.Wait()
	child.Close()

	// the spec property is <100ms on a modern host; allow slack for
	// loaded CI machines while still catching a per-spawn re-preload
	if elapsed > 500*time.Millisecond {
		t.Errorf("second spawn took %v", elapsed)
	}
}

func TestE2ESpawnerSurvivesEntryError(t *testing.T) {
	requireSpawnHost(t)
	client := startE2E(t, "e2e-fail")

	_, errOut, code := runChild(t, client, "e2e-fail", nil, plainSandbox())
	if code != 1 {
		t.Errorf("failing entry should exit 1, got %d", code)
	}
	if !strings.Contains(errOut, "deliberate entry failure") {
		t.Errorf("stderr %q", errOut)
	}

	// the forkserver must outlive its children's bugs
	out, _, code := runChild(t, client, "e2e-fail", nil, plainSandbox())
	_ = out
	if code != 1 {
		t.Errorf("second spawn after entry error exited %d", code)
	}
}

func TestE2EBadPreloadIsStartupError(t *testing.T) {
	requireSpawnHost(t)
	client, err := Start(StartOptions{
		EntryPoint: "e2e-echo",
		Env:        map[string]string{},
		Preloads:   []string{"e2e-bad-preload"},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	_, err = client.Spawn(nil, "t", plainSandbox())
	var se *StartupError
	if !errors.As(err, &se) {
		t.Fatalf("want StartupError, got %v", err)
	}
}

func TestE2ECapabilityDrop(t *testing.T) {
	requireSpawnHost(t)
	client := startE2E(t, "e2e-capeff")

	out, errOut, code := runChild(t, client, "e2e-capeff", nil, plainSandbox())
	if code != 0 {
		t.Fatalf("child exited %d, stderr: %s", code, errOut)
	}
	if !strings.Contains(out, "CapEff:\t0000000000000000") {
		t.Errorf("effective capabilities not empty:\n%s", out)
	}
	if !strings.Contains(out, "NoNewPrivs:\t1") {
		t.Errorf("no_new_privs not set:\n%s", out)
	}
}

func TestE2EChildFDHygiene(t *testing.T) {
	requireSpawnHost(t)
	client := startE2E(t, "e2e-fdcount")

	out, errOut, code := runChild(t, client, "e2e-fdcount", nil, plainSandbox())
	if code != 0 {
		t.Fatalf("child exited %d, stderr: %s", code, errOut)
	}
	if out != "open-fds=3\n" {
		t.Errorf("child should hold exactly stdio, got %q", out)
	}
}

func TestE2EParentFDHygiene(t *testing.T) {
	requireSpawnHost(t)
	client := startE2E(t, "e2e-echo")

	// settle, then count
	_, _, _ = runChild(t, client, "e2e-echo", nil, plainSandbox())
	baseline := countOpenFDs(t)

	child, err := client.Spawn(nil, "t", plainSandbox())
	if err != nil {
		t.Fatal(err)
	}
	if got := countOpenFDs(t); got != baseline+3 {
		t.Errorf("spawn changed fd count %d -> %d, want +3", baseline, got)
	}

	child.Stdin.Close()
	io.Copy(io.Discard, child.Stdout)
	io.Copy(io.Discard, child.Stderr)
	child.Wait()
	child.Close()

	if got := countOpenFDs(t); got != baseline {
		t.Errorf("fd count %d after close, baseline %d", got, baseline)
	}
}

func countOpenFDs(t *testing.T) int {
	t.Helper()
	dents, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		t.Fatal(err)
	}
	return len(dents) - 1 // minus the ReadDir handle itself
}

func TestE2ENetworkOffIsUnreachable(t *testing.T) {
	requireSpawnHost(t)
	client := startE2E(t, "e2e-netprobe")

	out, errOut, code := runChild(t, client, "e2e-netprobe", nil, plainSandbox())
	if code != 0 {
		t.Fatalf("child exited %d, stderr: %s", code, errOut)
	}
	if !strings.Contains(out, "unreachable") {
		t.Errorf("child without NetworkConfig reached out: %q", out)
	}
}

func TestE2EKillCollapsesSubtree(t *testing.T) {
	requireSpawnHost(t)
	client := startE2E(t, "e2e-forker")

	nonce := fmt.Sprintf("spawnbox-grandchild-%d", os.Getpid())
	child, err := client.Spawn([][]byte{[]byte(nonce)}, "e2e-forker", plainSandbox())
	if err != nil {
		t.Fatal(err)
	}
	defer child.Close()
	child.Stdin.Close()

	// wait for the grandchild to announce itself
	buf := make([]byte, 128)
	n, err := child.Stdout.Read(buf)
	if err != nil || !strings.HasPrefix(string(buf[:n]), "grandchild=") {
		t.Fatalf("grandchild never started: %q err=%v", buf[:n], err)
	}
	if !processWithArgv0Exists(nonce) {
		t.Fatalf("grandchild %s not visible in /proc", nonce)
	}

	if err := child.Kill(); err != nil {
		t.Fatal(err)
	}
	ws, err := child.Wait()
	if err != nil {
		t.Fatal(err)
	}
	if !ws.Signaled() || ws.Signal() != unix.SIGKILL {
		t.Errorf("wait status %v", ws)
	}

	// PID-namespace collapse must take the grandchild down too
	deadline := time.Now().Add(2 * time.Second)
	for processWithArgv0Exists(nonce) {
		if time.Now().After(deadline) {
			t.Fatal("grandchild survived the subtree kill")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func processWithArgv0Exists(argv0 string) bool {
	dents, err := os.ReadDir("/proc")
	if err != nil {
		return false
	}
	for _, d := range dents {
		if !d.IsDir() || d.Name()[0] < '0' || d.Name()[0] > '9' {
			continue
		}
		raw, err := os.ReadFile("/proc/" + d.Name() + "/cmdline")
		if err != nil || len(raw) == 0 {
			continue
		}
		fields := strings.Split(string(raw), "\x00")
		if fields[0] == argv0 {
			return true
		}
	}
	return false
}

func TestE2ESeccompFilterOn(t *testing.T) {
	requireSpawnHost(t)
	client := startE2E(t, "e2e-echo")

	sb := sandbox.DefaultConfig() // seccomp on
	out, errOut, code := runChild(t, client, "e2e-echo", [][]byte{[]byte("filtered")}, sb)
	if code != 0 {
		t.Fatalf("child exited %d under seccomp, stderr: %s", code, errOut)
	}
	if out != "filtered\n" {
		t.Errorf("stdout %q", out)
	}
}

func TestE2EChrootConfinement(t *testing.T) {
	requireSpawnHost(t)
	if os.Getuid() != 0 {
		// chroot(2) from the namespace root works, but a jail on the
		// same filesystem as / needs the documented tmpfs precondition
		// we cannot arrange without privileges
		t.Skip("chroot e2e needs root to mount a separate-filesystem jail")
	}

	jail := t.TempDir()
	if err := unix.Mount("tmpfs", jail, "tmpfs", 0, ""); err != nil {
		t.Skipf("cannot mount tmpfs jail: %v", err)
	}
	defer unix.Unmount(jail, unix.MNT_DETACH)

	client := startE2E(t, "e2e-capeff")
	sb := plainSandbox()
	sb.ChrootDir = jail

	// /proc/self/status does not exist inside the empty jail
	_, _, code := runChild(t, client, "e2e-capeff", nil, sb)
	if code != 1 {
		t.Errorf("child inside empty jail should fail to read /proc, exited %d", code)
	}
}
