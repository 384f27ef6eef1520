// Package sandbox confines the current process: user/PID/IPC/UTS/net/mount
// namespaces, a single-entry UID/GID remap, an optional veth uplink, an
// optional chroot, a full capability drop, conservative rlimits, and a
// deny-by-default seccomp filter.
//
// Setup must run in a process that entered its namespaces at clone time,
// before any user code.  The steps are a strict sequence: each one consumes
// privileges the next one no longer has (the UID map needs the fresh user
// namespace, netlink needs CAP_NET_ADMIN, chroot needs CAP_SYS_CHROOT,
// and seccomp must come last because every earlier step makes syscalls the
// filter forbids).
package sandbox

import (
	"fmt"
	"os"
	"strings"
)

// Config selects the confinement applied to one child.
type Config struct {
	// ChrootDir, when non-empty, is an absolute path the child is
	// chrooted to.  It must reside on a filesystem distinct from /;
	// that precondition is the caller's to meet, not verified here.
	ChrootDir string

	// Network, when present, gives the child a veth uplink.  When
	// absent the child keeps an empty network namespace with only lo.
	Network *NetworkConfig

	// DropCapabilities clears every capability set and sets
	// no_new_privs.  On by default.
	DropCapabilities bool

	// SkipSeccomp leaves the syscall filter uninstalled.  Debugging
	// aid only.
	SkipSeccomp bool

	// EnableCoredumps leaves RLIMIT_CORE alone instead of zeroing it.
	EnableCoredumps bool
}

// NetworkConfig describes one veth pair.  The kernel side lives in the
// spawner's namespace; the child side is addressed and routed inside the
// sandbox.  Addresses are in CIDR form (/24 or /30 peers); the gateway is
// a bare IPv4 address, normally the kernel side's.
type NetworkConfig struct {
	KernelVethName   string
	ChildVethName    string
	KernelIPv4       string
	ChildIPv4        string
	ChildIPv4Gateway string
}

// DefaultConfig is the sandbox most callers want: no chroot, no network,
// capabilities dropped, seccomp on, no core dumps.
func DefaultConfig() Config {
	return Config{DropCapabilities: true}
}

func (nc *NetworkConfig) validate() error {
	if nc.KernelVethName == "" || nc.ChildVethName == "" {
		return fmt.Errorf("veth names must be non-empty")
	}
	if !strings.Contains(nc.KernelIPv4, "/") || !strings.Contains(nc.ChildIPv4, "/") {
		return fmt.Errorf("veth addresses must be CIDR (got %q, %q)", nc.KernelIPv4, nc.ChildIPv4)
	}
	if nc.ChildIPv4Gateway == "" {
		return fmt.Errorf("child gateway must be non-empty")
	}
	return nil
}

// Validate rejects configs the construction sequence cannot honor.
func (c *Config) Validate() error {
	if c.ChrootDir != "" && !strings.HasPrefix(c.ChrootDir, "/") {
		return fmt.Errorf("chroot dir must be absolute: %q", c.ChrootDir)
	}
	if c.Network != nil {
		return c.Network.validate()
	}
	return nil
}

// Sandbox construction steps, in order.  A failed step aborts the child
// with exit code 64+step before any user code runs.
const (
	StepNamespaces = 1 + iota
	StepIDMap
	StepNetwork
	StepFilesystem
	StepCapabilities
	StepRlimits
	StepSeccomp
)

// ExitCodeBase plus the step number is the child's exit code when that
// step fails.
const ExitCodeBase = 64

// A StepError reports which construction step failed.
type StepError struct {
	Step int
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("sandbox step %d (%s): %v", e.Step, stepName(e.Step), e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// ExitCode is what the child exits with when this step fails.
func (e *StepError) ExitCode() int {
	return ExitCodeBase + e.Step
}

func stepName(step int) string {
	switch step {
	case StepNamespaces:
		return "namespaces"
	case StepIDMap:
		return "idmap"
	case StepNetwork:
		return "network"
	case StepFilesystem:
		return "filesystem"
	case StepCapabilities:
		return "capabilities"
	case StepRlimits:
		return "rlimits"
	case StepSeccomp:
		return "seccomp"
	}
	return "?"
}

func stepErr(step int, err error) *StepError {
	return &StepError{Step: step, Err: err}
}

// Setup applies the full construction sequence to the calling process.
// outerUID/outerGID are the spawner's effective ids, captured before the
// clone (inside the new user namespace they are no longer observable).
//
// The caller must already be inside fresh user/PID/IPC/UTS/net/mount
// namespaces; step 1 only verifies that.
func Setup(cfg *Config, outerUID, outerGID int) *StepError {
	if err := cfg.Validate(); err != nil {
		return stepErr(StepNamespaces, err)
	}

	// STEP 1: confirm the clone put us in a fresh user namespace.  An
	// unwritten uid_map is the telltale.
	if err := verifyFreshUserNS(); err != nil {
		return stepErr(StepNamespaces, err)
	}

	// STEP 2: map inner root to the outer unprivileged id.  setgroups
	// must be denied before gid_map becomes writable.
	if err := writeSelfIDMaps(outerUID, outerGID); err != nil {
		return stepErr(StepIDMap, err)
	}

	// STEP 3: loopback always; veth uplink only when configured.
	if err := setupChildNetwork(cfg.Network); err != nil {
		return stepErr(StepNetwork, err)
	}

	// STEP 4: optional chroot.  pivot_root is deliberately not
	// attempted: unprivileged umount of the old root is commonly
	// forbidden, so chroot is the supported confinement.
	if cfg.ChrootDir != "" {
		if err := enterChroot(cfg.ChrootDir); err != nil {
			return stepErr(StepFilesystem, err)
		}
	}

	// STEP 5: drop every capability and pin no_new_privs.
	if cfg.DropCapabilities {
		if err := dropAllCapabilities(); err != nil {
			return stepErr(StepCapabilities, err)
		}
	}

	// STEP 6: conservative resource limits.
	if err := applyRlimits(cfg.EnableCoredumps); err != nil {
		return stepErr(StepRlimits, err)
	}

	// STEP 7: seccomp last.  Every earlier step needs syscalls the
	// filter denies.
	if !cfg.SkipSeccomp {
		if err := installSeccomp(); err != nil {
			return stepErr(StepSeccomp, err)
		}
	}

	return nil
}

func verifyFreshUserNS() error {
	data, err := os.ReadFile("/proc/self/uid_map")
	if err != nil {
		return fmt.Errorf("read uid_map: %v", err)
	}
	if strings.TrimSpace(string(data)) != "" {
		return fmt.Errorf("uid_map already written; not in a fresh user namespace")
	}
	return nil
}
