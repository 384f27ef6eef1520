package sandbox

import (
	"fmt"
	"os"
	"runtime"

	seccomp "github.com/elastic/go-seccomp-bpf"
	"github.com/spawnbox/spawnbox/common"
	"gopkg.in/yaml.v3"
)

// The built-in allowlist covers what the Go runtime and ordinary
// file/pipe/socket work need.  Everything else returns EPERM: a child
// probing for clone-to-root or mount finds a dead end instead of a
// kernel attack surface, and a denied syscall is still debuggable from
// the child's stderr (unlike SECCOMP_RET_KILL).
var baseAllowedSyscalls = []string{
	"accept4",
	"bind",
	"brk",
	"capget",
	"chdir",
	"clock_getres",
	"clock_gettime",
	"clock_nanosleep",
	"clone",
	"close",
	"close_range",
	"connect",
	"dup",
	"dup3",
	"epoll_create1",
	"epoll_ctl",
	"epoll_pwait",
	"eventfd2",
	"execve",
	"exit",
	"exit_group",
	"faccessat",
	"fchdir",
	"fcntl",
	"fdatasync",
	"fstat",
	"fstatfs",
	"fsync",
	"ftruncate",
	"futex",
	"getcwd",
	"getdents64",
	"getegid",
	"geteuid",
	"getgid",
	"getgroups",
	"getpeername",
	"getpid",
	"getppid",
	"getrandom",
	"getrlimit",
	"getsockname",
	"getsockopt",
	"gettid",
	"gettimeofday",
	"getuid",
	"kill",
	"listen",
	"lseek",
	"madvise",
	"membarrier",
	"mincore",
	"mkdirat",
	"mmap",
	"mprotect",
	"munmap",
	"nanosleep",
	"newfstatat",
	"openat",
	"pipe2",
	"ppoll",
	"prctl",
	"pread64",
	"prlimit64",
	"pselect6",
	"pwrite64",
	"read",
	"readlinkat",
	"readv",
	"recvfrom",
	"recvmsg",
	"renameat",
	"restart_syscall",
	"rseq",
	"rt_sigaction",
	"rt_sigprocmask",
	"rt_sigreturn",
	"sched_getaffinity",
	"sched_yield",
	"sendmsg",
	"sendto",
	"set_robust_list",
	"set_tid_address",
	"setrlimit",
	"setsockopt",
	"shutdown",
	"sigaltstack",
	"socket",
	"socketpair",
	"statx",
	"sysinfo",
	"tgkill",
	"umask",
	"uname",
	"unlinkat",
	"wait4",
	"write",
	"writev",
}

// legacy syscall numbers that only exist on amd64
var amd64AllowedSyscalls = []string{
	"accept",
	"access",
	"dup2",
	"epoll_wait",
	"fork",
	"getdents",
	"pipe",
	"poll",
	"readlink",
	"select",
	"stat",
	"time",
	"unlink",
	"vfork",
}

func defaultPolicy() seccomp.Policy {
	names := append([]string{}, baseAllowedSyscalls...)
	if runtime.GOARCH == "amd64" {
		names = append(names, amd64AllowedSyscalls...)
	}
	return seccomp.Policy{
		DefaultAction: seccomp.ActionErrno,
		Syscalls: []seccomp.SyscallGroup{
			{
				Action: seccomp.ActionAllow,
				Names:  names,
			},
		},
	}
}

// yamlPolicy is the on-disk shape of a seccomp policy override
// (common.Conf.Seccomp_policy).
type yamlPolicy struct {
	DefaultAction string `yaml:"default_action"`
	Syscalls      []struct {
		Action string   `yaml:"action"`
		Names  []string `yaml:"names"`
	} `yaml:"syscalls"`
}

func parseAction(s string) (seccomp.Action, error) {
	switch s {
	case "allow":
		return seccomp.ActionAllow, nil
	case "errno":
		return seccomp.ActionErrno, nil
	case "trap":
		return seccomp.ActionTrap, nil
	case "kill_process":
		return seccomp.ActionKillProcess, nil
	case "kill_thread", "kill":
		return seccomp.ActionKillThread, nil
	case "log":
		return seccomp.ActionLog, nil
	}
	var none seccomp.Action
	return none, fmt.Errorf("unknown seccomp action %q", s)
}

func loadPolicyFile(path string) (seccomp.Policy, error) {
	var policy seccomp.Policy

	raw, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("read policy %s: %v", path, err)
	}

	var yp yamlPolicy
	if err := yaml.Unmarshal(raw, &yp); err != nil {
		return policy, fmt.Errorf("parse policy %s: %v", path, err)
	}

	policy.DefaultAction, err = parseAction(yp.DefaultAction)
	if err != nil {
		return policy, err
	}
	for _, group := range yp.Syscalls {
		action, err := parseAction(group.Action)
		if err != nil {
			return policy, err
		}
		policy.Syscalls = append(policy.Syscalls, seccomp.SyscallGroup{
			Action: action,
			Names:  group.Names,
		})
	}

	return policy, nil
}

// installSeccomp loads the filter.  This is the final construction step;
// nothing after it may need a denied syscall.
func installSeccomp() error {
	if common.Conf != nil && !common.Conf.Features.Enable_seccomp {
		return nil
	}

	policy := defaultPolicy()
	if common.Conf != nil && common.Conf.Seccomp_policy != "" {
		p, err := loadPolicyFile(common.Conf.Seccomp_policy)
		if err != nil {
			return err
		}
		policy = p
	}

	filter := seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy:     policy,
	}
	if err := seccomp.LoadFilter(filter); err != nil {
		return fmt.Errorf("load seccomp filter: %v", err)
	}

	return nil
}
