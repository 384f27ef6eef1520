package common

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"

	"github.com/urfave/cli/v2"
)

// Configuration is stored globally here
var Conf *Config

// Config represents the configuration for a spawner deployment.
type Config struct {
	// spawnbox directory, which contains config, pid file, logs, etc.
	Spawnbox_dir string `json:"spawnbox_dir"`

	// path to a YAML seccomp policy.  Empty means the built-in
	// allowlist for the Go runtime.
	Seccomp_policy string `json:"seccomp_policy"`

	// parent cgroup (v2) under which per-child cgroups are created
	// when features.cgroup_children is on
	Cgroup_parent string `json:"cgroup_parent"`

	// IPv4 blocks a networked child must never be able to reach.
	// The host NAT setup is expected to drop them; this list is what
	// a deployment's firewall check should verify against.
	Unsafe_ipv4_blocks []string `json:"unsafe_ipv4_blocks"`

	Limits   LimitsConfig   `json:"limits"`
	Features FeaturesConfig `json:"features"`
	Trace    TraceConfig    `json:"trace"`
}

type FeaturesConfig struct {
	// install the seccomp filter as the last sandbox step?
	Enable_seccomp bool `json:"enable_seccomp"`

	// place each spawned child in its own cgroup?
	Cgroup_children bool `json:"cgroup_children"`
}

type TraceConfig struct {
	Latency  bool `json:"latency"`
	Cgroups  bool `json:"cgroups"`
	Protocol bool `json:"protocol"`
}

type LimitsConfig struct {
	// address-space cap for a child (RLIMIT_AS)
	Mem_mb int `json:"mem_mb"`

	// how many processes/threads can a child create?  (RLIMIT_NPROC)
	Procs int `json:"procs"`

	// largest file a child may write (RLIMIT_FSIZE)
	File_size_mb int `json:"file_size_mb"`

	// open descriptor cap (RLIMIT_NOFILE)
	Open_files int `json:"open_files"`

	// memory.max for the per-child cgroup, if cgroup_children is on
	Cgroup_mem_mb int `json:"cgroup_mem_mb"`
}

// Choose reasonable defaults for a spawner deployment.
// boxPath need not exist (it is used to determine default paths).
func LoadDefaults(boxPath string) error {
	Conf = &Config{
		Spawnbox_dir:   boxPath,
		Seccomp_policy: "",
		Cgroup_parent:  "/sys/fs/cgroup/spawnbox",
		Unsafe_ipv4_blocks: []string{
			"169.254.0.0/16", // link-local, cloud metadata services
			"10.0.0.0/8",
			"172.16.0.0/12",
			"192.168.0.0/16",
		},
		Limits: LimitsConfig{
			Mem_mb:        1024,
			Procs:         100,
			File_size_mb:  1024,
			Open_files:    1024,
			Cgroup_mem_mb: 256,
		},
		Features: FeaturesConfig{
			Enable_seccomp:  true,
			Cgroup_children: false,
		},
		Trace: TraceConfig{
			Latency:  false,
			Cgroups:  false,
			Protocol: false,
		},
	}

	return checkConf()
}

// LoadConf reads a file and tries to parse it as a JSON string to a Config
// instance.
func LoadConf(path string) error {
	configRaw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not open config (%v): %v", path, err.Error())
	}

	if err := json.Unmarshal(configRaw, &Conf); err != nil {
		fmt.Printf("Bad config file (%s):\n%s\n", path, string(configRaw))
		return fmt.Errorf("could not parse config (%v): %v", path, err.Error())
	}

	return checkConf()
}

func checkConf() error {
	if !path.IsAbs(Conf.Spawnbox_dir) {
		return fmt.Errorf("Spawnbox_dir cannot be relative")
	}

	if Conf.Seccomp_policy != "" && !path.IsAbs(Conf.Seccomp_policy) {
		return fmt.Errorf("seccomp_policy cannot be relative")
	}

	if Conf.Features.Cgroup_children && Conf.Cgroup_parent == "" {
		return fmt.Errorf("must specify cgroup_parent when cgroup_children is on")
	}

	if Conf.Limits.Mem_mb < 16 {
		return fmt.Errorf("limits.mem_mb must be at least 16")
	}

	if Conf.Limits.Procs < 1 {
		return fmt.Errorf("limits.procs must be at least 1")
	}

	return nil
}

// DumpConf prints the Config as a JSON string.
func DumpConf() {
	s, err := json.Marshal(Conf)
	if err != nil {
		panic(err)
	}
	log.Printf("CONFIG = %v\n", string(s))
}

// DumpConfStr returns the Config as an indented JSON string.
func DumpConfStr() string {
	s, err := json.MarshalIndent(Conf, "", "\t")
	if err != nil {
		panic(err)
	}
	return string(s)
}

// SaveConf writes the Config as an indented JSON to path with 644 mode.
func SaveConf(path string) error {
	s, err := json.MarshalIndent(Conf, "", "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(path, s, 0644)
}

func GetBoxPath(ctx *cli.Context) (string, error) {
	boxPath := ctx.String("path")
	if boxPath == "" {
		boxPath = "default-spawnbox"
	}
	return filepath.Abs(boxPath)
}
