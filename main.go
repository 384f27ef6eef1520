package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spawnbox/spawnbox/common"
	"github.com/spawnbox/spawnbox/sandbox"
	"github.com/spawnbox/spawnbox/spawner"
	"github.com/urfave/cli/v2"
)

func init() {
	// Entries and preloads must exist before any fork, in the binary
	// that becomes the spawner.  These are the admin tool's built-ins;
	// library users register their own.
	spawner.RegisterEntry("echo", func(args [][]byte) error {
		for _, arg := range args {
			if _, err := fmt.Fprintf(os.Stdout, "%s\n", arg); err != nil {
				return err
			}
		}
		return nil
	})

	spawner.RegisterEntry("sleep", func(args [][]byte) error {
		d := time.Minute
		if len(args) > 0 {
			parsed, err := time.ParseDuration(string(args[0]))
			if err != nil {
				return err
			}
			d = parsed
		}
		time.Sleep(d)
		return nil
	})

	spawner.RegisterPreload("warmup", func() error {
		// stand-in for an expensive import: burn some allocation so
		// bench can show children inheriting it for free
		buf := make([][]byte, 256)
		for i := range buf {
			buf[i] = make([]byte, 1<<16)
		}
		warmupPages = buf
		return nil
	})
}

// kept alive so the preload's pages stay mapped for every child
var warmupPages [][]byte

func loadConfOrDefaults(ctx *cli.Context) error {
	boxPath, err := common.GetBoxPath(ctx)
	if err != nil {
		return err
	}
	confPath := filepath.Join(boxPath, "config.json")
	if _, err := os.Stat(confPath); os.IsNotExist(err) {
		return common.LoadDefaults(boxPath)
	}
	return common.LoadConf(confPath)
}

// initCmd corresponds to the "init" command of the admin tool.
func initCmd(ctx *cli.Context) error {
	boxPath, err := common.GetBoxPath(ctx)
	if err != nil {
		return err
	}

	if err := os.Mkdir(boxPath, 0700); err != nil {
		return err
	}
	if err := common.LoadDefaults(boxPath); err != nil {
		return err
	}

	confPath := filepath.Join(boxPath, "config.json")
	if err := common.SaveConf(confPath); err != nil {
		return err
	}

	fmt.Printf("Init spawnbox dir at %v\n", boxPath)
	fmt.Printf("Defaults: \n%s\n\n", common.DumpConfStr())
	fmt.Printf("You may modify the defaults here: %s\n\n", confPath)
	fmt.Printf("Check host support with the \"status\" command.\n")
	return nil
}

// statusCmd checks the host preconditions a spawner needs.
func statusCmd(ctx *cli.Context) error {
	ok := true

	check := func(name string, err error) {
		if err != nil {
			fmt.Printf("FAIL  %s: %v\n", name, err)
			ok = false
		} else {
			fmt.Printf("ok    %s\n", name)
		}
	}

	check("unprivileged user namespaces", checkUserNS())
	check("cgroup v2", checkCgroupV2())
	check("seccomp", checkSeccompAvailable())

	if !ok {
		return fmt.Errorf("host is missing spawner preconditions")
	}
	fmt.Printf("\nHost looks usable.\n")
	return nil
}

func checkUserNS() error {
	// kernels without the knob allow user namespaces unconditionally
	data, err := os.ReadFile("/proc/sys/kernel/unprivileged_userns_clone")
	if err != nil {
		return nil
	}
	if strings.TrimSpace(string(data)) != "1" {
		return fmt.Errorf("/proc/sys/kernel/unprivileged_userns_clone is 0")
	}
	return nil
}

func checkCgroupV2() error {
	if _, err := os.Stat("/sys/fs/cgroup/cgroup.controllers"); err != nil {
		return fmt.Errorf("cgroup v2 not mounted at /sys/fs/cgroup")
	}
	return nil
}

func checkSeccompAvailable() error {
	data, err := os.ReadFile("/proc/sys/kernel/seccomp/actions_avail")
	if err != nil {
		return fmt.Errorf("no seccomp support visible: %v", err)
	}
	if !strings.Contains(string(data), "allow") {
		return fmt.Errorf("unexpected actions_avail: %s", strings.TrimSpace(string(data)))
	}
	return nil
}

// runCmd spawns one sandboxed "echo" child and relays its output: the
// smallest end-to-end exercise of the whole stack.
func runCmd(ctx *cli.Context) error {
	if err := loadConfOrDefaults(ctx); err != nil {
		return err
	}
	if err := common.LoadLoggers(""); err != nil {
		return err
	}

	client, err := spawner.Start(spawner.StartOptions{
		EntryPoint: "echo",
		Env:        map[string]string{"PATH": "/bin:/usr/bin"},
		Preloads:   []string{"warmup"},
	})
	if err != nil {
		return err
	}
	defer client.Close()

	sb := sandbox.DefaultConfig()
	sb.ChrootDir = ctx.String("chroot")
	sb.SkipSeccomp = ctx.Bool("no-seccomp")

	var args [][]byte
	for _, a := range ctx.Args().Slice() {
		args = append(args, []byte(a))
	}

	child, err := client.Spawn(args, "spawnbox-echo", sb)
	if err != nil {
		return err
	}
	defer child.Close()
	child.Stdin.Close()

	out, _ := io.ReadAll(child.Stdout)
	errOut, _ := io.ReadAll(child.Stderr)
	ws, err := child.Wait()
	if err != nil {
		return err
	}

	os.Stdout.Write(out)
	os.Stderr.Write(errOut)
	if code := ws.ExitStatus(); code != 0 {
		return fmt.Errorf("child exited %d", code)
	}
	return nil
}

// benchCmd measures spawn latency: the first spawn also waits out the
// spawner's preloads, and repeats should be well under 100ms even when
// the preload was slow.
func benchCmd(ctx *cli.Context) error {
	if err := loadConfOrDefaults(ctx); err != nil {
		return err
	}
	if err := common.LoadLoggers(""); err != nil {
		return err
	}

	client, err := spawner.Start(spawner.StartOptions{
		EntryPoint: "echo",
		Env:        map[string]string{},
		Preloads:   []string{"warmup"},
	})
	if err != nil {
		return err
	}
	defer client.Close()

	n := ctx.Int("count")
	for i := 0; i < n; i++ {
		t0 := time.Now()
		child, err := client.Spawn([][]byte{[]byte("x")}, "spawnbox-bench", sandbox.DefaultConfig())
		if err != nil {
			return fmt.Errorf("spawn %d: %v", i, err)
		}
		child.Stdin.Close()
		io.Copy(io.Discard, child.Stdout)
		io.Copy(io.Discard, child.Stderr)
		if _, err := child.Wait(); err != nil {
			return err
		}
		child.Close()
		fmt.Printf("spawn %d: %v\n", i, time.Since(t0))
	}

	stats := common.SnapshotStats()
	keys := make([]string, 0, len(stats))
	for k := range stats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("%s = %d\n", k, stats[k])
	}
	return nil
}

func main() {
	// must run before anything else: in the re-exec'd spawner process
	// this call never returns
	spawner.MaybeServe()

	pathFlag := &cli.StringFlag{
		Name:  "path",
		Usage: "spawnbox directory (config, logs)",
	}

	app := &cli.App{
		Name:  "spawnbox",
		Usage: "admin tool for the spawnbox forkserver",
		Commands: []*cli.Command{
			{
				Name:      "init",
				Usage:     "create a spawnbox directory with default config",
				UsageText: "spawnbox init [--path PATH]",
				Flags:     []cli.Flag{pathFlag},
				Action:    initCmd,
			},
			{
				Name:   "status",
				Usage:  "check host preconditions",
				Action: statusCmd,
			},
			{
				Name:      "run",
				Usage:     "spawn one sandboxed echo child",
				UsageText: "spawnbox run [--chroot DIR] [--no-seccomp] [ARGS...]",
				Flags: []cli.Flag{
					pathFlag,
					&cli.StringFlag{Name: "chroot", Usage: "chroot the child to this directory"},
					&cli.BoolFlag{Name: "no-seccomp", Usage: "skip the seccomp filter"},
				},
				Action: runCmd,
			},
			{
				Name:  "bench",
				Usage: "measure spawn latency",
				Flags: []cli.Flag{
					pathFlag,
					&cli.IntFlag{Name: "count", Value: 10, Usage: "number of spawns"},
				},
				Action: benchCmd,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}
