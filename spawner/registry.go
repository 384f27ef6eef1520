package spawner

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// EntryFunc runs in the sandboxed child.  Args are the opaque blobs the
// parent passed to Spawn, in order; only the entry point knows their
// encoding.  A nil return exits the child with status 0; an error is
// printed to the child's stderr and exits 1.
type EntryFunc func(args [][]byte) error

// PreloadFunc runs once in the spawner before the first spawn.  Its job
// is to pay one-time initialization costs (caches, parsed data, loaded
// models) so every child inherits the result copy-on-write.
type PreloadFunc func() error

var (
	registryMu sync.Mutex
	entries    = map[string]EntryFunc{}
	preloads   = map[string]PreloadFunc{}
)

// RegisterEntry records an entry point under name.  Registration must
// happen at init time, in code linked into both the parent and the
// spawner binary: the registry is inherited by every child at clone time
// and is never mutated after the spawner starts.
func RegisterEntry(name string, fn EntryFunc) {
	if name == "" || fn == nil {
		panic("RegisterEntry: empty name or nil func")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := entries[name]; dup {
		panic(fmt.Sprintf("RegisterEntry: duplicate entry %q", name))
	}
	entries[name] = fn
}

// RegisterPreload records a named preload.  Same rules as RegisterEntry.
func RegisterPreload(name string, fn PreloadFunc) {
	if name == "" || fn == nil {
		panic("RegisterPreload: empty name or nil func")
	}
	if err := checkPreloadName(name); err != nil {
		panic("RegisterPreload: " + err.Error())
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := preloads[name]; dup {
		panic(fmt.Sprintf("RegisterPreload: duplicate preload %q", name))
	}
	preloads[name] = fn
}

// Preload names travel comma-joined on the spawner's argv.
func checkPreloadName(name string) error {
	if strings.ContainsAny(name, `", `) {
		return fmt.Errorf("preload name %q is illegal", name)
	}
	return nil
}

func lookupEntry(name string) (EntryFunc, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	fn, ok := entries[name]
	if !ok {
		return nil, fmt.Errorf("entry point %q is not registered (have: %s)", name, registeredNamesLocked(entries))
	}
	return fn, nil
}

func lookupPreload(name string) (PreloadFunc, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	fn, ok := preloads[name]
	if !ok {
		return nil, fmt.Errorf("preload %q is not registered (have: %s)", name, registeredNamesLocked(preloads))
	}
	return fn, nil
}

func registeredNamesLocked[T any](m map[string]T) string {
	if len(m) == 0 {
		return "none"
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
