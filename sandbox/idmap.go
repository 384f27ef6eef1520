package sandbox

import (
	"fmt"
	"os"
)

// writeSelfIDMaps maps UID 0 inside the namespace to the outer
// unprivileged id.  A process may write a single-entry map for its own
// euid/egid without any capability in the parent namespace; that is the
// rootless idiom this relies on.
//
// Order matters: setgroups must read "deny" before gid_map will accept a
// write from an unprivileged process.
func writeSelfIDMaps(outerUID, outerGID int) error {
	if err := os.WriteFile("/proc/self/setgroups", []byte("deny"), 0644); err != nil {
		return fmt.Errorf("deny setgroups: %v", err)
	}

	gidMap := fmt.Sprintf("0 %d 1\n", outerGID)
	if err := os.WriteFile("/proc/self/gid_map", []byte(gidMap), 0644); err != nil {
		return fmt.Errorf("write gid_map: %v", err)
	}

	uidMap := fmt.Sprintf("0 %d 1\n", outerUID)
	if err := os.WriteFile("/proc/self/uid_map", []byte(uidMap), 0644); err != nil {
		return fmt.Errorf("write uid_map: %v", err)
	}

	return nil
}
