package sandbox

import (
	"fmt"

	"github.com/syndtr/gocapability/capability"
	"golang.org/x/sys/unix"
)

// dropAllCapabilities empties the bounding, inherited, permitted,
// effective, and ambient sets, then pins no_new_privs so a later execve
// cannot regain anything.
func dropAllCapabilities() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return fmt.Errorf("init capability state: %v", err)
	}

	caps.Clear(capability.CAPS | capability.BOUNDS | capability.AMBS)
	if err := caps.Apply(capability.CAPS | capability.BOUNDS | capability.AMBS); err != nil {
		return fmt.Errorf("apply empty capability sets: %v", err)
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no_new_privs: %v", err)
	}

	return nil
}

// enterChroot confines the process to dir.  chdir must follow the chroot
// or the old cwd remains an escape hatch.
func enterChroot(dir string) error {
	if err := unix.Chroot(dir); err != nil {
		return fmt.Errorf("chroot %s: %v", dir, err)
	}
	if err := unix.Chdir("/"); err != nil {
		return fmt.Errorf("chdir /: %v", err)
	}
	return nil
}
