//go:build unix

package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"github.com/loykin/workerd/internal/pool"
)

// configureSysProcAttr puts the worker in its own process group so a terminal
// ^C reaches only the master, and drops privileges when the pool names a user.
func configureSysProcAttr(cmd *exec.Cmd, spec *pool.Spec) error {
	attrs := &syscall.SysProcAttr{Setpgid: true}
	cred, err := credential(spec)
	if err != nil {
		return err
	}
	attrs.Credential = cred
	setParentDeathSignal(attrs)
	cmd.SysProcAttr = attrs
	return nil
}

func credential(spec *pool.Spec) (*syscall.Credential, error) {
	if spec.User == "" {
		return nil, nil
	}
	u, err := user.Lookup(spec.User)
	if err != nil {
		return nil, fmt.Errorf("pool %s: user %q: %w", spec.Name, spec.User, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("pool %s: uid %q: %w", spec.Name, u.Uid, err)
	}
	gidStr := u.Gid
	if spec.Group != "" {
		g, err := user.LookupGroup(spec.Group)
		if err != nil {
			return nil, fmt.Errorf("pool %s: group %q: %w", spec.Name, spec.Group, err)
		}
		gidStr = g.Gid
	}
	gid, err := strconv.ParseUint(gidStr, 10, 32)
	if err != nil {
		return nil, fmt.Errorf("pool %s: gid %q: %w", spec.Name, gidStr, err)
	}
	// already that user: a Credential would still try setgroups and need CAP_SETGID
	if int(uid) == os.Getuid() && int(gid) == os.Getgid() {
		return nil, nil
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}
