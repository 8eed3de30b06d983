package supervisor

import "syscall"

// Workers die with the master instead of lingering as orphans.
func setParentDeathSignal(attrs *syscall.SysProcAttr) { attrs.Pdeathsig = syscall.SIGKILL }
