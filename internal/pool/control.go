//go:build unix

package pool

import "syscall"

// Control signals understood by the master and re-delivered to workers.
const (
	SigStop   = syscall.SIGINT
	SigTerm   = syscall.SIGTERM
	SigReload = syscall.SIGUSR1
	SigStatus = syscall.SIGUSR2
	// SigForce upgrades an in-flight stop or reload to kill-after-timeout.
	SigForce = syscall.SIGHUP
	SigKill  = syscall.SIGKILL
)

// ExitUnexpected is the exit status of a worker whose loop returned without
// a stop request.
const ExitUnexpected = 250
