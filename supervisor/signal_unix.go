//go:build !windows

package supervisor

import "syscall"

var stopSignal = syscall.SIGTERM
