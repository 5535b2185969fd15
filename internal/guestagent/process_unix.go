package guestagent

import (
	"os/exec"
	"syscall"
)

// buildCommand runs command through a shell, matching the guest rootfs's
// single default user (no su/sudo user-switch layer in this deployment
// target).
func buildCommand(command string) *exec.Cmd {
	return exec.Command("sh", "-c", command)
}

// processGroupAttr places the spawned process in its own process group so
// a timeout kill can take down any grandchildren too.
func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// killProcessGroup sends SIGKILL to the process group rooted at pid.
func killProcessGroup(pid int) {
	syscall.Kill(-pid, syscall.SIGKILL)
}
