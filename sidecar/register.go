package sidecar

import (
	"os"
	"sync"

	"github.com/webpilot/webpilot/log"
)

var (
	processRegister   = []int{}      //nolint:gochecknoglobals
	processRegisterMu = sync.Mutex{} //nolint:gochecknoglobals
)

func register(logger *log.Logger, pid int) {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	logger.Debugf("Sidecar:register", "registered engine process with PID %d", pid)

	processRegister = append(processRegister, pid)
}

// ForceShutdown kills every engine process spawned by this program.
// It is for panic paths where the owning Process never gets to Close.
func ForceShutdown() {
	processRegisterMu.Lock()
	defer processRegisterMu.Unlock()

	for _, pid := range processRegister {
		Kill(pid)
	}
	processRegister = processRegister[:0]
}

// Kill will look for and kill the process with the given pid. It is a
// variable so tests can override it and keep their child processes
// alive.
var Kill = func(pid int) { //nolint:gochecknoglobals
	p, err := os.FindProcess(pid)
	if err != nil {
		// optimistically continue and don't kill the process
		return
	}
	// no need to check the error since we're already dying.
	_ = p.Release()
	_ = p.Kill()
}
