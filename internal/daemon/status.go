package daemon

import (
	"github.com/behrlich/procd"
	"github.com/behrlich/procd/internal/supervisor"
)

// wireStatus converts a supervisor.Status into its wire representation.
func wireStatus(st supervisor.Status) procd.ProcessStatus {
	switch st {
	case supervisor.Run:
		return procd.ProcessRun
	case supervisor.Exit:
		return procd.ProcessExit
	case supervisor.Kill:
		return procd.ProcessKill
	default:
		return procd.ProcessRun
	}
}
