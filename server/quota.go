package server

import (
	"github.com/caffeineduck/jsfcgi/config"
	"github.com/caffeineduck/jsfcgi/executor"
)

// DeriveQuotas builds fresh per-request quotas from settings.
func DeriveQuotas(s config.Settings) executor.Quotas {
	return executor.Quotas{
		Memory: s.MemMax,
		Output: s.OutputMax,
		CPU:    s.CPU(),
	}
}
