package refresh

import (
	"context"
	"time"

	"j5.nz/pltproxy/internal/envcfg"
	"j5.nz/pltproxy/internal/logx"
)

// pollInterval is how often the periodic fallback re-scans for new
// modules when active. Loader-hook notification (dlopen callback) is
// the primary mechanism — this is strictly a fallback for targets where
// that hook cannot be installed.
const pollInterval = 2 * time.Second

// Poller drives RefreshNew on a timer, honoring MONITOR_PERIODIC_FALLBACK.
// "Auto" runs the fallback unless something has told the Poller a
// loader hook is active (SetLoaderHookActive) — the core engine never
// installs a loader hook itself (see DESIGN.md's Open Question
// resolution), so by default Auto behaves like On.
type Poller struct {
	engine           *Engine
	loaderHookActive bool
}

func NewPoller(e *Engine) *Poller { return &Poller{engine: e} }

// SetLoaderHookActive lets an external dlopen-observer collaborator
// tell the Poller it no longer needs to run, once it is actively
// notifying via RefreshNew itself.
func (p *Poller) SetLoaderHookActive(active bool) { p.loaderHookActive = active }

func (p *Poller) enabled() bool {
	switch envcfg.MonitorPeriodicFallback() {
	case envcfg.On:
		return true
	case envcfg.Off:
		return false
	default:
		return !p.loaderHookActive
	}
}

// Run blocks, polling until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.enabled() {
				continue
			}
			if err := p.engine.RefreshNew(); err != nil {
				logx.Default().Warn("periodic refresh failed", "err", err.Error())
			}
		}
	}
}
