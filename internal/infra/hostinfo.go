package infra

import (
	"context"
	"os"
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/v3/host"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/app_lock/internal/domain"
)

// HostEnricher stamps alerts with the machine's hostname and platform.
// Host info is read once and cached.
type HostEnricher struct {
	logger *zap.Logger

	once     sync.Once
	hostname string
	platform string
}

// NewHostEnricher creates a HostEnricher.
func NewHostEnricher(logger *zap.Logger) *HostEnricher {
	return &HostEnricher{logger: logger}
}

// Enrich fills in Hostname and Platform when they are empty.
func (e *HostEnricher) Enrich(ctx context.Context, alert *domain.SecurityAlert) {
	e.once.Do(func() { e.load(ctx) })

	if alert.Hostname == "" {
		alert.Hostname = e.hostname
	}
	if alert.Platform == "" {
		alert.Platform = e.platform
	}
}

func (e *HostEnricher) load(ctx context.Context) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		e.logger.Warn("failed to read host info", zap.Error(err))
		e.hostname, _ = os.Hostname()
		e.platform = runtime.GOOS
		return
	}
	e.hostname = info.Hostname
	e.platform = info.Platform
	if info.PlatformVersion != "" {
		e.platform += " " + info.PlatformVersion
	}
	if e.platform == "" {
		e.platform = runtime.GOOS
	}
}

// Ensure HostEnricher implements domain.AlertEnricher.
var _ domain.AlertEnricher = (*HostEnricher)(nil)
