package health

import (
	"context"
	"time"

	"github.com/kursadbilgin/notify-router/internal/domain"
	"github.com/kursadbilgin/notify-router/internal/registry"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Start schedules periodic probes for every monitored provider and fires one
// startup probe each. Probes run until Stop.
func (m *Monitor) Start(ctx context.Context) {
	m.cronMu.Lock()
	if m.cron != nil {
		m.cronMu.Unlock()
		return
	}
	m.runCtx = ctx
	cronLogger := cron.PrintfLogger(zap.NewStdLog(m.logger.Named("cron")))
	m.cron = cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger)),
	)
	m.cronMu.Unlock()

	snap := m.registry.Snapshot()
	m.Sync(snap)
	m.cron.Start()

	providers := monitored(snap)
	for _, p := range providers {
		key := p.Key
		m.startup.Add(1)
		go func() {
			defer m.startup.Done()
			m.runScheduled(key, domain.CheckTypeStartup)
		}()
	}

	m.logger.Info("health monitor started", zap.Int("providers", len(providers)))
}

// Stop halts scheduling and waits for running probes to finish.
func (m *Monitor) Stop() {
	m.cronMu.Lock()
	c := m.cron
	m.cronMu.Unlock()
	if c == nil {
		return
	}

	<-c.Stop().Done()
	m.startup.Wait()
	m.logger.Info("health monitor stopped")
}

// Sync reconciles cron entries with a directory snapshot. It is registered as
// a registry swap hook.
func (m *Monitor) Sync(snap *registry.Snapshot) {
	m.forgetUnmonitored(snap)

	m.cronMu.Lock()
	defer m.cronMu.Unlock()
	if m.cron == nil {
		return
	}

	desired := make(map[string]time.Duration)
	for _, p := range monitored(snap) {
		interval := p.Health.CheckInterval
		if interval <= 0 {
			interval = domain.DefaultCheckInterval
		}
		desired[p.Key] = interval
	}

	for key, entry := range m.schedule {
		if interval, ok := desired[key]; !ok || interval != entry.interval {
			m.cron.Remove(entry.id)
			delete(m.schedule, key)
		}
	}

	for key, interval := range desired {
		if _, ok := m.schedule[key]; ok {
			continue
		}
		providerKey := key
		id := m.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
			m.runScheduled(providerKey, domain.CheckTypeScheduled)
		}))
		m.schedule[key] = scheduleEntry{id: id, interval: interval}
	}
}

// runScheduled skips the probe when one for the same provider is still running.
func (m *Monitor) runScheduled(providerKey string, checkType domain.CheckType) {
	guard := m.guard(providerKey)
	if !guard.CompareAndSwap(false, true) {
		m.logger.Debug("skipping health probe, previous probe still running",
			zap.String("providerKey", providerKey),
		)
		return
	}
	defer guard.Store(false)

	p, err := m.registry.GetProvider(providerKey)
	if err != nil {
		return
	}

	ctx := m.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if ctx.Err() != nil {
		return
	}
	m.probe(ctx, p, checkType)
}

func monitored(snap *registry.Snapshot) []domain.Provider {
	providers := snap.Providers()
	out := make([]domain.Provider, 0, len(providers))
	for _, p := range providers {
		if p.Enabled && p.Health.Enabled {
			out = append(out, p)
		}
	}
	return out
}
