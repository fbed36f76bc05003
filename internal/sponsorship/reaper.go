package sponsorship

import (
	"context"
	"log/slog"
	"time"

	"Aegis-Treasury/pkg/logger"
)

// ReaperConfig 控制超时回收与过期清理。
type ReaperConfig struct {
	Interval          time.Duration `yaml:"interval" env:"INTERVAL"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout" env:"PROCESSING_TIMEOUT"`
}

func (c ReaperConfig) withDefaults() ReaperConfig {
	if c.Interval <= 0 {
		c.Interval = 30 * time.Second
	}
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = 5 * time.Minute
	}
	return c
}

// Reaper 把长时间停留在 processing 的请求放回队列，并清理过期请求。
type Reaper struct {
	store    Store
	producer Producer
	cfg      ReaperConfig
	now      func() time.Time
	log      *slog.Logger
}

// NewReaper 创建回收器。now 为空时使用 time.Now。
func NewReaper(store Store, producer Producer, cfg ReaperConfig, now func() time.Time) *Reaper {
	if now == nil {
		now = time.Now
	}
	return &Reaper{store: store, producer: producer, cfg: cfg.withDefaults(), now: now, log: logger.Named("sponsorship.reaper")}
}

// SweepResult 汇总一次回收。
type SweepResult struct {
	Requeued int
	Failed   int
	Purged   int
}

// Sweep 执行一次回收与清理。
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	var result SweepResult
	now := r.now()

	reclaimed, err := r.store.ReclaimStale(ctx, now.Add(-r.cfg.ProcessingTimeout))
	if err != nil {
		return result, err
	}
	for _, req := range reclaimed {
		if req.Status != StatusPending {
			result.Failed++
			r.log.Warn("处理超时且重试耗尽", slog.String("request_id", req.ID), slog.Int("retry_count", req.RetryCount))
			continue
		}
		if err := r.producer.Publish(ctx, req.ID); err != nil {
			r.log.Error("超时请求重投失败", slog.Any("error", err), slog.String("request_id", req.ID))
			continue
		}
		result.Requeued++
	}

	purged, err := r.store.PurgeExpired(ctx, now.Add(-RequestTTL))
	if err != nil {
		return result, err
	}
	result.Purged = purged
	if result.Requeued+result.Failed+result.Purged > 0 {
		r.log.Info("请求回收完成",
			slog.Int("requeued", result.Requeued),
			slog.Int("failed", result.Failed),
			slog.Int("purged", result.Purged),
		)
	}
	return result, nil
}

// Run 按间隔执行 Sweep，直到 ctx 结束。
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.Error("请求回收失败", slog.Any("error", err))
			}
		}
	}
}
