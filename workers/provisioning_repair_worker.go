// workers/provisioning_repair_worker.go
package workers

import (
	"context"
	"fmt"
	"time"

	"partner-onboarding/models"

	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
)

type provisioningRepairer interface {
	ListUnprovisioned(ctx context.Context, limit int) ([]models.Application, error)
	RetryProvisioning(ctx context.Context, applicationID string, performedBy *string) (*models.Partner, error)
}

// ProvisioningRepairWorker finishes partner provisioning for applications that were approved
// while partner or agreement creation failed.
type ProvisioningRepairWorker struct {
	repairer  provisioningRepairer
	interval  time.Duration
	batchSize int
	clock     clockwork.Clock
	logger    *zap.Logger
}

func NewProvisioningRepairWorker(repairer provisioningRepairer, interval time.Duration, batchSize int, clock clockwork.Clock, logger *zap.Logger) *ProvisioningRepairWorker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &ProvisioningRepairWorker{
		repairer:  repairer,
		interval:  interval,
		batchSize: batchSize,
		clock:     clock,
		logger:    logger,
	}
}

// Start schedules a sweep every interval, the first one immediately, until ctx is done.
func (w *ProvisioningRepairWorker) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler(gocron.WithClock(w.clock))
	if err != nil {
		return fmt.Errorf("create repair scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(w.interval),
		gocron.NewTask(func() { w.RunOnce(ctx) }),
		gocron.WithName("provisioning-repair"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		_ = sched.Shutdown()
		return fmt.Errorf("schedule provisioning repair: %w", err)
	}

	sched.Start()
	w.logger.Info("🔁 provisioning repair worker started", zap.Duration("interval", w.interval))

	go func() {
		<-ctx.Done()
		if err := sched.Shutdown(); err != nil {
			w.logger.Warn("⚠️ repair scheduler shutdown", zap.Error(err))
		}
	}()
	return nil
}

// RunOnce repairs one batch and returns how many applications are now fully provisioned.
func (w *ProvisioningRepairWorker) RunOnce(ctx context.Context) int {
	apps, err := w.repairer.ListUnprovisioned(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("❌ [REPAIR] listing unprovisioned applications failed", zap.Error(err))
		return 0
	}

	repaired := 0
	for _, app := range apps {
		if ctx.Err() != nil {
			break
		}
		partner, err := w.repairer.RetryProvisioning(ctx, app.ID, nil)
		if err != nil {
			w.logger.Error("🚨 [REPAIR] provisioning still failing",
				zap.String("application_id", app.ID), zap.Error(err))
			continue
		}
		repaired++
		w.logger.Info("✅ [REPAIR] partner provisioned",
			zap.String("application_id", app.ID), zap.String("partner_id", partner.ID))
	}
	return repaired
}
