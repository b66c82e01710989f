package reconcile

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/carebridge/carebridge/libs/db"
	"github.com/carebridge/carebridge/services/booking-service/internal/storage"
)

const defaultAdvisoryKey = 874_211_034

// Reconciler periodically re-checks known subscriptions against the
// processor so a missed webhook heals within one interval.
type Reconciler struct {
	pool        *db.Pool
	store       *storage.Store
	syncer      *Syncer
	logger      *slog.Logger
	batchSize   int
	advisoryKey int64
}

type ReconcilerConfig struct {
	BatchSize   int
	AdvisoryKey int64
}

func NewReconciler(pool *db.Pool, store *storage.Store, syncer *Syncer, logger *slog.Logger, cfg ReconcilerConfig) *Reconciler {
	bs := cfg.BatchSize
	if bs <= 0 {
		bs = 100
	}
	lockKey := cfg.AdvisoryKey
	if lockKey == 0 {
		lockKey = defaultAdvisoryKey
	}
	return &Reconciler{
		pool:        pool,
		store:       store,
		syncer:      syncer,
		logger:      logger,
		batchSize:   bs,
		advisoryKey: lockKey,
	}
}

func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	// Best-effort leader election for multi-instance deployments.
	// Only the instance holding the advisory lock will reconcile.
	for {
		if ctx.Err() != nil {
			return
		}
		var locked bool
		if err := r.pool.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, r.advisoryKey).Scan(&locked); err != nil {
			r.logger.Error("reconcile: failed to acquire advisory lock", "err", err)
			time.Sleep(5 * time.Second)
			continue
		}
		if !locked {
			r.logger.Info("reconcile: advisory lock held by another instance", "lock_key", r.advisoryKey)
			time.Sleep(30 * time.Second)
			continue
		}
		r.logger.Info("reconcile: advisory lock acquired", "lock_key", r.advisoryKey)
		defer func() {
			_, _ = r.pool.Exec(context.Background(), `SELECT pg_advisory_unlock($1)`, r.advisoryKey)
		}()
		break
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Run immediately on startup to self-heal faster after downtime.
	r.reconcileOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcileOnce(ctx)
		}
	}
}

func (r *Reconciler) reconcileOnce(ctx context.Context) {
	memberships, err := r.store.ListMembershipsForReconcile(ctx, r.batchSize)
	if err != nil {
		r.logger.Error("reconcile: failed to list memberships", "err", err)
		return
	}

	for _, m := range memberships {
		if ctx.Err() != nil {
			return
		}
		if strings.TrimSpace(m.StripeSubscriptionID) == "" {
			continue
		}
		if err := r.syncer.SyncSubscription(ctx, m.StripeSubscriptionID); err != nil {
			r.logger.Warn("reconcile: subscription sync failed",
				"err", err, "subscription_id", m.StripeSubscriptionID)
		}
	}
}
