package warmup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"dripflow/models"
	"dripflow/utils"
)

const (
	// batchCap bounds how many exchanges one run may produce, regardless
	// of daily headroom.
	batchCap = 5

	defaultLeaseTTL = 2 * time.Minute
)

// Exchanger produces a batch of real warmup exchanges for an account. The
// production implementation sends through the peer network; it reports how
// many messages actually went out.
type Exchanger interface {
	Exchange(ctx context.Context, account *models.WarmupAccount, count int) (int, error)
}

// Credentials resolves an account's send credential.
type Credentials interface {
	SendCredential(account *models.WarmupAccount) (*utils.Credential, error)
}

// RunResult reports one warmup run.
type RunResult struct {
	Sent int `json:"sent"`
}

// Engine is the per-account reputation throttle. Each run produces a
// bounded batch of warmup exchanges and recomputes reputation, status and
// daily quota from the trailing activity window.
type Engine struct {
	DB          *gorm.DB
	Redis       *redis.Client
	Exchanger   Exchanger
	Credentials Credentials
	Logger      *logrus.Logger

	// LeaseTTL guards the per-account exclusivity window.
	LeaseTTL time.Duration

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

func NewEngine(db *gorm.DB, rdb *redis.Client, exchanger Exchanger, creds Credentials, logger *logrus.Logger) *Engine {
	return &Engine{
		DB:          db,
		Redis:       rdb,
		Exchanger:   exchanger,
		Credentials: creds,
		Logger:      logger,
		LeaseTTL:    defaultLeaseTTL,
		Now:         time.Now,
	}
}

func leaseKey(accountID uint) string {
	return fmt.Sprintf("warmup:lease:%d", accountID)
}

// RunForAccount performs one warmup pass for the account. No two runs for
// the same account execute concurrently; the redis lease serializes them.
func (e *Engine) RunForAccount(ctx context.Context, accountID uint) (RunResult, error) {
	log := e.Logger.WithField("account_id", accountID)

	if e.Redis != nil {
		ok, err := e.Redis.SetNX(ctx, leaseKey(accountID), 1, e.LeaseTTL).Result()
		if err != nil {
			return RunResult{}, fmt.Errorf("failed to take warmup lease: %w", err)
		}
		if !ok {
			log.Debug("warmup lease held elsewhere, skipping")
			return RunResult{}, nil
		}
		defer e.Redis.Del(ctx, leaseKey(accountID))
	}

	db := e.DB.WithContext(ctx)

	var account models.WarmupAccount
	if err := db.First(&account, accountID).Error; err != nil {
		return RunResult{}, fmt.Errorf("failed to load warmup account %d: %w", accountID, err)
	}

	now := e.Now()

	// Reset the daily counter on local-day rollover.
	rolledOver := false
	if account.LastSentDate != nil && !sameLocalDay(now, *account.LastSentDate) {
		account.CurrentDaily = 0
		rolledOver = true
	}

	// Quota exhausted for today: success with zero sent.
	if account.CurrentDaily >= account.DailyLimit {
		if err := db.Model(&account).Update("current_daily", account.CurrentDaily).Error; err != nil {
			return RunResult{}, err
		}
		return RunResult{}, nil
	}

	// No usable credential forces at_risk regardless of reputation.
	if _, err := e.Credentials.SendCredential(&account); err != nil {
		if errors.Is(err, utils.ErrNoCredential) {
			log.Warn("no valid send credential, marking account at risk")
			if terr := e.setStatus(ctx, &account, models.WarmupAtRisk, "no valid send credential"); terr != nil {
				return RunResult{}, terr
			}
			return RunResult{}, utils.ErrNoCredential
		}
		return RunResult{}, fmt.Errorf("failed to resolve credential: %w", err)
	}

	headroom := account.DailyLimit - account.CurrentDaily
	batch := headroom
	if batch > batchCap {
		batch = batchCap
	}

	sent, exchangeErr := e.Exchanger.Exchange(ctx, &account, batch)
	for i := 0; i < sent; i++ {
		activity := models.WarmupActivity{
			AccountID: account.ID,
			Type:      models.ActivitySent,
			At:        now,
		}
		if err := db.Create(&activity).Error; err != nil {
			return RunResult{Sent: sent}, fmt.Errorf("failed to record sent activity: %w", err)
		}
	}
	if exchangeErr != nil {
		log.WithError(exchangeErr).Warn("warmup exchange incomplete")
	}

	counts, err := windowCounts(ctx, db, account.ID, now.Add(-activityWindow))
	if err != nil {
		return RunResult{Sent: sent}, err
	}
	reputation := Reputation(account.Reputation, counts)

	updates := map[string]interface{}{
		"reputation": reputation,
	}
	if sent > 0 {
		updates["current_daily"] = account.CurrentDaily + sent
		updates["last_sent_date"] = now
	} else if rolledOver {
		// The reset must land in the row even when the exchange produced
		// nothing, or other readers keep seeing yesterday's counter.
		updates["current_daily"] = 0
	}
	if exchangeErr != nil {
		updates["last_error"] = exchangeErr.Error()
	} else {
		updates["last_error"] = nil
	}

	// Ramp the quota at most once per local day, and never downward.
	if account.LastRampDate == nil || !sameLocalDay(now, *account.LastRampDate) {
		if next := rampLimit(account.DailyLimit, reputation); next != account.DailyLimit {
			updates["daily_limit"] = next
			updates["last_ramp_date"] = now
		}
	}

	if err := db.Model(&account).Updates(updates).Error; err != nil {
		return RunResult{Sent: sent}, fmt.Errorf("failed to update warmup account: %w", err)
	}

	account.Reputation = reputation
	if err := e.applyStatus(ctx, &account); err != nil {
		return RunResult{Sent: sent}, err
	}

	log.WithFields(logrus.Fields{
		"sent":       sent,
		"reputation": reputation,
		"status":     account.Status,
	}).Info("warmup run completed")
	return RunResult{Sent: sent}, nil
}

// applyStatus moves the account toward the state its reputation implies,
// respecting the transition table: recovery from at_risk always passes
// through warming.
func (e *Engine) applyStatus(ctx context.Context, account *models.WarmupAccount) error {
	target := statusFor(account.Reputation)
	if target == account.Status {
		return nil
	}
	if !account.Status.CanTransition(target) {
		if account.Status == models.WarmupAtRisk && account.Status.CanTransition(models.WarmupWarming) {
			target = models.WarmupWarming
		} else {
			return nil
		}
	}
	return e.setStatus(ctx, account, target, "")
}

func (e *Engine) setStatus(ctx context.Context, account *models.WarmupAccount, next models.WarmupStatus, reason string) error {
	if account.Status == next {
		if reason != "" {
			return e.DB.WithContext(ctx).Model(account).Update("last_error", reason).Error
		}
		return nil
	}
	if !account.Status.CanTransition(next) {
		return fmt.Errorf("illegal warmup transition %s -> %s", account.Status, next)
	}
	updates := map[string]interface{}{"status": next}
	if reason != "" {
		updates["last_error"] = reason
	}
	if err := e.DB.WithContext(ctx).Model(account).Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update account status: %w", err)
	}
	account.Status = next
	return nil
}

// RecordEngagement appends an inbound engagement signal (a reply received
// or an open observed) to the account's activity log. Reputation picks it
// up on the next run.
func (e *Engine) RecordEngagement(ctx context.Context, accountID uint, activityType models.WarmupActivityType) error {
	if activityType != models.ActivityReceived && activityType != models.ActivityOpened {
		return fmt.Errorf("invalid engagement type %q", activityType)
	}
	activity := models.WarmupActivity{
		AccountID: accountID,
		Type:      activityType,
		At:        e.Now(),
	}
	if err := e.DB.WithContext(ctx).Create(&activity).Error; err != nil {
		return fmt.Errorf("failed to record engagement: %w", err)
	}
	return nil
}

func sameLocalDay(a, b time.Time) bool {
	ay, am, ad := a.Local().Date()
	by, bm, bd := b.Local().Date()
	return ay == by && am == bm && ad == bd
}
