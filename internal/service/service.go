package service

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"funding-arb-bot/internal/bot"
	"funding-arb-bot/internal/config"
	"funding-arb-bot/internal/history"
	"funding-arb-bot/internal/store"
)

// Service is the user-facing API over bot lifecycles. It owns creation,
// manual stop requests, and capital top-ups; everything else happens in
// the batch jobs.
type Service struct {
	store    store.Store
	history  *history.Writer
	limits   config.LimitsConfig
	log      *zap.Logger
	validate *validator.Validate
	now      func() time.Time
}

func New(st store.Store, hist *history.Writer, limits config.LimitsConfig, log *zap.Logger) *Service {
	return &Service{
		store:    st,
		history:  hist,
		limits:   limits,
		log:      log,
		validate: validator.New(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CreateBotConfig is the user-supplied configuration for a new bot.
type CreateBotConfig struct {
	UserID             string  `validate:"required"`
	ExchangeLong       string  `validate:"required,oneof=bitmex bitfinex"`
	ExchangeShort      string  `validate:"required,oneof=bitmex bitfinex,nefield=ExchangeLong"`
	Capital            float64 `validate:"required,gt=0"`
	Leverage           float64 `validate:"required,gt=0"`
	SafetyThreshold    float64 `validate:"required,gt=0"`
	RebalanceThreshold float64 `validate:"required,gt=0"`
	StopLossPercentage float64 `validate:"gte=0,lte=100"`
}

// CreateBot validates and persists a new bot in ready status. Any prior
// active bot of the same user is force-stopped in the same transaction,
// so at most one bot per user ever participates in the control loops.
func (s *Service) CreateBot(ctx context.Context, cfg CreateBotConfig) (*bot.Bot, error) {
	if err := s.validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid bot config: %w", err)
	}
	if err := s.checkLimits(cfg); err != nil {
		return nil, err
	}

	now := s.now()
	b := &bot.Bot{
		ID:                 uuid.NewString(),
		UserID:             cfg.UserID,
		ExchangeLong:       cfg.ExchangeLong,
		ExchangeShort:      cfg.ExchangeShort,
		Capital:            cfg.Capital,
		Leverage:           cfg.Leverage,
		SafetyThreshold:    cfg.SafetyThreshold,
		RebalanceThreshold: cfg.RebalanceThreshold,
		StopLossPercentage: cfg.StopLossPercentage,
		Status:             bot.StatusReady,
		CreatedAt:          now,
		StatusChangedAt:    now,
	}
	if err := s.store.CreateBot(ctx, b); err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	s.history.EnqueueLifecycle(history.LifecycleEvent{
		Time:     now,
		BotID:    b.ID,
		UserID:   b.UserID,
		ToStatus: string(bot.StatusReady),
		Reason:   "created",
	})
	s.log.Info("bot created",
		zap.String("bot_id", b.ID),
		zap.String("user_id", b.UserID),
		zap.Float64("capital", b.Capital))
	return b, nil
}

func (s *Service) checkLimits(cfg CreateBotConfig) error {
	l := s.limits
	if cfg.Capital < l.MinCapital {
		return fmt.Errorf("capital %.2f below minimum %.2f", cfg.Capital, l.MinCapital)
	}
	if l.MaxLeverage > 0 && cfg.Leverage > l.MaxLeverage {
		return fmt.Errorf("leverage %.1f above maximum %.1f", cfg.Leverage, l.MaxLeverage)
	}
	if cfg.SafetyThreshold < l.MinSafetyThreshold || cfg.SafetyThreshold > l.MaxSafetyThreshold {
		return fmt.Errorf("safety threshold %.1f outside [%.1f, %.1f]",
			cfg.SafetyThreshold, l.MinSafetyThreshold, l.MaxSafetyThreshold)
	}
	if cfg.RebalanceThreshold < l.MinRebalanceThreshold || cfg.RebalanceThreshold > l.MaxRebalanceThreshold {
		return fmt.Errorf("rebalance threshold %.1f outside [%.1f, %.1f]",
			cfg.RebalanceThreshold, l.MinRebalanceThreshold, l.MaxRebalanceThreshold)
	}
	if cfg.RebalanceThreshold <= cfg.SafetyThreshold {
		return fmt.Errorf("rebalance threshold %.1f must exceed safety threshold %.1f",
			cfg.RebalanceThreshold, cfg.SafetyThreshold)
	}
	return nil
}

// CurrentBot returns the user's most recently created bot.
func (s *Service) CurrentBot(ctx context.Context, userID string) (*bot.Bot, error) {
	return s.store.CurrentBot(ctx, userID)
}

// BotHistory returns every bot the user ever created, current included.
func (s *Service) BotHistory(ctx context.Context, userID string) ([]*bot.Bot, error) {
	return s.store.BotHistory(ctx, userID)
}

// RequestStop asks the closer to unwind the user's current bot.
func (s *Service) RequestStop(ctx context.Context, userID string) (*bot.Bot, error) {
	b, err := s.store.CurrentBot(ctx, userID)
	if err != nil {
		return nil, err
	}
	prev := b.Status
	if err := bot.Apply(b, bot.Event{
		Kind:       bot.EventStopRequested,
		StopReason: bot.StopManual,
	}, s.now()); err != nil {
		return nil, err
	}
	if err := s.store.SaveTransition(ctx, b, prev); err != nil {
		return nil, err
	}
	s.history.EnqueueLifecycle(history.LifecycleEvent{
		Time:       s.now(),
		BotID:      b.ID,
		UserID:     b.UserID,
		FromStatus: string(prev),
		ToStatus:   string(b.Status),
		Reason:     string(bot.StopManual),
	})
	return b, nil
}

// RequestCapitalIncrease records a pending top-up. The threshold monitor
// routes the running bot back through the opener, which deploys the new
// amount and folds it into the configured capital.
func (s *Service) RequestCapitalIncrease(ctx context.Context, userID string, amount float64) (*bot.Bot, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("increase amount %.2f must be positive", amount)
	}
	b, err := s.store.CurrentBot(ctx, userID)
	if err != nil {
		return nil, err
	}
	if b.Status != bot.StatusRunning {
		return nil, fmt.Errorf("bot %s is %s, capital can only be added while running", b.ID, b.Status)
	}
	if b.Increase {
		return nil, fmt.Errorf("bot %s already has a pending increase of %.2f", b.ID, b.CapitalIncrease)
	}
	b.Increase = true
	b.CapitalIncrease = amount
	if err := s.store.SaveTransition(ctx, b, b.Status); err != nil {
		return nil, err
	}
	s.log.Info("capital increase requested",
		zap.String("bot_id", b.ID),
		zap.Float64("amount", amount))
	return b, nil
}

// SaveCredentials registers exchange API keys and the deposit address used
// as the withdrawal target for cross-exchange transfers.
func (s *Service) SaveCredentials(ctx context.Context, userID, exchange string, creds store.Credentials) error {
	if creds.APIKey == "" || creds.APISecret == "" {
		return fmt.Errorf("api key and secret are required")
	}
	return s.store.SaveCredentials(ctx, userID, exchange, creds)
}

// FundingEvents returns the user's recorded funding payments since a
// point in time. Returns nothing when history recording is disabled.
func (s *Service) FundingEvents(ctx context.Context, userID string, since time.Time) ([]history.FundingEvent, error) {
	return s.history.FundingEventsSince(ctx, userID, since)
}
