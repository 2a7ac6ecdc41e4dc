package ledger

import (
	"context"
	"fmt"
	"math"

	"rewards-miniapp/internal/models"
	"rewards-miniapp/internal/store"
	"rewards-miniapp/internal/tiers"
)

// CompleteAd shows one rewarded ad and credits the tier-adjusted reward.
// Nothing is written unless the ad was watched to the end.
func (l *Ledger) CompleteAd(ctx context.Context) (Receipt, error) {
	return l.run(ctx, opCompleteAd, func(ctx context.Context) (command, error) {
		st, err := l.signedIn()
		if err != nil {
			return command{}, err
		}

		settings := l.settings.Current()
		tier := tiers.CurrentTier(settings.StakingTiers, st.Staked)
		reward := tiers.AdReward(tiers.BaseAdReward, tier.Multiplier)

		if err := l.ads.Load(ctx, Targeting{UserID: st.UserID, TierLabel: tier.Label, Multiplier: tier.Multiplier}); err != nil {
			return command{}, fmt.Errorf("%w: %v", ErrAdNotCompleted, err)
		}
		watched, err := l.ads.Show(ctx)
		if err != nil {
			return command{}, fmt.Errorf("%w: %v", ErrAdNotCompleted, err)
		}
		if !watched {
			return command{}, ErrAdNotCompleted
		}
		// Only completed views count against the ad quota.
		if err := l.checkAdRate(ctx, st.UserID); err != nil {
			return command{}, err
		}

		key := models.NewCommandKey()
		now := l.now()
		tx := models.Transaction{
			ID:          models.TransactionID(key),
			Type:        models.TransactionTypeAdReward,
			Amount:      reward,
			Date:        now,
			Description: fmt.Sprintf("Ad reward (%s %s)", tier.Label, models.FormatMultiplier(tier.Multiplier)),
		}
		appendTx, err := store.AppendOp(store.TransactionsPath(st.UserID), tx.ID, tx, now, false)
		if err != nil {
			return command{}, err
		}

		deltas := map[string]float64{"balance": reward, "todayEarnings": reward}
		if _, ok := st.Mission(models.MissionWatchAds); ok {
			deltas["missions."+models.MissionWatchAds+".progress"] = 1
		}

		return command{
			op:      opCompleteAd,
			uid:     st.UserID,
			amount:  reward,
			message: fmt.Sprintf("You earned %s points (%s)", models.FormatPoints(reward), models.FormatMultiplier(tier.Multiplier)),
			batch: store.Batch{Key: key, Ops: []store.Op{
				appendTx,
				store.IncrementOp(store.UserPath(st.UserID), deltas),
			}},
			applied: func(ctx context.Context) {
				l.distributeReferral(ctx, st, settings.ReferralSource(models.ReferralSourceAd), reward, key)
			},
		}, nil
	})
}

func (l *Ledger) checkAdRate(ctx context.Context, uid string) error {
	if l.limiter == nil || l.adRateLimit <= 0 {
		return nil
	}
	allowed, err := l.limiter.CheckRateLimit(ctx, uid, "ad", l.adRateLimit, l.adRateWindow)
	if err != nil {
		l.logger.Warn("ad rate limit check failed", "user_id", uid, "error", err)
		return nil
	}
	if !allowed {
		return ErrRateLimited
	}
	return nil
}

type referralPayload struct {
	UserID     string  `json:"userId"`
	ReferrerID string  `json:"referrerId"`
	Source     string  `json:"source"`
	BaseAmount float64 `json:"baseAmount"`
	Direct     float64 `json:"direct"`
	Indirect   float64 `json:"indirect"`
	CommandKey string  `json:"commandKey"`
}

// distributeReferral asks the settlement tier to pay the referrers their
// share. It is best-effort: the reward itself is already committed.
func (l *Ledger) distributeReferral(ctx context.Context, st models.UserState, cfg models.ReferralRewardConfig, base float64, key string) {
	if l.settlement == nil || st.ReferredBy == "" || !cfg.Enabled {
		return
	}
	direct, indirect := tiers.ReferralSplit(base, cfg)
	if direct == 0 && indirect == 0 {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	err := l.settlement.Invoke(callCtx, settlementReferral, referralPayload{
		UserID:     st.UserID,
		ReferrerID: st.ReferredBy,
		Source:     models.ReferralSourceAd,
		BaseAmount: base,
		Direct:     direct,
		Indirect:   indirect,
		CommandKey: key,
	})
	if err != nil {
		l.logger.Warn("referral settlement failed", "user_id", st.UserID, "key", key, "error", err)
	}
}

func validAmount(amount float64) bool {
	return amount > 0 && !math.IsInf(amount, 0) && !math.IsNaN(amount)
}

// Stake moves amount from the spendable balance to the staked balance.
func (l *Ledger) Stake(ctx context.Context, amount float64) (Receipt, error) {
	return l.run(ctx, opStake, func(ctx context.Context) (command, error) {
		if !validAmount(amount) {
			return command{}, ErrInvalidAmount
		}
		st, err := l.signedIn()
		if err != nil {
			return command{}, err
		}
		if amount > st.Balance {
			return command{}, ErrInsufficientBalance
		}

		key := models.NewCommandKey()
		now := l.now()
		tx := models.Transaction{
			ID:          models.TransactionID(key),
			Type:        models.TransactionTypeStaking,
			Amount:      -amount,
			Date:        now,
			Description: fmt.Sprintf("Staked %s points", models.FormatPoints(amount)),
		}
		appendTx, err := store.AppendOp(store.TransactionsPath(st.UserID), tx.ID, tx, now, false)
		if err != nil {
			return command{}, err
		}
		return command{
			op:       opStake,
			uid:      st.UserID,
			amount:   amount,
			message:  fmt.Sprintf("Staked %s points", models.FormatPoints(amount)),
			guardErr: ErrInsufficientBalance,
			batch: store.Batch{Key: key, Ops: []store.Op{
				appendTx,
				store.IncrementOp(store.UserPath(st.UserID),
					map[string]float64{"balance": -amount, "staked": amount},
					"balance", "staked"),
			}},
		}, nil
	})
}

// Unstake moves amount from the staked balance back to the spendable one.
func (l *Ledger) Unstake(ctx context.Context, amount float64) (Receipt, error) {
	return l.run(ctx, opUnstake, func(ctx context.Context) (command, error) {
		if !validAmount(amount) {
			return command{}, ErrInvalidAmount
		}
		st, err := l.signedIn()
		if err != nil {
			return command{}, err
		}
		if amount > st.Staked {
			return command{}, ErrInsufficientStake
		}

		key := models.NewCommandKey()
		now := l.now()
		tx := models.Transaction{
			ID:          models.TransactionID(key),
			Type:        models.TransactionTypeUnstaking,
			Amount:      amount,
			Date:        now,
			Description: fmt.Sprintf("Unstaked %s points", models.FormatPoints(amount)),
		}
		appendTx, err := store.AppendOp(store.TransactionsPath(st.UserID), tx.ID, tx, now, false)
		if err != nil {
			return command{}, err
		}
		return command{
			op:       opUnstake,
			uid:      st.UserID,
			amount:   amount,
			message:  fmt.Sprintf("Unstaked %s points", models.FormatPoints(amount)),
			guardErr: ErrInsufficientStake,
			batch: store.Batch{Key: key, Ops: []store.Op{
				appendTx,
				store.IncrementOp(store.UserPath(st.UserID),
					map[string]float64{"balance": amount, "staked": -amount},
					"balance", "staked"),
			}},
		}, nil
	})
}

// RegisterTicket buys a lottery entry for the next draw.
func (l *Ledger) RegisterTicket(ctx context.Context, numbers []int, imageURL string) (Receipt, error) {
	return l.run(ctx, opRegisterTicket, func(ctx context.Context) (command, error) {
		st, err := l.signedIn()
		if err != nil {
			return command{}, err
		}
		if err := models.ValidateTicketNumbers(numbers); err != nil {
			return command{}, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
		}
		if st.Balance < models.TicketCost {
			return command{}, ErrInsufficientBalance
		}

		key := models.NewCommandKey()
		now := l.now()
		ticket := models.Ticket{
			ID:        models.TicketID(key),
			Numbers:   append([]int(nil), numbers...),
			DrawDate:  models.NextDrawDate(now.In(l.loc)),
			Status:    models.TicketStatusRegistered,
			ImageURL:  imageURL,
			CreatedAt: now,
		}
		tx := models.Transaction{
			ID:          models.TransactionID(key),
			Type:        models.TransactionTypeJackpotEntry,
			Amount:      -models.TicketCost,
			Date:        now,
			Description: "Lottery ticket for draw " + ticket.DrawDate.Format("2006-01-02"),
		}
		appendTicket, err := store.AppendOp(store.TicketsPath(st.UserID), ticket.ID, ticket, now, false)
		if err != nil {
			return command{}, err
		}
		appendTx, err := store.AppendOp(store.TransactionsPath(st.UserID), tx.ID, tx, now, false)
		if err != nil {
			return command{}, err
		}
		return command{
			op:       opRegisterTicket,
			uid:      st.UserID,
			amount:   models.TicketCost,
			message:  "Ticket registered for the " + ticket.DrawDate.Format("Jan 2") + " draw",
			guardErr: ErrInsufficientBalance,
			batch: store.Batch{Key: key, Ops: []store.Op{
				appendTicket,
				appendTx,
				store.IncrementOp(store.UserPath(st.UserID), map[string]float64{"balance": -models.TicketCost}, "balance"),
			}},
		}, nil
	})
}

type PredictionRequest struct {
	Coin           models.Coin `json:"coin"`
	Range          string      `json:"range"`
	StrikePrice    float64     `json:"strike_price"`
	BetAmount      float64     `json:"bet_amount"`
	PredictedPrice float64     `json:"predicted_price"`
}

// SubmitPrediction places today's price prediction for one coin.
func (l *Ledger) SubmitPrediction(ctx context.Context, req PredictionRequest) (Receipt, error) {
	return l.run(ctx, opSubmitPrediction, func(ctx context.Context) (command, error) {
		st, err := l.signedIn()
		if err != nil {
			return command{}, err
		}
		if !validAmount(req.BetAmount) {
			return command{}, ErrInvalidAmount
		}
		if !req.Coin.Valid() {
			return command{}, ErrInvalidCoin
		}
		if req.BetAmount > st.Balance {
			return command{}, ErrInsufficientBalance
		}

		now := l.now()
		day := models.DayKey(now, l.loc)
		id := models.PredictionID(req.Coin, day)
		for _, p := range st.Predictions {
			if p.Coin == req.Coin && p.Status == models.PredictionStatusPending && models.DayKey(p.PredictedAt, l.loc) == day {
				return command{}, ErrAlreadyPredicted
			}
		}
		if l.predictedInProcess(st.UserID, id) {
			return command{}, ErrAlreadyPredicted
		}

		key := models.NewCommandKey()
		pred := models.Prediction{
			ID:             id,
			Coin:           req.Coin,
			Range:          req.Range,
			StrikePrice:    req.StrikePrice,
			BetAmount:      req.BetAmount,
			PredictedPrice: req.PredictedPrice,
			PredictedAt:    now,
			Status:         models.PredictionStatusPending,
		}
		tx := models.Transaction{
			ID:          models.TransactionID(key),
			Type:        models.TransactionTypeBTCGame,
			Amount:      -req.BetAmount,
			Date:        now,
			Description: fmt.Sprintf("Prediction on %s (%s)", req.Coin, req.Range),
		}
		appendPred, err := store.AppendOp(store.PredictionsPath(st.UserID), pred.ID, pred, now, true)
		if err != nil {
			return command{}, err
		}
		appendTx, err := store.AppendOp(store.TransactionsPath(st.UserID), tx.ID, tx, now, false)
		if err != nil {
			return command{}, err
		}
		return command{
			op:          opSubmitPrediction,
			uid:         st.UserID,
			amount:      req.BetAmount,
			message:     fmt.Sprintf("Prediction placed: %s points on %s", models.FormatPoints(req.BetAmount), req.Coin),
			guardErr:    ErrInsufficientBalance,
			conflictErr: ErrAlreadyPredicted,
			batch: store.Batch{Key: key, Ops: []store.Op{
				appendPred,
				appendTx,
				store.IncrementOp(store.UserPath(st.UserID), map[string]float64{"balance": -req.BetAmount}, "balance"),
			}},
			accepted: func() { l.rememberPrediction(st.UserID, id, day) },
		}, nil
	})
}

// ClaimMission credits a completed mission's reward and marks it claimed.
func (l *Ledger) ClaimMission(ctx context.Context, missionID string) (Receipt, error) {
	return l.run(ctx, opClaimMission, func(ctx context.Context) (command, error) {
		st, err := l.signedIn()
		if err != nil {
			return command{}, err
		}
		mission, ok := st.Mission(missionID)
		if !ok {
			return command{}, ErrMissionNotFound
		}
		if !mission.Completed {
			return command{}, ErrMissionNotCompleted
		}
		if mission.Claimed {
			return command{}, ErrMissionAlreadyClaimed
		}

		key := models.NewCommandKey()
		now := l.now()
		title := mission.Title
		if title == "" {
			title = mission.ID
		}
		tx := models.Transaction{
			ID:          models.TransactionID(key),
			Type:        models.TransactionTypeMission,
			Amount:      mission.Reward,
			Date:        now,
			Description: "Mission completed: " + title,
		}
		appendTx, err := store.AppendOp(store.TransactionsPath(st.UserID), tx.ID, tx, now, false)
		if err != nil {
			return command{}, err
		}

		ops := []store.Op{appendTx}
		if mission.Reward != 0 {
			ops = append(ops, store.IncrementOp(store.UserPath(st.UserID), map[string]float64{"balance": mission.Reward}, "balance"))
		}
		ops = append(ops, store.MergeOp(store.UserPath(st.UserID), map[string]any{
			"missions." + mission.ID + ".claimed": true,
		}))

		return command{
			op:      opClaimMission,
			uid:     st.UserID,
			amount:  mission.Reward,
			message: fmt.Sprintf("Mission reward: %s points", models.FormatPoints(mission.Reward)),
			batch:   store.Batch{Key: key, Ops: ops},
		}, nil
	})
}
