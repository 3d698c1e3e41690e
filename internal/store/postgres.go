package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/hilo-engine/internal/model"
)

// queryable is satisfied by both *pgxpool.Pool and pgx.Tx.
type queryable interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	q queryable
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{q: pool}
}

// WithTx executes fn within a database transaction. The transaction is
// rolled back if fn returns an error and committed otherwise. Nested
// calls become savepoints.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.q.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("rollback failed: %v, original error: %w", rbErr, err)
			}
		}
	}()

	if err = fn(&PostgresStore{q: tx}); err != nil {
		return err
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// --- Rounds ---

const roundColumns = `id, status, start_time, lock_time, end_time,
	odds_up::TEXT, odds_down::TEXT, locked_price::TEXT, final_price::TEXT,
	winning_side, digit_result, digit_sum, bonus_slots::TEXT, bonus_factor::TEXT,
	small_min, small_max, big_min, big_max, created_at, settled_at`

func (s *PostgresStore) CreateRound(ctx context.Context, r *model.Round) error {
	slots, err := marshalSlots(r.BonusSlots)
	if err != nil {
		return err
	}
	factor := r.BonusFactor
	if factor.IsZero() {
		factor = decimal.NewFromInt(1)
	}
	err = s.q.QueryRow(ctx,
		`INSERT INTO rounds (status, start_time, lock_time, end_time, odds_up, odds_down,
		                     bonus_slots, bonus_factor, small_min, small_max, big_min, big_max,
		                     created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::JSONB, $8::NUMERIC,
		         $9, $10, $11, $12, $13)
		 RETURNING id`,
		r.Status, r.StartTime, r.LockTime, r.EndTime,
		r.OddsUp.String(), r.OddsDown.String(),
		slots, factor.String(),
		r.SmallRange.Min, r.SmallRange.Max, r.BigRange.Min, r.BigRange.Max,
		r.CreatedAt,
	).Scan(&r.ID)
	if err != nil {
		return fmt.Errorf("create round: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRound(ctx context.Context, id int64) (*model.Round, error) {
	r, err := scanRound(s.q.QueryRow(ctx, `SELECT `+roundColumns+` FROM rounds WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("round %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get round %d: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) LatestActiveRound(ctx context.Context) (*model.Round, error) {
	r, err := scanRound(s.q.QueryRow(ctx,
		`SELECT `+roundColumns+` FROM rounds
		 WHERE status IN ('BETTING', 'RESULT_PENDING')
		 ORDER BY id DESC LIMIT 1`))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("active round: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest active round: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) LockRound(ctx context.Context, id int64, lockedPrice *decimal.Decimal, slots []model.BonusSlot, factor decimal.Decimal) error {
	slotsJSON, err := marshalSlots(slots)
	if err != nil {
		return err
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE rounds
		 SET status = 'RESULT_PENDING', locked_price = $2::NUMERIC,
		     bonus_slots = $3::JSONB, bonus_factor = $4::NUMERIC
		 WHERE id = $1 AND status = 'BETTING'`,
		id, nullDecimal(lockedPrice), slotsJSON, factor.String(),
	)
	if err != nil {
		return fmt.Errorf("lock round %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.staleOrMissing(ctx, id, "lock")
	}
	return nil
}

func (s *PostgresStore) CompleteRound(ctx context.Context, r *model.Round) error {
	var side *string
	if r.WinningSide != nil {
		v := string(*r.WinningSide)
		side = &v
	}
	tag, err := s.q.Exec(ctx,
		`UPDATE rounds
		 SET status = 'COMPLETED', final_price = $2::NUMERIC, winning_side = $3,
		     digit_result = $4, digit_sum = $5, settled_at = $6
		 WHERE id = $1 AND status = 'RESULT_PENDING'`,
		r.ID, nullDecimal(r.FinalPrice), side, r.DigitResult, r.DigitSum, r.SettledAt,
	)
	if err != nil {
		return fmt.Errorf("complete round %d: %w", r.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return s.staleOrMissing(ctx, r.ID, "complete")
	}
	return nil
}

func (s *PostgresStore) staleOrMissing(ctx context.Context, id int64, op string) error {
	var status string
	err := s.q.QueryRow(ctx, `SELECT status FROM rounds WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("round %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("%s round %d: %w", op, id, err)
	}
	return fmt.Errorf("%s round %d from %s: %w", op, id, status, ErrStaleStatus)
}

func scanRound(row pgx.Row) (*model.Round, error) {
	var r model.Round
	var oddsUp, oddsDown, slots, factor string
	var locked, final, side *string

	if err := row.Scan(&r.ID, &r.Status, &r.StartTime, &r.LockTime, &r.EndTime,
		&oddsUp, &oddsDown, &locked, &final,
		&side, &r.DigitResult, &r.DigitSum, &slots, &factor,
		&r.SmallRange.Min, &r.SmallRange.Max, &r.BigRange.Min, &r.BigRange.Max,
		&r.CreatedAt, &r.SettledAt); err != nil {
		return nil, err
	}

	r.OddsUp, _ = decimal.NewFromString(oddsUp)
	r.OddsDown, _ = decimal.NewFromString(oddsDown)
	r.BonusFactor, _ = decimal.NewFromString(factor)
	r.LockedPrice = parseNullDecimal(locked)
	r.FinalPrice = parseNullDecimal(final)
	if side != nil {
		v := model.Side(*side)
		r.WinningSide = &v
	}
	if err := json.Unmarshal([]byte(slots), &r.BonusSlots); err != nil {
		return nil, fmt.Errorf("decode bonus slots: %w", err)
	}
	return &r, nil
}

// --- Bets ---

const betColumns = `id::TEXT, user_id, round_id, bet_type, side, digit_type, selection,
	amount::TEXT, odds::TEXT, tier_odds::TEXT, result, payout::TEXT, created_at, settled_at`

func (s *PostgresStore) InsertBet(ctx context.Context, b *model.Bet) error {
	var tiers *string
	if b.TierOdds != nil {
		raw, err := json.Marshal(b.TierOdds)
		if err != nil {
			return fmt.Errorf("encode tier odds: %w", err)
		}
		v := string(raw)
		tiers = &v
	}
	var side, digitType *string
	if b.Side != nil {
		v := string(*b.Side)
		side = &v
	}
	if b.DigitType != nil {
		v := string(*b.DigitType)
		digitType = &v
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO bets (id, user_id, round_id, bet_type, side, digit_type, selection,
		                   amount, odds, tier_odds, result, payout, created_at)
		 VALUES ($1::UUID, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::JSONB, $11, $12::NUMERIC, $13)`,
		b.ID, b.UserID, b.RoundID, b.BetType, side, digitType, b.Selection,
		b.Amount.String(), b.Odds.String(), tiers, b.Result, b.Payout.String(), b.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert bet %s: %w", b.ID, err)
	}
	return nil
}

func (s *PostgresStore) ListBetsByRound(ctx context.Context, roundID int64) ([]model.Bet, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE round_id = $1 ORDER BY created_at, seq`, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBets(rows)
}

func (s *PostgresStore) ListBetsByUser(ctx context.Context, userID string, roundID int64) ([]model.Bet, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+betColumns+` FROM bets WHERE user_id = $1 AND round_id = $2 ORDER BY created_at, seq`,
		userID, roundID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanBets(rows)
}

func (s *PostgresStore) SettleBet(ctx context.Context, betID string, result model.BetResult, payout, odds decimal.Decimal, at time.Time) (bool, error) {
	tag, err := s.q.Exec(ctx,
		`UPDATE bets
		 SET result = $2, payout = $3::NUMERIC, odds = $4::NUMERIC, settled_at = $5
		 WHERE id = $1::UUID AND result = 'PENDING'`,
		betID, result, payout.String(), odds.String(), at,
	)
	if err != nil {
		return false, fmt.Errorf("settle bet %s: %w", betID, err)
	}
	return tag.RowsAffected() == 1, nil
}

func scanBets(rows pgx.Rows) ([]model.Bet, error) {
	var bets []model.Bet
	for rows.Next() {
		var b model.Bet
		var amount, odds, payout string
		var side, digitType, tiers *string

		if err := rows.Scan(&b.ID, &b.UserID, &b.RoundID, &b.BetType, &side, &digitType, &b.Selection,
			&amount, &odds, &tiers, &b.Result, &payout, &b.CreatedAt, &b.SettledAt); err != nil {
			return nil, err
		}

		b.Amount, _ = decimal.NewFromString(amount)
		b.Odds, _ = decimal.NewFromString(odds)
		b.Payout, _ = decimal.NewFromString(payout)
		if side != nil {
			v := model.Side(*side)
			b.Side = &v
		}
		if digitType != nil {
			v := model.DigitType(*digitType)
			b.DigitType = &v
		}
		if tiers != nil {
			if err := json.Unmarshal([]byte(*tiers), &b.TierOdds); err != nil {
				return nil, fmt.Errorf("decode tier odds: %w", err)
			}
		}
		bets = append(bets, b)
	}
	return bets, rows.Err()
}

// --- Wallets ---

func (s *PostgresStore) GetOrCreateWallet(ctx context.Context, userID, currency string) (*model.Wallet, error) {
	// The no-op update makes RETURNING yield the existing row on conflict.
	w, err := scanWallet(s.q.QueryRow(ctx,
		`INSERT INTO wallets (user_id, balance, currency, created_at, updated_at)
		 VALUES ($1, 0, $2, NOW(), NOW())
		 ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
		 RETURNING user_id, balance::TEXT, currency, created_at, updated_at`,
		userID, currency))
	if err != nil {
		return nil, fmt.Errorf("get or create wallet %s: %w", userID, err)
	}
	return w, nil
}

func (s *PostgresStore) CreditWallet(ctx context.Context, userID, currency string, amount decimal.Decimal) (*model.Wallet, error) {
	w, err := scanWallet(s.q.QueryRow(ctx,
		`INSERT INTO wallets (user_id, balance, currency, created_at, updated_at)
		 VALUES ($1, $3::NUMERIC, $2, NOW(), NOW())
		 ON CONFLICT (user_id) DO UPDATE
		 SET balance = wallets.balance + EXCLUDED.balance, updated_at = NOW()
		 RETURNING user_id, balance::TEXT, currency, created_at, updated_at`,
		userID, currency, amount.String()))
	if err != nil {
		return nil, fmt.Errorf("credit wallet %s: %w", userID, err)
	}
	return w, nil
}

// DebitWallet subtracts amount only if the balance covers it. The check
// and the decrement are one statement, so concurrent debits cannot
// overdraw the wallet.
func (s *PostgresStore) DebitWallet(ctx context.Context, userID string, amount decimal.Decimal) (*model.Wallet, error) {
	w, err := scanWallet(s.q.QueryRow(ctx,
		`UPDATE wallets
		 SET balance = balance - $2::NUMERIC, updated_at = NOW()
		 WHERE user_id = $1 AND balance >= $2::NUMERIC
		 RETURNING user_id, balance::TEXT, currency, created_at, updated_at`,
		userID, amount.String()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInsufficientBalance
	}
	if err != nil {
		return nil, fmt.Errorf("debit wallet %s: %w", userID, err)
	}
	return w, nil
}

func scanWallet(row pgx.Row) (*model.Wallet, error) {
	var w model.Wallet
	var balance string
	if err := row.Scan(&w.UserID, &balance, &w.Currency, &w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}
	w.Balance, _ = decimal.NewFromString(balance)
	return &w, nil
}

// --- Settlement intents ---

const intentColumns = `round_id, locked_price::TEXT, final_price::TEXT, winning_side,
	digit_result, digit_sum, bonus_slots::TEXT, bonus_factor::TEXT, created_at, completed_at`

func (s *PostgresStore) CreateSettlementIntent(ctx context.Context, in *model.SettlementIntent) error {
	slots, err := marshalSlots(in.BonusSlots)
	if err != nil {
		return err
	}
	var side *string
	if in.WinningSide != nil {
		v := string(*in.WinningSide)
		side = &v
	}
	_, err = s.q.Exec(ctx,
		`INSERT INTO settlement_intents (round_id, locked_price, final_price, winning_side,
		                                 digit_result, digit_sum, bonus_slots, bonus_factor, created_at)
		 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5, $6, $7::JSONB, $8::NUMERIC, $9)
		 ON CONFLICT (round_id) DO NOTHING`,
		in.RoundID, nullDecimal(in.LockedPrice), nullDecimal(in.FinalPrice), side,
		in.DigitResult, in.DigitSum, slots, in.BonusFactor.String(), in.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create settlement intent %d: %w", in.RoundID, err)
	}
	return nil
}

func (s *PostgresStore) GetSettlementIntent(ctx context.Context, roundID int64) (*model.SettlementIntent, error) {
	in, err := scanIntent(s.q.QueryRow(ctx,
		`SELECT `+intentColumns+` FROM settlement_intents WHERE round_id = $1`, roundID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("settlement intent %d: %w", roundID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement intent %d: %w", roundID, err)
	}
	return in, nil
}

func (s *PostgresStore) ListOpenSettlementIntents(ctx context.Context) ([]model.SettlementIntent, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+intentColumns+` FROM settlement_intents
		 WHERE completed_at IS NULL ORDER BY round_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var intents []model.SettlementIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		intents = append(intents, *in)
	}
	return intents, rows.Err()
}

func (s *PostgresStore) CompleteSettlementIntent(ctx context.Context, roundID int64, at time.Time) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE settlement_intents SET completed_at = $2 WHERE round_id = $1`, roundID, at)
	if err != nil {
		return fmt.Errorf("complete settlement intent %d: %w", roundID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("settlement intent %d: %w", roundID, ErrNotFound)
	}
	return nil
}

func scanIntent(row pgx.Row) (*model.SettlementIntent, error) {
	var in model.SettlementIntent
	var slots, factor string
	var locked, final, side *string

	if err := row.Scan(&in.RoundID, &locked, &final, &side,
		&in.DigitResult, &in.DigitSum, &slots, &factor, &in.CreatedAt, &in.CompletedAt); err != nil {
		return nil, err
	}
	in.LockedPrice = parseNullDecimal(locked)
	in.FinalPrice = parseNullDecimal(final)
	in.BonusFactor, _ = decimal.NewFromString(factor)
	if side != nil {
		v := model.Side(*side)
		in.WinningSide = &v
	}
	if err := json.Unmarshal([]byte(slots), &in.BonusSlots); err != nil {
		return nil, fmt.Errorf("decode bonus slots: %w", err)
	}
	return &in, nil
}

// --- helpers ---

func marshalSlots(slots []model.BonusSlot) (string, error) {
	if slots == nil {
		slots = []model.BonusSlot{}
	}
	raw, err := json.Marshal(slots)
	if err != nil {
		return "", fmt.Errorf("encode bonus slots: %w", err)
	}
	return string(raw), nil
}

func nullDecimal(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	v := d.String()
	return &v
}

func parseNullDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &d
}
