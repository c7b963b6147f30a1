package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iurnickita/donationledger/internal/failure"
	"github.com/iurnickita/donationledger/internal/model"
	"github.com/iurnickita/donationledger/internal/money"
	"github.com/iurnickita/donationledger/internal/store/config"
)

type Store interface {
	DonationCreate(ctx context.Context, entry model.DonationEntry) (model.DonationEntry, error)
	DonationGet(ctx context.Context, id string) (model.DonationEntry, error)
	DonationGetByKey(ctx context.Context, naturalKey string) (model.DonationEntry, error)
	DonationGetByReceipt(ctx context.Context, receiptSeq int64) (model.DonationEntry, error)
	DonationSetStatus(ctx context.Context, id string, status model.DonationStatus) (model.DonationEntry, error)
	DonationMarkReceiptIssued(ctx context.Context, id string) (model.DonationEntry, bool, error)
	DonationListUnallocated(ctx context.Context, filter model.UnallocatedFilter) ([]model.UnallocatedItem, error)
	CauseAllocationRemaining(ctx context.Context, causeAllocationID string) (model.CauseAllocation, int64, error)
	GoalCreate(ctx context.Context, goal model.Goal) error
	GoalGet(ctx context.Context, id string) (model.Goal, error)
	GoalUpdate(ctx context.Context, goal model.Goal) error
	GoalDelete(ctx context.Context, id string) error
	GoalList(ctx context.Context) ([]model.Goal, error)
	GoalProgress(ctx context.Context, id string) (model.GoalProgress, error)
	DistributionCreate(ctx context.Context, distribution model.Distribution) error
	DistributionGet(ctx context.Context, id string) (model.Distribution, error)
	DistributionList(ctx context.Context, goalID string) ([]model.Distribution, error)
	DistributionAllocate(ctx context.Context, distributionID string, causeAllocationID string, cents int64) error
	DistributionDeallocate(ctx context.Context, distributionID string, causeAllocationID string, cents int64) error
	DistributionRemove(ctx context.Context, distributionID string, causeAllocationID string) error
	DistributionDeliver(ctx context.Context, distributionID string, at time.Time) ([]string, error)
	Close() error
}

var (
	ErrNoRows                = failure.New(failure.KindNotFound, "no rows")
	ErrAlreadyExists         = failure.New(failure.KindConflict, "already exists")
	ErrDuplicateRequest      = failure.New(failure.KindConflict, "external reference already recorded")
	ErrOverAllocation        = failure.New(failure.KindConflict, "over allocation")
	ErrDeallocationExceeds   = failure.New(failure.KindConflict, "deallocation exceeds allocated amount")
	ErrDistributionDelivered = failure.New(failure.KindConflict, "distribution already delivered")
	ErrGoalReferenced        = failure.New(failure.KindConflict, "goal is referenced by distributions")
	ErrDonationNotActive     = failure.New(failure.KindConflict, "donation is not in processing status")
	ErrFailedDonationHeld    = failure.New(failure.KindConflict, "distribution holds allocations of a failed donation")
	ErrEmptyDistribution     = failure.New(failure.KindInvalid, "distribution has no allocations")
	ErrAmountIncorrect       = failure.New(failure.KindInvalid, "amount value is incorrect")
)

type OverAllocationError struct {
	CauseAllocationID string
	Requested         int64
	Remaining         int64
}

func (e *OverAllocationError) Error() string {
	return fmt.Sprintf("over allocation: cause allocation %s has %d remaining, requested %d",
		e.CauseAllocationID, e.Remaining, e.Requested)
}

func (e *OverAllocationError) Unwrap() error { return ErrOverAllocation }

// NewStore выбирает реализацию: без DSN данные живут в памяти процесса.
func NewStore(cfg config.Config) (Store, error) {
	if cfg.DBDsn == "" {
		return NewMemStore(), nil
	}
	return NewPgStore(cfg)
}

type store struct {
	database *sql.DB
}

func NewPgStore(cfg config.Config) (Store, error) {
	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	ctx := context.Background()
	if cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()
	}
	if err = migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}

	return &store{database: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	statements := []string{
		// Поступления. Строка создается один раз и не удаляется (налоговые квитанции)
		"CREATE TABLE IF NOT EXISTS donation (" +
			" id VARCHAR (64) PRIMARY KEY," +
			" natural_key VARCHAR (160) NOT NULL UNIQUE," +
			" source VARCHAR (16) NOT NULL," +
			" charge_id VARCHAR (64)," +
			" payment_intent_id VARCHAR (64)," +
			" balance_transaction_id VARCHAR (64)," +
			" bank_transaction_id VARCHAR (64)," +
			" donor JSONB NOT NULL," +
			" currency VARCHAR (3) NOT NULL," +
			" amount_donated BIGINT NOT NULL CHECK (amount_donated >= 0)," +
			" amount_charged BIGINT NOT NULL," +
			" fees_covered BIGINT NOT NULL DEFAULT 0," +
			" processor_fee BIGINT NOT NULL DEFAULT 0," +
			" status VARCHAR (32) NOT NULL," +
			" date TIMESTAMPTZ NOT NULL," +
			" created_at TIMESTAMPTZ NOT NULL," +
			" receipt_seq BIGSERIAL UNIQUE," +
			" live_mode BOOLEAN NOT NULL DEFAULT FALSE," +
			" receipt_issued BOOLEAN NOT NULL DEFAULT FALSE," +
			" CHECK (amount_charged >= amount_donated)" +
			" );",
		"CREATE UNIQUE INDEX IF NOT EXISTS donation_charge_id_key" +
			" ON donation (charge_id) WHERE charge_id IS NOT NULL;",
		"CREATE UNIQUE INDEX IF NOT EXISTS donation_bank_transaction_id_key" +
			" ON donation (bank_transaction_id) WHERE bank_transaction_id IS NOT NULL;",
		// Разбивка поступления по направлениям. Принадлежит поступлению
		"CREATE TABLE IF NOT EXISTS cause_allocation (" +
			" id VARCHAR (64) PRIMARY KEY," +
			" donation_id VARCHAR (64) NOT NULL REFERENCES donation (id) ON DELETE RESTRICT," +
			" position INTEGER NOT NULL," +
			" cause VARCHAR (64) NOT NULL," +
			" region VARCHAR (32) NOT NULL," +
			" sub_cause VARCHAR (128) NOT NULL DEFAULT ''," +
			" in_honor_of VARCHAR (256) NOT NULL DEFAULT ''," +
			" amount_cents BIGINT NOT NULL CHECK (amount_cents > 0)," +
			" UNIQUE (donation_id, position)" +
			" );",
		"CREATE TABLE IF NOT EXISTS goal (" +
			" id VARCHAR (64) PRIMARY KEY," +
			" title TEXT NOT NULL," +
			" currency VARCHAR (3) NOT NULL," +
			" target_cents BIGINT NOT NULL CHECK (target_cents >= 0)," +
			" region VARCHAR (32) NOT NULL," +
			" created_at TIMESTAMPTZ NOT NULL," +
			" updated_at TIMESTAMPTZ NOT NULL" +
			" );",
		// goal_id - слабая ссылка, но удалить цель с распределениями нельзя
		"CREATE TABLE IF NOT EXISTS distribution (" +
			" id VARCHAR (64) PRIMARY KEY," +
			" partner_name TEXT NOT NULL," +
			" currency VARCHAR (3) NOT NULL," +
			" transaction_date TIMESTAMPTZ NOT NULL," +
			" goal_id VARCHAR (64) REFERENCES goal (id) ON DELETE RESTRICT," +
			" delivered_at TIMESTAMPTZ" +
			" );",
		"CREATE TABLE IF NOT EXISTS distribution_allocation (" +
			" distribution_id VARCHAR (64) NOT NULL REFERENCES distribution (id)," +
			" cause_allocation_id VARCHAR (64) NOT NULL REFERENCES cause_allocation (id)," +
			" donation_id VARCHAR (64) NOT NULL REFERENCES donation (id)," +
			" amount_cents BIGINT NOT NULL CHECK (amount_cents > 0)," +
			" PRIMARY KEY (distribution_id, cause_allocation_id)" +
			" );",
		"CREATE INDEX IF NOT EXISTS distribution_allocation_cause_idx" +
			" ON distribution_allocation (cause_allocation_id);",
	}
	for _, statement := range statements {
		if _, err := db.ExecContext(ctx, statement); err != nil {
			return err
		}
	}
	return nil
}

func (store *store) Close() error {
	return store.database.Close()
}

// Поступления

func (store *store) DonationCreate(ctx context.Context, entry model.DonationEntry) (model.DonationEntry, error) {
	donor, err := json.Marshal(entry.Donor)
	if err != nil {
		return model.DonationEntry{}, err
	}

	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return model.DonationEntry{}, classify(err)
	}
	defer tx.Rollback()

	// Запись поступления
	row := tx.QueryRowContext(ctx,
		"INSERT INTO donation (id, natural_key, source, charge_id, payment_intent_id,"+
			" balance_transaction_id, bank_transaction_id, donor, currency, amount_donated,"+
			" amount_charged, fees_covered, processor_fee, status, date, created_at, live_mode, receipt_issued)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)"+
			" RETURNING receipt_seq",
		entry.ID,
		entry.NaturalKey,
		entry.Source,
		nullString(entry.Ref.ChargeID),
		nullString(entry.Ref.PaymentIntentID),
		nullString(entry.Ref.BalanceTransactionID),
		nullString(entry.Ref.BankTransactionID),
		donor,
		string(entry.AmountDonated.Currency),
		entry.AmountDonated.Cents,
		entry.AmountCharged.Cents,
		entry.FeesCovered.Cents,
		entry.ProcessorFee.Cents,
		string(entry.Status),
		entry.Date,
		entry.CreatedAt,
		entry.LiveMode,
		entry.ReceiptIssued)
	if err = row.Scan(&entry.ReceiptSeq); err != nil {
		// Проверка: уже существует
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			if pgErr.ConstraintName == "donation_natural_key_key" || pgErr.ConstraintName == "donation_pkey" {
				return model.DonationEntry{}, ErrAlreadyExists
			}
			return model.DonationEntry{}, ErrDuplicateRequest
		}
		return model.DonationEntry{}, classify(err)
	}

	// Запись разбивки, в той же транзакции
	for _, a := range entry.Allocations {
		_, err = tx.ExecContext(ctx,
			"INSERT INTO cause_allocation (id, donation_id, position, cause, region, sub_cause, in_honor_of, amount_cents)"+
				" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
			a.ID,
			entry.ID,
			a.Position,
			a.Cause,
			a.Region,
			a.SubCause,
			a.InHonorOf,
			a.AmountCents)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return model.DonationEntry{}, ErrDuplicateRequest
			}
			return model.DonationEntry{}, classify(err)
		}
	}

	if err = tx.Commit(); err != nil {
		return model.DonationEntry{}, classify(err)
	}
	return entry, nil
}

const donationColumns = "id, natural_key, source, charge_id, payment_intent_id, balance_transaction_id," +
	" bank_transaction_id, donor, currency, amount_donated, amount_charged, fees_covered, processor_fee," +
	" status, date, created_at, receipt_seq, live_mode, receipt_issued"

func (store *store) DonationGet(ctx context.Context, id string) (model.DonationEntry, error) {
	return store.donationGetWhere(ctx, "id = $1", id)
}

func (store *store) DonationGetByKey(ctx context.Context, naturalKey string) (model.DonationEntry, error) {
	return store.donationGetWhere(ctx, "natural_key = $1", naturalKey)
}

func (store *store) DonationGetByReceipt(ctx context.Context, receiptSeq int64) (model.DonationEntry, error) {
	return store.donationGetWhere(ctx, "receipt_seq = $1", receiptSeq)
}

func (store *store) donationGetWhere(ctx context.Context, where string, arg any) (model.DonationEntry, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+donationColumns+" FROM donation WHERE "+where, arg)
	entry, err := scanDonation(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.DonationEntry{}, ErrNoRows
		}
		return model.DonationEntry{}, classify(err)
	}

	entry.Allocations, err = store.causeAllocations(ctx, store.database, entry.ID)
	if err != nil {
		return model.DonationEntry{}, err
	}
	return entry, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (store *store) causeAllocations(ctx context.Context, q queryer, donationID string) ([]model.CauseAllocation, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT id, donation_id, position, cause, region, sub_cause, in_honor_of, amount_cents"+
			" FROM cause_allocation"+
			" WHERE donation_id = $1"+
			" ORDER BY position",
		donationID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var allocations []model.CauseAllocation
	for rows.Next() {
		var a model.CauseAllocation
		err := rows.Scan(&a.ID, &a.DonationID, &a.Position, &a.Cause, &a.Region, &a.SubCause, &a.InHonorOf, &a.AmountCents)
		if err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDonation(row scanner) (model.DonationEntry, error) {
	var (
		entry                                      model.DonationEntry
		chargeID, intentID, balanceTxnID, bankTxnID sql.NullString
		donor                                      []byte
		currency, status                           string
	)
	err := row.Scan(&entry.ID,
		&entry.NaturalKey,
		&entry.Source,
		&chargeID,
		&intentID,
		&balanceTxnID,
		&bankTxnID,
		&donor,
		&currency,
		&entry.AmountDonated.Cents,
		&entry.AmountCharged.Cents,
		&entry.FeesCovered.Cents,
		&entry.ProcessorFee.Cents,
		&status,
		&entry.Date,
		&entry.CreatedAt,
		&entry.ReceiptSeq,
		&entry.LiveMode,
		&entry.ReceiptIssued)
	if err != nil {
		return model.DonationEntry{}, err
	}
	if err = json.Unmarshal(donor, &entry.Donor); err != nil {
		return model.DonationEntry{}, failure.Integrity(fmt.Errorf("donation %s donor snapshot: %w", entry.ID, err))
	}

	entry.Ref = model.ExternalRef{
		ChargeID:             chargeID.String,
		PaymentIntentID:      intentID.String,
		BalanceTransactionID: balanceTxnID.String,
		BankTransactionID:    bankTxnID.String,
	}
	entry.Status = model.DonationStatus(status)
	cur := money.Currency(currency)
	entry.AmountDonated.Currency = cur
	entry.AmountCharged.Currency = cur
	entry.FeesCovered.Currency = cur
	entry.ProcessorFee.Currency = cur
	entry.Date = entry.Date.UTC()
	entry.CreatedAt = entry.CreatedAt.UTC()
	return entry, nil
}

func (store *store) DonationSetStatus(ctx context.Context, id string, status model.DonationStatus) (model.DonationEntry, error) {
	// Статус меняется только вперед: PROCESSING -> терминальный
	if status.Terminal() {
		tx, err := store.database.BeginTx(ctx, nil)
		if err != nil {
			return model.DonationEntry{}, classify(err)
		}
		defer tx.Rollback()

		res, err := tx.ExecContext(ctx,
			"UPDATE donation SET status = $1"+
				" WHERE id = $2"+
				"   AND status = $3",
			string(status),
			id,
			string(model.DonationStatusProcessing))
		if err != nil {
			return model.DonationEntry{}, classify(err)
		}
		changed, err := res.RowsAffected()
		if err != nil {
			return model.DonationEntry{}, classify(err)
		}

		// Деньги неудавшегося платежа не поступили: снимаем их
		// с еще не переданных распределений
		if changed == 1 && status == model.DonationStatusFailed {
			_, err = tx.ExecContext(ctx,
				"DELETE FROM distribution_allocation AS da"+
					" USING distribution AS dist"+
					" WHERE dist.id = da.distribution_id"+
					"   AND da.donation_id = $1"+
					"   AND dist.delivered_at IS NULL",
				id)
			if err != nil {
				return model.DonationEntry{}, classify(err)
			}
		}
		if err = tx.Commit(); err != nil {
			return model.DonationEntry{}, classify(err)
		}
	}

	entry, err := store.DonationGet(ctx, id)
	if err != nil {
		return model.DonationEntry{}, err
	}
	if entry.Status != status {
		return entry, fmt.Errorf("%w: %s -> %s", model.ErrStatusTransition, entry.Status, status)
	}
	return entry, nil
}

// DonationMarkReceiptIssued отмечает выдачу квитанции. issued == true только
// у того вызова, который отметку поставил.
func (store *store) DonationMarkReceiptIssued(ctx context.Context, id string) (model.DonationEntry, bool, error) {
	res, err := store.database.ExecContext(ctx,
		"UPDATE donation SET receipt_issued = TRUE"+
			" WHERE id = $1"+
			"   AND NOT receipt_issued"+
			"   AND status <> $2",
		id,
		string(model.DonationStatusFailed))
	if err != nil {
		return model.DonationEntry{}, false, classify(err)
	}
	changed, err := res.RowsAffected()
	if err != nil {
		return model.DonationEntry{}, false, classify(err)
	}

	entry, err := store.DonationGet(ctx, id)
	if err != nil {
		return model.DonationEntry{}, false, err
	}
	return entry, changed == 1, nil
}

func (store *store) DonationListUnallocated(ctx context.Context, filter model.UnallocatedFilter) ([]model.UnallocatedItem, error) {
	var limit sql.NullInt64
	if filter.Limit > 0 {
		limit = sql.NullInt64{Int64: int64(filter.Limit), Valid: true}
	}

	// Порядок фиксированный: дата, затем id, затем позиция в разбивке
	rows, err := store.database.QueryContext(ctx,
		"SELECT d.id, d.date, d.currency, ca.id, ca.position, ca.cause, ca.region, ca.sub_cause, ca.in_honor_of,"+
			" ca.amount_cents, ca.amount_cents - COALESCE(SUM(da.amount_cents), 0) AS remaining"+
			" FROM cause_allocation AS ca"+
			" JOIN donation AS d ON d.id = ca.donation_id"+
			" LEFT JOIN distribution_allocation AS da ON da.cause_allocation_id = ca.id"+
			" WHERE d.status = $1"+
			"   AND ($2 = '' OR ca.cause = $2)"+
			"   AND ($3 = '' OR ca.region = $3)"+
			"   AND ($4 = '' OR d.currency = $4)"+
			" GROUP BY d.id, d.date, d.currency, ca.id, ca.position, ca.cause, ca.region, ca.sub_cause, ca.in_honor_of, ca.amount_cents"+
			" HAVING ca.amount_cents - COALESCE(SUM(da.amount_cents), 0) > 0"+
			" ORDER BY d.date ASC, d.id ASC, ca.position ASC"+
			" LIMIT $5",
		string(model.DonationStatusProcessing),
		filter.Cause,
		filter.Region,
		string(filter.Currency),
		limit)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var items []model.UnallocatedItem
	for rows.Next() {
		var item model.UnallocatedItem
		var currency string
		err := rows.Scan(&item.DonationID,
			&item.Date,
			&currency,
			&item.Allocation.ID,
			&item.Allocation.Position,
			&item.Allocation.Cause,
			&item.Allocation.Region,
			&item.Allocation.SubCause,
			&item.Allocation.InHonorOf,
			&item.Allocation.AmountCents,
			&item.RemainingCents)
		if err != nil {
			return nil, err
		}
		item.Date = item.Date.UTC()
		item.Currency = money.Currency(currency)
		item.Allocation.DonationID = item.DonationID
		items = append(items, item)
	}
	return items, rows.Err()
}

func (store *store) CauseAllocationRemaining(ctx context.Context, causeAllocationID string) (model.CauseAllocation, int64, error) {
	var a model.CauseAllocation
	var allocated int64
	row := store.database.QueryRowContext(ctx,
		"SELECT ca.id, ca.donation_id, ca.position, ca.cause, ca.region, ca.sub_cause, ca.in_honor_of, ca.amount_cents,"+
			" COALESCE((SELECT SUM(da.amount_cents) FROM distribution_allocation AS da"+
			"           WHERE da.cause_allocation_id = ca.id), 0)"+
			" FROM cause_allocation AS ca"+
			" WHERE ca.id = $1",
		causeAllocationID)
	err := row.Scan(&a.ID, &a.DonationID, &a.Position, &a.Cause, &a.Region, &a.SubCause, &a.InHonorOf, &a.AmountCents, &allocated)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.CauseAllocation{}, 0, ErrNoRows
		}
		return model.CauseAllocation{}, 0, classify(err)
	}
	remaining := a.AmountCents - allocated
	if remaining < 0 {
		return a, 0, failure.Integrity(fmt.Errorf("cause allocation %s allocated %d beyond its %d",
			a.ID, allocated, a.AmountCents))
	}
	return a, remaining, nil
}

// Цели

func (store *store) GoalCreate(ctx context.Context, goal model.Goal) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO goal (id, title, currency, target_cents, region, created_at, updated_at)"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7)",
		goal.ID,
		goal.Title,
		string(goal.Target.Currency),
		goal.Target.Cents,
		goal.Region,
		goal.CreatedAt,
		goal.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return classify(err)
	}
	return nil
}

func (store *store) GoalGet(ctx context.Context, id string) (model.Goal, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT id, title, currency, target_cents, region, created_at, updated_at"+
			" FROM goal WHERE id = $1",
		id)
	goal, err := scanGoal(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Goal{}, ErrNoRows
		}
		return model.Goal{}, classify(err)
	}
	return goal, nil
}

func scanGoal(row scanner) (model.Goal, error) {
	var goal model.Goal
	var currency string
	err := row.Scan(&goal.ID, &goal.Title, &currency, &goal.Target.Cents, &goal.Region, &goal.CreatedAt, &goal.UpdatedAt)
	if err != nil {
		return model.Goal{}, err
	}
	goal.Target.Currency = money.Currency(currency)
	goal.CreatedAt = goal.CreatedAt.UTC()
	goal.UpdatedAt = goal.UpdatedAt.UTC()
	return goal, nil
}

func (store *store) GoalUpdate(ctx context.Context, goal model.Goal) error {
	// Меняются только название и целевая сумма
	res, err := store.database.ExecContext(ctx,
		"UPDATE goal SET title = $1, target_cents = $2, updated_at = $3"+
			" WHERE id = $4"+
			"   AND currency = $5",
		goal.Title,
		goal.Target.Cents,
		goal.UpdatedAt,
		goal.ID,
		string(goal.Target.Currency))
	if err != nil {
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		current, err := store.GoalGet(ctx, goal.ID)
		if err != nil {
			return err
		}
		if current.Target.Currency != goal.Target.Currency {
			return money.ErrCurrencyMismatch
		}
	}
	return nil
}

func (store *store) GoalDelete(ctx context.Context, id string) error {
	res, err := store.database.ExecContext(ctx, "DELETE FROM goal WHERE id = $1", id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return ErrGoalReferenced
		}
		return classify(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNoRows
	}
	return nil
}

func (store *store) GoalList(ctx context.Context) ([]model.Goal, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT id, title, currency, target_cents, region, created_at, updated_at"+
			" FROM goal ORDER BY created_at, id")
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var goals []model.Goal
	for rows.Next() {
		goal, err := scanGoal(rows)
		if err != nil {
			return nil, err
		}
		goals = append(goals, goal)
	}
	return goals, rows.Err()
}

func (store *store) GoalProgress(ctx context.Context, id string) (model.GoalProgress, error) {
	// Пересчитывается из распределений при каждом вызове
	var progress model.GoalProgress
	var currency string
	row := store.database.QueryRowContext(ctx,
		"SELECT g.id, g.currency, g.target_cents,"+
			" COALESCE((SELECT SUM(da.amount_cents)"+
			"           FROM distribution_allocation AS da"+
			"           JOIN distribution AS dist ON dist.id = da.distribution_id"+
			"           WHERE dist.goal_id = g.id), 0)"+
			" FROM goal AS g WHERE g.id = $1",
		id)
	err := row.Scan(&progress.GoalID, &currency, &progress.TotalTarget.Cents, &progress.TotalAllocated.Cents)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.GoalProgress{}, ErrNoRows
		}
		return model.GoalProgress{}, classify(err)
	}
	progress.TotalTarget.Currency = money.Currency(currency)
	progress.TotalAllocated.Currency = money.Currency(currency)
	return progress, nil
}

// Распределения

func (store *store) DistributionCreate(ctx context.Context, distribution model.Distribution) error {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	if distribution.GoalID != "" {
		var currency string
		row := tx.QueryRowContext(ctx, "SELECT currency FROM goal WHERE id = $1 FOR SHARE", distribution.GoalID)
		if err = row.Scan(&currency); err != nil {
			if err == sql.ErrNoRows {
				return fmt.Errorf("goal %s: %w", distribution.GoalID, ErrNoRows)
			}
			return classify(err)
		}
		if money.Currency(currency) != distribution.Currency {
			return money.ErrCurrencyMismatch
		}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO distribution (id, partner_name, currency, transaction_date, goal_id)"+
			" VALUES ($1, $2, $3, $4, $5)",
		distribution.ID,
		distribution.PartnerName,
		string(distribution.Currency),
		distribution.TransactionDate,
		nullString(distribution.GoalID))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrAlreadyExists
		}
		return classify(err)
	}
	return classify(tx.Commit())
}

func (store *store) DistributionGet(ctx context.Context, id string) (model.Distribution, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT id, partner_name, currency, transaction_date, goal_id, delivered_at"+
			" FROM distribution WHERE id = $1",
		id)
	distribution, err := scanDistribution(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Distribution{}, ErrNoRows
		}
		return model.Distribution{}, classify(err)
	}

	distribution.Allocations, err = store.distributionAllocations(ctx, distribution.ID)
	if err != nil {
		return model.Distribution{}, err
	}
	return distribution, nil
}

func scanDistribution(row scanner) (model.Distribution, error) {
	var d model.Distribution
	var currency string
	var goalID sql.NullString
	var deliveredAt sql.NullTime
	err := row.Scan(&d.ID, &d.PartnerName, &currency, &d.TransactionDate, &goalID, &deliveredAt)
	if err != nil {
		return model.Distribution{}, err
	}
	d.Currency = money.Currency(currency)
	d.GoalID = goalID.String
	d.TransactionDate = d.TransactionDate.UTC()
	if deliveredAt.Valid {
		at := deliveredAt.Time.UTC()
		d.DeliveredAt = &at
	}
	return d, nil
}

func (store *store) distributionAllocations(ctx context.Context, distributionID string) ([]model.DistributionAllocation, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT da.donation_id, da.cause_allocation_id, da.amount_cents"+
			" FROM distribution_allocation AS da"+
			" JOIN cause_allocation AS ca ON ca.id = da.cause_allocation_id"+
			" JOIN donation AS d ON d.id = da.donation_id"+
			" WHERE da.distribution_id = $1"+
			" ORDER BY d.date, d.id, ca.position",
		distributionID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var allocations []model.DistributionAllocation
	for rows.Next() {
		var a model.DistributionAllocation
		if err := rows.Scan(&a.DonationID, &a.CauseAllocationID, &a.AmountCents); err != nil {
			return nil, err
		}
		allocations = append(allocations, a)
	}
	return allocations, rows.Err()
}

func (store *store) DistributionList(ctx context.Context, goalID string) ([]model.Distribution, error) {
	rows, err := store.database.QueryContext(ctx,
		"SELECT id, partner_name, currency, transaction_date, goal_id, delivered_at"+
			" FROM distribution"+
			" WHERE ($1 = '' OR goal_id = $1)"+
			" ORDER BY transaction_date, id",
		goalID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var distributions []model.Distribution
	for rows.Next() {
		d, err := scanDistribution(rows)
		if err != nil {
			return nil, err
		}
		distributions = append(distributions, d)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for i := range distributions {
		distributions[i].Allocations, err = store.distributionAllocations(ctx, distributions[i].ID)
		if err != nil {
			return nil, err
		}
	}
	return distributions, nil
}

// lockForAllocation блокирует распределение и строку разбивки (в этом порядке)
// и перечитывает остаток внутри транзакции.
func lockForAllocation(ctx context.Context, tx *sql.Tx, distributionID string, causeAllocationID string, allocate bool) (donationID string, amount int64, allocated int64, current int64, err error) {
	var currency string
	var deliveredAt sql.NullTime
	row := tx.QueryRowContext(ctx,
		"SELECT currency, delivered_at FROM distribution WHERE id = $1 FOR UPDATE",
		distributionID)
	if err = row.Scan(&currency, &deliveredAt); err != nil {
		if err == sql.ErrNoRows {
			err = fmt.Errorf("distribution %s: %w", distributionID, ErrNoRows)
		}
		return
	}
	if deliveredAt.Valid {
		err = ErrDistributionDelivered
		return
	}

	var donationCurrency, status string
	row = tx.QueryRowContext(ctx,
		"SELECT ca.donation_id, ca.amount_cents, d.currency, d.status"+
			" FROM cause_allocation AS ca"+
			" JOIN donation AS d ON d.id = ca.donation_id"+
			" WHERE ca.id = $1"+
			" FOR UPDATE OF ca, d",
		causeAllocationID)
	if err = row.Scan(&donationID, &amount, &donationCurrency, &status); err != nil {
		if err == sql.ErrNoRows {
			err = fmt.Errorf("cause allocation %s: %w", causeAllocationID, ErrNoRows)
		}
		return
	}
	if donationCurrency != currency {
		err = money.ErrCurrencyMismatch
		return
	}
	// Снять деньги можно и с неудавшегося платежа, добавить - нет
	if allocate && model.DonationStatus(status) != model.DonationStatusProcessing {
		err = ErrDonationNotActive
		return
	}

	row = tx.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount_cents), 0),"+
			" COALESCE(SUM(amount_cents) FILTER (WHERE distribution_id = $2), 0)"+
			" FROM distribution_allocation WHERE cause_allocation_id = $1",
		causeAllocationID,
		distributionID)
	if err = row.Scan(&allocated, &current); err != nil {
		return
	}
	if allocated > amount {
		err = failure.Integrity(fmt.Errorf("cause allocation %s allocated %d beyond its %d",
			causeAllocationID, allocated, amount))
	}
	return
}

func (store *store) DistributionAllocate(ctx context.Context, distributionID string, causeAllocationID string, cents int64) error {
	if cents <= 0 {
		return ErrAmountIncorrect
	}

	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	donationID, amount, allocated, _, err := lockForAllocation(ctx, tx, distributionID, causeAllocationID, true)
	if err != nil {
		return classify(err)
	}

	// Проверка: остаток достаточен
	remaining := amount - allocated
	if cents > remaining {
		return &OverAllocationError{CauseAllocationID: causeAllocationID, Requested: cents, Remaining: remaining}
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO distribution_allocation (distribution_id, cause_allocation_id, donation_id, amount_cents)"+
			" VALUES ($1, $2, $3, $4)"+
			" ON CONFLICT (distribution_id, cause_allocation_id)"+
			" DO UPDATE SET amount_cents = distribution_allocation.amount_cents + EXCLUDED.amount_cents",
		distributionID,
		causeAllocationID,
		donationID,
		cents)
	if err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func (store *store) DistributionDeallocate(ctx context.Context, distributionID string, causeAllocationID string, cents int64) error {
	if cents <= 0 {
		return ErrAmountIncorrect
	}

	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	_, _, _, current, err := lockForAllocation(ctx, tx, distributionID, causeAllocationID, false)
	if err != nil {
		return classify(err)
	}
	if cents > current {
		return ErrDeallocationExceeds
	}

	if cents == current {
		_, err = tx.ExecContext(ctx,
			"DELETE FROM distribution_allocation"+
				" WHERE distribution_id = $1"+
				"   AND cause_allocation_id = $2",
			distributionID,
			causeAllocationID)
	} else {
		_, err = tx.ExecContext(ctx,
			"UPDATE distribution_allocation SET amount_cents = amount_cents - $3"+
				" WHERE distribution_id = $1"+
				"   AND cause_allocation_id = $2",
			distributionID,
			causeAllocationID,
			cents)
	}
	if err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func (store *store) DistributionRemove(ctx context.Context, distributionID string, causeAllocationID string) error {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return classify(err)
	}
	defer tx.Rollback()

	_, _, _, current, err := lockForAllocation(ctx, tx, distributionID, causeAllocationID, false)
	if err != nil {
		return classify(err)
	}
	if current == 0 {
		return fmt.Errorf("cause allocation %s in distribution %s: %w", causeAllocationID, distributionID, ErrNoRows)
	}

	_, err = tx.ExecContext(ctx,
		"DELETE FROM distribution_allocation"+
			" WHERE distribution_id = $1"+
			"   AND cause_allocation_id = $2",
		distributionID,
		causeAllocationID)
	if err != nil {
		return classify(err)
	}
	return classify(tx.Commit())
}

func (store *store) DistributionDeliver(ctx context.Context, distributionID string, at time.Time) ([]string, error) {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	defer tx.Rollback()

	var deliveredAt sql.NullTime
	row := tx.QueryRowContext(ctx,
		"SELECT delivered_at FROM distribution WHERE id = $1 FOR UPDATE",
		distributionID)
	if err = row.Scan(&deliveredAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNoRows
		}
		return nil, classify(err)
	}
	if deliveredAt.Valid {
		return nil, ErrDistributionDelivered
	}

	// Поступления распределения блокируются до проверки статусов
	failed, err := lockDeliveryDonations(ctx, tx, distributionID)
	if err != nil {
		return nil, classify(err)
	}
	if len(failed) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrFailedDonationHeld, failed)
	}

	var count int
	row = tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM distribution_allocation WHERE distribution_id = $1",
		distributionID)
	if err = row.Scan(&count); err != nil {
		return nil, classify(err)
	}
	if count == 0 {
		return nil, ErrEmptyDistribution
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE distribution SET delivered_at = $2 WHERE id = $1",
		distributionID,
		at)
	if err != nil {
		return nil, classify(err)
	}

	// Поступления, полностью переданные партнерам, переходят в DELIVERED_TO_PARTNERS
	rows, err := tx.QueryContext(ctx,
		"UPDATE donation AS d SET status = $2"+
			" WHERE d.status = $3"+
			"   AND d.id IN (SELECT donation_id FROM distribution_allocation WHERE distribution_id = $1)"+
			"   AND NOT EXISTS ("+
			"     SELECT 1 FROM cause_allocation AS ca"+
			"     WHERE ca.donation_id = d.id"+
			"       AND ca.amount_cents > ("+
			"         SELECT COALESCE(SUM(da.amount_cents), 0)"+
			"         FROM distribution_allocation AS da"+
			"         JOIN distribution AS dist ON dist.id = da.distribution_id"+
			"         WHERE da.cause_allocation_id = ca.id"+
			"           AND dist.delivered_at IS NOT NULL))"+
			" RETURNING d.id",
		distributionID,
		string(model.DonationStatusDelivered),
		string(model.DonationStatusProcessing))
	if err != nil {
		return nil, classify(err)
	}
	var advanced []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		advanced = append(advanced, id)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, classify(err)
	}

	if err = tx.Commit(); err != nil {
		return nil, classify(err)
	}
	return advanced, nil
}

func lockDeliveryDonations(ctx context.Context, tx *sql.Tx, distributionID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx,
		"SELECT d.id, d.status FROM donation AS d"+
			" WHERE d.id IN (SELECT donation_id FROM distribution_allocation WHERE distribution_id = $1)"+
			" ORDER BY d.id"+
			" FOR UPDATE",
		distributionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var failed []string
	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		if model.DonationStatus(status) == model.DonationStatusFailed {
			failed = append(failed, id)
		}
	}
	return failed, rows.Err()
}

// classify помечает ошибки, после которых операцию можно повторить.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03", "57014", "53300":
			return failure.Transient(err)
		}
		return err
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return failure.Transient(err)
	}
	if pgconn.Timeout(err) {
		return failure.Transient(err)
	}
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
