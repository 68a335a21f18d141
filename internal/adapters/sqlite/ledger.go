package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/shopspring/decimal"

	"thresholdBot/internal/domain"
	"thresholdBot/internal/ports"
)

// Ledger implements ports.Ledger using SQLite.
type Ledger struct {
	db     *sql.DB
	logger ports.Logger
	now    func() time.Time
}

// Config holds configuration for the SQLite ledger.
type Config struct {
	DBPath string
	Logger ports.Logger
	Now    func() time.Time // used for CountToday, defaults to time.Now
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// NewLedger opens (creating if needed) the ledger database.
func NewLedger(cfg Config) (*Ledger, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite ledger")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/trades.db"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite ledger initialization failed")
		return nil, err
	}

	// WAL keeps readers (the history CLI) from blocking the engine.
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("%w: failed to open database at '%s': %w", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite ledger initialization failed")
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("%w: failed to ping database at '%s': %w", ports.ErrDBConnection, dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite ledger initialization failed")
		return nil, err
	}

	// Appends from every user loop are serialised through one connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	l := &Ledger{db: db, logger: cfg.Logger, now: cfg.Now}
	if l.now == nil {
		l.now = time.Now
	}
	if err := l.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite ledger initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Trade ledger ready", map[string]interface{}{"path": dbPath})
	return l, nil
}

func (l *Ledger) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS trade_records (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		side TEXT NOT NULL,
		price REAL NOT NULL,
		amount REAL NOT NULL,
		requested_amount REAL NOT NULL,
		exchange_order_id TEXT NOT NULL DEFAULT '',
		client_order_id TEXT NOT NULL,
		status TEXT NOT NULL,
		profit REAL NOT NULL DEFAULT 0,
		reason TEXT NOT NULL DEFAULT ''
	);

	-- A client order id resolves to at most one terminal outcome.
	CREATE UNIQUE INDEX IF NOT EXISTS ux_trade_records_client_order
		ON trade_records (user_id, client_order_id) WHERE status != 'TIMED_OUT';
	CREATE INDEX IF NOT EXISTS idx_trade_records_user_time ON trade_records (user_id, timestamp);

	CREATE TABLE IF NOT EXISTS positions (
		user_id TEXT PRIMARY KEY,
		holding TEXT NOT NULL,
		entry_price REAL NOT NULL,
		last_action TEXT NOT NULL DEFAULT '',
		last_price REAL NOT NULL DEFAULT 0,
		last_status TEXT NOT NULL DEFAULT '',
		last_record_id INTEGER NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS pending_orders (
		user_id TEXT PRIMARY KEY,
		client_order_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		amount REAL NOT NULL,
		quote_price REAL NOT NULL,
		quote_time TIMESTAMP NOT NULL,
		exchange_order_id TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		demo_mode INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL
	);
	`
	if _, err := l.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (l *Ledger) Close() error {
	if l.db != nil {
		l.logger.Info(context.Background(), "Closing SQLite trade ledger")
		return l.db.Close()
	}
	return nil
}

// Append records rec and folds it into the user's position in one transaction.
// On success rec.ID and rec.Profit are set.
func (l *Ledger) Append(ctx context.Context, rec *domain.TradeRecord) (domain.PositionState, error) {
	op := "Append"
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.PositionState{}, fmt.Errorf("%s failed: %w: %w", op, ports.ErrLedgerWriteFailed, err)
	}
	defer tx.Rollback()

	pos, err := l.loadPosition(ctx, tx, rec.UserID)
	if err != nil {
		return domain.PositionState{}, fmt.Errorf("%s failed: %w: %w", op, ports.ErrLedgerWriteFailed, err)
	}
	next, profit := domain.ApplyTrade(pos, *rec)

	const insert = `
	INSERT INTO trade_records (user_id, timestamp, side, price, amount, requested_amount,
	                           exchange_order_id, client_order_id, status, profit, reason)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := tx.ExecContext(ctx, insert,
		rec.UserID, rec.Timestamp.UTC(), string(rec.Side), rec.Price, rec.Amount, rec.RequestedAmount,
		rec.ExchangeOrderID, rec.ClientOrderID, string(rec.Status), profit, rec.Reason)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.PositionState{}, fmt.Errorf("%s failed: %w: client order %s", op, ports.ErrDuplicateEntry, rec.ClientOrderID)
		}
		return domain.PositionState{}, fmt.Errorf("%s failed: %w: %w", op, ports.ErrLedgerWriteFailed, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.PositionState{}, fmt.Errorf("%s failed: %w: %w", op, ports.ErrLedgerWriteFailed, err)
	}
	next.LastRecordID = id

	if err := upsertPosition(ctx, tx, next); err != nil {
		return domain.PositionState{}, fmt.Errorf("%s failed: %w: %w", op, ports.ErrLedgerWriteFailed, err)
	}
	if rec.Status != domain.StatusTimedOut {
		if _, err := tx.ExecContext(ctx, `DELETE FROM pending_orders WHERE user_id = ? AND client_order_id = ?`, rec.UserID, rec.ClientOrderID); err != nil {
			return domain.PositionState{}, fmt.Errorf("%s failed: %w: %w", op, ports.ErrLedgerWriteFailed, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.PositionState{}, fmt.Errorf("%s failed: %w: %w", op, ports.ErrLedgerWriteFailed, err)
	}

	rec.ID = id
	rec.Profit = profit
	l.logger.Debug(ctx, "Trade record appended", map[string]interface{}{"recordID": id, "userID": rec.UserID, "status": rec.Status, "holding": next.Holding})
	return next, nil
}

// GetPosition returns the user's position. Records appended after the stored
// snapshot are replayed on top of it and the snapshot is rewritten.
func (l *Ledger) GetPosition(ctx context.Context, userID string) (domain.PositionState, error) {
	pos, err := l.snapshot(ctx, l.db, userID)
	if err != nil {
		return domain.PositionState{}, fmt.Errorf("GetPosition failed: %w: %w", ports.ErrQueryFailed, err)
	}
	caught, err := replayAfter(ctx, l.db, pos)
	if err != nil {
		return domain.PositionState{}, fmt.Errorf("GetPosition failed: %w: %w", ports.ErrQueryFailed, err)
	}
	if caught.LastRecordID != pos.LastRecordID {
		l.logger.Warn(ctx, "Position snapshot behind trade records, rewriting", map[string]interface{}{"userID": userID, "snapshotRecordID": pos.LastRecordID, "lastRecordID": caught.LastRecordID})
		if err := upsertPosition(ctx, l.db, caught); err != nil {
			return domain.PositionState{}, fmt.Errorf("GetPosition failed: %w: %w", ports.ErrLedgerWriteFailed, err)
		}
	}
	return caught, nil
}

// RebuildPosition discards the stored snapshot and replays every record.
func (l *Ledger) RebuildPosition(ctx context.Context, userID string) (domain.PositionState, error) {
	op := "RebuildPosition"
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.PositionState{}, fmt.Errorf("%s failed: %w: %w", op, ports.ErrLedgerWriteFailed, err)
	}
	defer tx.Rollback()

	pos, err := replayAfter(ctx, tx, domain.PositionState{UserID: userID})
	if err != nil {
		return domain.PositionState{}, fmt.Errorf("%s failed: %w: %w", op, ports.ErrQueryFailed, err)
	}
	if pos.LastRecordID == 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM positions WHERE user_id = ?`, userID)
	} else {
		err = upsertPosition(ctx, tx, pos)
	}
	if err != nil {
		return domain.PositionState{}, fmt.Errorf("%s failed: %w: %w", op, ports.ErrLedgerWriteFailed, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.PositionState{}, fmt.Errorf("%s failed: %w: %w", op, ports.ErrLedgerWriteFailed, err)
	}
	l.logger.Info(ctx, "Position rebuilt from trade records", map[string]interface{}{"userID": userID, "holding": pos.Holding, "lastRecordID": pos.LastRecordID})
	return pos, nil
}

// History returns the user's most recent records, newest first. A limit <= 0
// returns everything.
func (l *Ledger) History(ctx context.Context, userID string, limit int) ([]*domain.TradeRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	const query = `
	SELECT id, user_id, timestamp, side, price, amount, requested_amount,
	       exchange_order_id, client_order_id, status, profit, reason
	FROM trade_records
	WHERE user_id = ? ORDER BY id DESC LIMIT ?`

	rows, err := l.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("History failed: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	records := make([]*domain.TradeRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("History failed: %w: %w", ports.ErrQueryFailed, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("History failed: %w: %w", ports.ErrQueryFailed, err)
	}
	return records, nil
}

// CountToday counts the user's executed trades since midnight UTC.
func (l *Ledger) CountToday(ctx context.Context, userID string) (int, error) {
	start := l.now().UTC().Truncate(24 * time.Hour)
	const query = `
	SELECT COUNT(*) FROM trade_records
	WHERE user_id = ? AND timestamp >= ? AND status IN (?, ?)`
	var count int
	err := l.db.QueryRowContext(ctx, query, userID, start, string(domain.StatusFilled), string(domain.StatusPartiallyFilled)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("CountToday failed: %w: %w", ports.ErrQueryFailed, err)
	}
	return count, nil
}

// SavePending stores the user's order intent, replacing any previous one.
func (l *Ledger) SavePending(ctx context.Context, order *domain.PendingOrder) error {
	const query = `
	INSERT INTO pending_orders (user_id, client_order_id, symbol, side, amount, quote_price,
	                            quote_time, exchange_order_id, state, reason, demo_mode, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		client_order_id = excluded.client_order_id, symbol = excluded.symbol, side = excluded.side,
		amount = excluded.amount, quote_price = excluded.quote_price, quote_time = excluded.quote_time,
		exchange_order_id = excluded.exchange_order_id, state = excluded.state, reason = excluded.reason,
		demo_mode = excluded.demo_mode, created_at = excluded.created_at`
	_, err := l.db.ExecContext(ctx, query,
		order.UserID, order.ClientOrderID, order.Symbol, string(order.Side), order.Amount, order.QuotePrice,
		order.QuoteTime.UTC(), order.ExchangeOrderID, string(order.State), order.Reason, order.DemoMode, order.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("SavePending failed: %w: %w", ports.ErrLedgerWriteFailed, err)
	}
	l.logger.Debug(ctx, "Order intent saved", map[string]interface{}{"userID": order.UserID, "clientOrderID": order.ClientOrderID})
	return nil
}

// UpdatePending updates the state and exchange id of an existing intent.
func (l *Ledger) UpdatePending(ctx context.Context, order *domain.PendingOrder) error {
	const query = `
	UPDATE pending_orders SET state = ?, exchange_order_id = ?
	WHERE user_id = ? AND client_order_id = ?`
	res, err := l.db.ExecContext(ctx, query, string(order.State), order.ExchangeOrderID, order.UserID, order.ClientOrderID)
	if err != nil {
		return fmt.Errorf("UpdatePending failed: %w: %w", ports.ErrLedgerWriteFailed, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("UpdatePending failed: %w: %w", ports.ErrLedgerWriteFailed, err)
	}
	if n == 0 {
		return fmt.Errorf("UpdatePending failed: intent %s for %s: %w", order.ClientOrderID, order.UserID, ports.ErrNotFound)
	}
	return nil
}

// PendingOrder returns the user's outstanding intent, or nil.
func (l *Ledger) PendingOrder(ctx context.Context, userID string) (*domain.PendingOrder, error) {
	const query = `
	SELECT user_id, client_order_id, symbol, side, amount, quote_price, quote_time,
	       exchange_order_id, state, reason, demo_mode, created_at
	FROM pending_orders WHERE user_id = ?`
	p := &domain.PendingOrder{}
	var side, state string
	err := l.db.QueryRowContext(ctx, query, userID).Scan(
		&p.UserID, &p.ClientOrderID, &p.Symbol, &side, &p.Amount, &p.QuotePrice, &p.QuoteTime,
		&p.ExchangeOrderID, &state, &p.Reason, &p.DemoMode, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("PendingOrder failed: %w: %w", ports.ErrQueryFailed, err)
	}
	p.Side = domain.OrderSide(side)
	p.State = domain.PendingState(state)
	return p, nil
}

// ClearPending removes the intent if it still carries clientOrderID.
func (l *Ledger) ClearPending(ctx context.Context, userID, clientOrderID string) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM pending_orders WHERE user_id = ? AND client_order_id = ?`, userID, clientOrderID); err != nil {
		return fmt.Errorf("ClearPending failed: %w: %w", ports.ErrLedgerWriteFailed, err)
	}
	return nil
}

// loadPosition is the snapshot plus any records it has not seen.
func (l *Ledger) loadPosition(ctx context.Context, q querier, userID string) (domain.PositionState, error) {
	pos, err := l.snapshot(ctx, q, userID)
	if err != nil {
		return domain.PositionState{}, err
	}
	return replayAfter(ctx, q, pos)
}

func (l *Ledger) snapshot(ctx context.Context, q querier, userID string) (domain.PositionState, error) {
	const query = `
	SELECT user_id, holding, entry_price, last_action, last_price, last_status, last_record_id, updated_at
	FROM positions WHERE user_id = ?`
	pos := domain.PositionState{}
	var holding, action, status string
	err := q.QueryRowContext(ctx, query, userID).Scan(
		&pos.UserID, &holding, &pos.EntryPrice, &action, &pos.LastPrice, &status, &pos.LastRecordID, &pos.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.PositionState{UserID: userID}, nil
		}
		return domain.PositionState{}, err
	}
	h, err := decimal.NewFromString(holding)
	if err != nil {
		return domain.PositionState{}, fmt.Errorf("corrupt holding %q for %s: %w", holding, userID, err)
	}
	pos.Holding = h.InexactFloat64()
	pos.LastAction = domain.OrderSide(action)
	pos.LastStatus = domain.TradeStatus(status)
	return pos, nil
}

func replayAfter(ctx context.Context, q querier, pos domain.PositionState) (domain.PositionState, error) {
	const query = `
	SELECT id, user_id, timestamp, side, price, amount, requested_amount,
	       exchange_order_id, client_order_id, status, profit, reason
	FROM trade_records
	WHERE user_id = ? AND id > ? ORDER BY id ASC`
	rows, err := q.QueryContext(ctx, query, pos.UserID, pos.LastRecordID)
	if err != nil {
		return domain.PositionState{}, err
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return domain.PositionState{}, err
		}
		pos, _ = domain.ApplyTrade(pos, *rec)
	}
	return pos, rows.Err()
}

func upsertPosition(ctx context.Context, q querier, pos domain.PositionState) error {
	const query = `
	INSERT INTO positions (user_id, holding, entry_price, last_action, last_price, last_status, last_record_id, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(user_id) DO UPDATE SET
		holding = excluded.holding, entry_price = excluded.entry_price, last_action = excluded.last_action,
		last_price = excluded.last_price, last_status = excluded.last_status,
		last_record_id = excluded.last_record_id, updated_at = excluded.updated_at`
	holding := decimal.NewFromFloat(pos.Holding).Round(domain.QuantityPlaces).String()
	_, err := q.ExecContext(ctx, query,
		pos.UserID, holding, pos.EntryPrice, string(pos.LastAction), pos.LastPrice, string(pos.LastStatus),
		pos.LastRecordID, pos.UpdatedAt.UTC())
	return err
}

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*domain.TradeRecord, error) {
	r := &domain.TradeRecord{}
	var side, status string
	err := s.Scan(
		&r.ID, &r.UserID, &r.Timestamp, &side, &r.Price, &r.Amount, &r.RequestedAmount,
		&r.ExchangeOrderID, &r.ClientOrderID, &status, &r.Profit, &r.Reason)
	if err != nil {
		return nil, err
	}
	r.Side = domain.OrderSide(side)
	r.Status = domain.TradeStatus(status)
	return r, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
