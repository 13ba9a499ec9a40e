package trade

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS trades (
	id          TEXT PRIMARY KEY,
	user_id     INTEGER NOT NULL,
	ticker      TEXT NOT NULL,
	action      TEXT NOT NULL,
	quantity    INTEGER NOT NULL,
	price       TEXT NOT NULL,
	total_price TEXT NOT NULL,
	executed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_user ON trades (user_id, executed_at);
`

// LedgerExecutor books trades into a local SQLite ledger
type LedgerExecutor struct {
	db *sql.DB
}

var _ Executor = (*LedgerExecutor)(nil)

// NewLedgerExecutor opens (or creates) the ledger at dbPath
func NewLedgerExecutor(dbPath string) (*LedgerExecutor, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(ledgerSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create ledger schema: %w", err)
	}

	return &LedgerExecutor{db: db}, nil
}

// Execute records the trade. Prices are stored as decimal text.
func (l *LedgerExecutor) Execute(ctx context.Context, priced Result) (Result, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Result{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	query := `INSERT INTO trades (id, user_id, ticker, action, quantity, price, total_price, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = tx.ExecContext(ctx, query,
		priced.TradeID,
		priced.UserID,
		priced.Ticker,
		string(priced.Action),
		priced.Quantity,
		decimal.NewFromInt(priced.Price).String(),
		priced.TotalPrice.String(),
		priced.ExecutedAt.UnixNano(),
	)
	if err != nil {
		return Result{}, fmt.Errorf("failed to write trade: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Result{}, fmt.Errorf("failed to commit trade: %w", err)
	}
	return priced, nil
}

// History returns a user's trades, oldest first
func (l *LedgerExecutor) History(ctx context.Context, userID int64) ([]Result, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, user_id, ticker, action, quantity, price, total_price, executed_at
		 FROM trades WHERE user_id = ? ORDER BY executed_at, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trades: %w", err)
	}
	defer rows.Close()

	var out []Result
	for rows.Next() {
		var (
			r            Result
			action       string
			price, total string
			executedAt   int64
		)
		if err := rows.Scan(&r.TradeID, &r.UserID, &r.Ticker, &action, &r.Quantity, &price, &total, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		p, err := decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("corrupt price for trade %s: %w", r.TradeID, err)
		}
		if r.TotalPrice, err = decimal.NewFromString(total); err != nil {
			return nil, fmt.Errorf("corrupt total for trade %s: %w", r.TradeID, err)
		}
		r.Action = Action(action)
		r.Price = p.IntPart()
		r.ExecutedAt = time.Unix(0, executedAt).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// Ping checks the database is reachable
func (l *LedgerExecutor) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

func (l *LedgerExecutor) Close() error {
	return l.db.Close()
}
