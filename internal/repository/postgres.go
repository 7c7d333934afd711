// Package repository содержит реализацию хранилища сущностей в PostgreSQL.
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/bazaar-indexer/internal/event"
	"github.com/mmeshcher/bazaar-indexer/internal/model"
	"github.com/mmeshcher/bazaar-indexer/internal/projection"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PgxPool — минимальная абстракция над пулом соединений PostgreSQL.
// Её реализуют *pgxpool.Pool и pgxmock.PgxPoolIface, что позволяет
// тестировать репозиторий без реальной базы.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Postgres предоставляет доступ к материализованным сущностям в PostgreSQL.
type Postgres struct {
	pool PgxPool
}

// New создаёт репозиторий, проверяет соединение и применяет миграции схемы.
func New(dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := runMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}

	return &Postgres{pool: pool}, nil
}

// NewWithPool создаёт репозиторий поверх готового пула. Миграции не применяются.
func NewWithPool(pool PgxPool) *Postgres {
	return &Postgres{pool: pool}
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// Retryable сообщает, имеет ли смысл повторить событие после ошибки хранилища:
// сбои сериализации, взаимные блокировки и сетевые обрывы временны,
// остальные ошибки повторять бесполезно.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure ||
			pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Ping проверяет доступность базы данных.
func (r *Postgres) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close закрывает пул соединений с БД.
func (r *Postgres) Close() error {
	r.pool.Close()
	return nil
}

// ApplyEvent выполняет fn в одной транзакции: мутации сущностей и сдвиг
// контрольной точки фиксируются вместе. Любая ошибка откатывает транзакцию
// целиком, и контрольная точка остаётся на прежнем месте.
func (r *Postgres) ApplyEvent(ctx context.Context, fn func(st projection.Store) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	return nil
}

// LastCheckpoint возвращает ключ последнего применённого события вне транзакции.
// Используется потребителем при старте и операционными ручками.
func (r *Postgres) LastCheckpoint(ctx context.Context) (event.OrderingKey, bool, error) {
	var key event.OrderingKey
	err := r.pool.QueryRow(ctx,
		`SELECT block, tx_index, log_index FROM checkpoint WHERE id`,
	).Scan(&key.Block, &key.TxIndex, &key.LogIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return event.OrderingKey{}, false, nil
	}
	if err != nil {
		return event.OrderingKey{}, false, fmt.Errorf("select checkpoint: %w", err)
	}
	return key, true, nil
}

// ListingsBySeller возвращает объявления продавца от новых к старым.
func (r *Postgres) ListingsBySeller(ctx context.Context, seller string) ([]model.Listing, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, seller, token, price, quantity, currency, ipfs_cid, status, buyer, created_at, updated_at
		 FROM listings
		 WHERE seller = $1
		 ORDER BY created_at DESC`,
		seller,
	)
	if err != nil {
		return nil, fmt.Errorf("select listings: %w", err)
	}
	defer rows.Close()

	return scanListings(rows)
}

// PurchasesByStatus возвращает покупки в указанном состоянии от новых к старым.
func (r *Postgres) PurchasesByStatus(ctx context.Context, status model.PurchaseStatus) ([]model.Purchase, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, listing_id, buyer, seller, amount, token, status, created_at, completed_at
		 FROM purchases
		 WHERE status = $1
		 ORDER BY created_at DESC`,
		string(status),
	)
	if err != nil {
		return nil, fmt.Errorf("select purchases: %w", err)
	}
	defer rows.Close()

	var res []model.Purchase
	for rows.Next() {
		var (
			p      model.Purchase
			status string
		)
		if err := rows.Scan(&p.ID, &p.ListingID, &p.Buyer, &p.Seller, &p.Amount,
			&p.Token, &status, &p.CreatedAt, &p.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		p.Status = model.PurchaseStatus(status)
		res = append(res, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

// UserByAddress возвращает пользователя по адресу леджера.
func (r *Postgres) UserByAddress(ctx context.Context, address string) (*model.User, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT address, total_sales, total_purchases, total_volume, average_rating,
		        review_count, good_reviews_count, bad_reviews_count, reputation_tier,
		        joined_at, first_deal_at
		 FROM users WHERE address = $1`,
		address,
	)
	return scanUser(row)
}

func scanListings(rows pgx.Rows) ([]model.Listing, error) {
	var res []model.Listing
	for rows.Next() {
		var (
			l      model.Listing
			status string
		)
		if err := rows.Scan(&l.ID, &l.Seller, &l.Token, &l.Price, &l.Quantity,
			&l.Currency, &l.IPFSCid, &status, &l.Buyer, &l.CreatedAt, &l.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		l.Status = model.ListingStatus(status)
		res = append(res, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var (
		u    model.User
		tier string
	)
	err := row.Scan(&u.Address, &u.TotalSales, &u.TotalPurchases, &u.TotalVolume,
		&u.AverageRating, &u.ReviewCount, &u.GoodReviewsCount, &u.BadReviewsCount,
		&tier, &u.JoinedAt, &u.FirstDealAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, projection.ErrNotFound
		}
		return nil, fmt.Errorf("scan user: %w", err)
	}
	u.ReputationTier = model.ReputationTier(tier)
	return &u, nil
}
