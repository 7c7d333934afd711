package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/bazaar-indexer/internal/event"
	"github.com/mmeshcher/bazaar-indexer/internal/model"
	"github.com/mmeshcher/bazaar-indexer/internal/projection"
)

// txStore реализует projection.Store в рамках одной транзакции.
// Загрузки блокируют строку (FOR UPDATE), чтобы чтение-изменение-запись
// сущности было атомарным при конкурентных источниках событий.
type txStore struct {
	tx pgx.Tx
}

// Checkpoint возвращает контрольную точку, блокируя её строку
// до конца транзакции.
func (s *txStore) Checkpoint(ctx context.Context) (event.OrderingKey, bool, error) {
	var key event.OrderingKey
	err := s.tx.QueryRow(ctx,
		`SELECT block, tx_index, log_index FROM checkpoint WHERE id FOR UPDATE`,
	).Scan(&key.Block, &key.TxIndex, &key.LogIndex)
	if errors.Is(err, pgx.ErrNoRows) {
		return event.OrderingKey{}, false, nil
	}
	if err != nil {
		return event.OrderingKey{}, false, fmt.Errorf("select checkpoint: %w", err)
	}
	return key, true, nil
}

// SetCheckpoint сдвигает контрольную точку в текущей транзакции.
func (s *txStore) SetCheckpoint(ctx context.Context, key event.OrderingKey) error {
	_, err := s.tx.Exec(ctx,
		`INSERT INTO checkpoint (id, block, tx_index, log_index)
		 VALUES (TRUE, $1, $2, $3)
		 ON CONFLICT (id) DO UPDATE SET
		   block = EXCLUDED.block,
		   tx_index = EXCLUDED.tx_index,
		   log_index = EXCLUDED.log_index`,
		key.Block, key.TxIndex, key.LogIndex,
	)
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}

// User загружает пользователя с блокировкой строки.
func (s *txStore) User(ctx context.Context, address string) (*model.User, error) {
	row := s.tx.QueryRow(ctx,
		`SELECT address, total_sales, total_purchases, total_volume, average_rating,
		        review_count, good_reviews_count, bad_reviews_count, reputation_tier,
		        joined_at, first_deal_at
		 FROM users WHERE address = $1 FOR UPDATE`,
		address,
	)
	return scanUser(row)
}

// PutUser сохраняет пользователя. joined_at неизменяем после создания,
// first_deal_at выставляется ровно один раз.
func (s *txStore) PutUser(ctx context.Context, u *model.User) error {
	_, err := s.tx.Exec(ctx,
		`INSERT INTO users (address, total_sales, total_purchases, total_volume,
		                    average_rating, review_count, good_reviews_count,
		                    bad_reviews_count, reputation_tier, joined_at, first_deal_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (address) DO UPDATE SET
		   total_sales = EXCLUDED.total_sales,
		   total_purchases = EXCLUDED.total_purchases,
		   total_volume = EXCLUDED.total_volume,
		   average_rating = EXCLUDED.average_rating,
		   review_count = EXCLUDED.review_count,
		   good_reviews_count = EXCLUDED.good_reviews_count,
		   bad_reviews_count = EXCLUDED.bad_reviews_count,
		   reputation_tier = EXCLUDED.reputation_tier,
		   first_deal_at = COALESCE(users.first_deal_at, EXCLUDED.first_deal_at)`,
		u.Address, u.TotalSales, u.TotalPurchases, u.TotalVolume, u.AverageRating,
		u.ReviewCount, u.GoodReviewsCount, u.BadReviewsCount, string(u.ReputationTier),
		u.JoinedAt, u.FirstDealAt,
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// Listing загружает объявление с блокировкой строки.
func (s *txStore) Listing(ctx context.Context, id uint64) (*model.Listing, error) {
	var (
		l      model.Listing
		status string
	)
	err := s.tx.QueryRow(ctx,
		`SELECT id, seller, token, price, quantity, currency, ipfs_cid, status, buyer, created_at, updated_at
		 FROM listings WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&l.ID, &l.Seller, &l.Token, &l.Price, &l.Quantity, &l.Currency,
		&l.IPFSCid, &status, &l.Buyer, &l.CreatedAt, &l.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, projection.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select listing: %w", err)
	}
	l.Status = model.ListingStatus(status)
	return &l, nil
}

// PutListing сохраняет объявление. ipfs_cid и created_at неизменяемы.
func (s *txStore) PutListing(ctx context.Context, l *model.Listing) error {
	_, err := s.tx.Exec(ctx,
		`INSERT INTO listings (id, seller, token, price, quantity, currency,
		                       ipfs_cid, status, buyer, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO UPDATE SET
		   price = EXCLUDED.price,
		   quantity = EXCLUDED.quantity,
		   status = EXCLUDED.status,
		   buyer = EXCLUDED.buyer,
		   updated_at = EXCLUDED.updated_at`,
		l.ID, l.Seller, l.Token, l.Price, l.Quantity, l.Currency,
		l.IPFSCid, string(l.Status), l.Buyer, l.CreatedAt, l.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert listing: %w", err)
	}
	return nil
}

// Purchase загружает покупку с блокировкой строки.
func (s *txStore) Purchase(ctx context.Context, id uint64) (*model.Purchase, error) {
	var (
		p      model.Purchase
		status string
	)
	err := s.tx.QueryRow(ctx,
		`SELECT id, listing_id, buyer, seller, amount, token, status, created_at, completed_at
		 FROM purchases WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&p.ID, &p.ListingID, &p.Buyer, &p.Seller, &p.Amount, &p.Token,
		&status, &p.CreatedAt, &p.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, projection.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select purchase: %w", err)
	}
	p.Status = model.PurchaseStatus(status)
	return &p, nil
}

// PutPurchase сохраняет покупку. Ссылки и сумма неизменяемы,
// completed_at выставляется ровно один раз.
func (s *txStore) PutPurchase(ctx context.Context, p *model.Purchase) error {
	_, err := s.tx.Exec(ctx,
		`INSERT INTO purchases (id, listing_id, buyer, seller, amount, token,
		                        status, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   completed_at = COALESCE(purchases.completed_at, EXCLUDED.completed_at)`,
		p.ID, p.ListingID, p.Buyer, p.Seller, p.Amount, p.Token,
		string(p.Status), p.CreatedAt, p.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert purchase: %w", err)
	}
	return nil
}

// Dispute загружает спор с блокировкой строки.
func (s *txStore) Dispute(ctx context.Context, id uint64) (*model.Dispute, error) {
	var (
		d      model.Dispute
		status string
	)
	err := s.tx.QueryRow(ctx,
		`SELECT id, purchase_id, initiator, reason_cid, status, outcome, created_at
		 FROM disputes WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&d.ID, &d.PurchaseID, &d.Initiator, &d.ReasonCid, &status, &d.Outcome, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, projection.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select dispute: %w", err)
	}
	d.Status = model.DisputeStatus(status)
	return &d, nil
}

// PutDispute сохраняет спор.
func (s *txStore) PutDispute(ctx context.Context, d *model.Dispute) error {
	_, err := s.tx.Exec(ctx,
		`INSERT INTO disputes (id, purchase_id, initiator, reason_cid, status, outcome, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   outcome = EXCLUDED.outcome`,
		d.ID, d.PurchaseID, d.Initiator, d.ReasonCid, string(d.Status), d.Outcome, d.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert dispute: %w", err)
	}
	return nil
}

// Review загружает отзыв по синтетическому идентификатору.
func (s *txStore) Review(ctx context.Context, id string) (*model.Review, error) {
	var r model.Review
	err := s.tx.QueryRow(ctx,
		`SELECT id, purchase_id, reviewer, subject, rating, comment_cid, created_at
		 FROM reviews WHERE id = $1`,
		id,
	).Scan(&r.ID, &r.PurchaseID, &r.Reviewer, &r.Subject, &r.Rating, &r.CommentCid, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, projection.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select review: %w", err)
	}
	return &r, nil
}

// PutReview сохраняет отзыв. Отзывы только добавляются и не изменяются.
func (s *txStore) PutReview(ctx context.Context, r *model.Review) error {
	_, err := s.tx.Exec(ctx,
		`INSERT INTO reviews (id, purchase_id, reviewer, subject, rating, comment_cid, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO NOTHING`,
		r.ID, r.PurchaseID, r.Reviewer, r.Subject, r.Rating, r.CommentCid, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert review: %w", err)
	}
	return nil
}

// Proposal загружает предложение с блокировкой строки.
func (s *txStore) Proposal(ctx context.Context, id uint64) (*model.Proposal, error) {
	var p model.Proposal
	err := s.tx.QueryRow(ctx,
		`SELECT id, proposer, description_cid, start_block, end_block,
		        votes_for, votes_against, created_at
		 FROM proposals WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&p.ID, &p.Proposer, &p.DescriptionCid, &p.StartBlock, &p.EndBlock,
		&p.VotesFor, &p.VotesAgainst, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, projection.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select proposal: %w", err)
	}
	return &p, nil
}

// PutProposal сохраняет предложение.
func (s *txStore) PutProposal(ctx context.Context, p *model.Proposal) error {
	_, err := s.tx.Exec(ctx,
		`INSERT INTO proposals (id, proposer, description_cid, start_block, end_block,
		                        votes_for, votes_against, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
		   votes_for = EXCLUDED.votes_for,
		   votes_against = EXCLUDED.votes_against`,
		p.ID, p.Proposer, p.DescriptionCid, p.StartBlock, p.EndBlock,
		p.VotesFor, p.VotesAgainst, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert proposal: %w", err)
	}
	return nil
}

// Vote загружает голос по синтетическому идентификатору с блокировкой строки.
func (s *txStore) Vote(ctx context.Context, id string) (*model.Vote, error) {
	var v model.Vote
	err := s.tx.QueryRow(ctx,
		`SELECT id, proposal_id, voter, support, weight, cast_at
		 FROM votes WHERE id = $1 FOR UPDATE`,
		id,
	).Scan(&v.ID, &v.ProposalID, &v.Voter, &v.Support, &v.Weight, &v.CastAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, projection.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select vote: %w", err)
	}
	return &v, nil
}

// PutVote сохраняет голос. Повторный голос той же пары
// (предложение, голосующий) заменяет прежний.
func (s *txStore) PutVote(ctx context.Context, v *model.Vote) error {
	_, err := s.tx.Exec(ctx,
		`INSERT INTO votes (id, proposal_id, voter, support, weight, cast_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   support = EXCLUDED.support,
		   weight = EXCLUDED.weight,
		   cast_at = EXCLUDED.cast_at`,
		v.ID, v.ProposalID, v.Voter, v.Support, v.Weight, v.CastAt,
	)
	if err != nil {
		return fmt.Errorf("upsert vote: %w", err)
	}
	return nil
}
