// Package projection реализует применение событий леджера к материализованным сущностям.
package projection

import (
	"context"
	"errors"

	"github.com/mmeshcher/bazaar-indexer/internal/event"
	"github.com/mmeshcher/bazaar-indexer/internal/model"
)

// ErrNotFound возвращается хранилищем, если сущность отсутствует.
var ErrNotFound = errors.New("entity not found")

// Store описывает контракт хранилища сущностей в рамках одной атомарной
// единицы применения события: все изменения и сдвиг контрольной точки
// фиксируются вместе либо откатываются целиком.
type Store interface {
	// Checkpoint возвращает ключ последнего применённого события.
	// Второе значение false означает, что события ещё не применялись.
	Checkpoint(ctx context.Context) (event.OrderingKey, bool, error)
	// SetCheckpoint сдвигает контрольную точку в рамках текущей единицы.
	SetCheckpoint(ctx context.Context, key event.OrderingKey) error

	User(ctx context.Context, address string) (*model.User, error)
	PutUser(ctx context.Context, u *model.User) error

	Listing(ctx context.Context, id uint64) (*model.Listing, error)
	PutListing(ctx context.Context, l *model.Listing) error

	Purchase(ctx context.Context, id uint64) (*model.Purchase, error)
	PutPurchase(ctx context.Context, p *model.Purchase) error

	Dispute(ctx context.Context, id uint64) (*model.Dispute, error)
	PutDispute(ctx context.Context, d *model.Dispute) error

	Review(ctx context.Context, id string) (*model.Review, error)
	PutReview(ctx context.Context, r *model.Review) error

	Proposal(ctx context.Context, id uint64) (*model.Proposal, error)
	PutProposal(ctx context.Context, p *model.Proposal) error

	Vote(ctx context.Context, id string) (*model.Vote, error)
	PutVote(ctx context.Context, v *model.Vote) error
}
