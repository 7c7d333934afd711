package projection

import (
	"context"
	"sync"

	"github.com/mmeshcher/bazaar-indexer/internal/event"
	"github.com/mmeshcher/bazaar-indexer/internal/model"
)

// MemStore — потокобезопасное хранилище сущностей в памяти.
// Используется в тестах и локальных прогонах вместо PostgreSQL.
// Load и Put работают с копиями, поэтому сущности вне обработчика неизменяемы.
type MemStore struct {
	mu sync.Mutex

	checkpoint    event.OrderingKey
	checkpointSet bool

	users     map[string]model.User
	listings  map[uint64]model.Listing
	purchases map[uint64]model.Purchase
	disputes  map[uint64]model.Dispute
	reviews   map[string]model.Review
	proposals map[uint64]model.Proposal
	votes     map[string]model.Vote
}

// NewMemStore создаёт пустое хранилище в памяти.
func NewMemStore() *MemStore {
	return &MemStore{
		users:     make(map[string]model.User),
		listings:  make(map[uint64]model.Listing),
		purchases: make(map[uint64]model.Purchase),
		disputes:  make(map[uint64]model.Dispute),
		reviews:   make(map[string]model.Review),
		proposals: make(map[uint64]model.Proposal),
		votes:     make(map[string]model.Vote),
	}
}

// Checkpoint возвращает ключ последнего применённого события.
func (s *MemStore) Checkpoint(ctx context.Context) (event.OrderingKey, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpoint, s.checkpointSet, nil
}

// SetCheckpoint сдвигает контрольную точку.
func (s *MemStore) SetCheckpoint(ctx context.Context, key event.OrderingKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoint = key
	s.checkpointSet = true
	return nil
}

// User возвращает копию пользователя по адресу.
func (s *MemStore) User(ctx context.Context, address string) (*model.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[address]
	if !ok {
		return nil, ErrNotFound
	}
	if u.FirstDealAt != nil {
		t := *u.FirstDealAt
		u.FirstDealAt = &t
	}
	return &u, nil
}

// PutUser сохраняет копию пользователя.
func (s *MemStore) PutUser(ctx context.Context, u *model.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *u
	if u.FirstDealAt != nil {
		t := *u.FirstDealAt
		cp.FirstDealAt = &t
	}
	s.users[u.Address] = cp
	return nil
}

// Listing возвращает копию объявления по идентификатору.
func (s *MemStore) Listing(ctx context.Context, id uint64) (*model.Listing, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.listings[id]
	if !ok {
		return nil, ErrNotFound
	}
	if l.Buyer != nil {
		b := *l.Buyer
		l.Buyer = &b
	}
	return &l, nil
}

// PutListing сохраняет копию объявления.
func (s *MemStore) PutListing(ctx context.Context, l *model.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *l
	if l.Buyer != nil {
		b := *l.Buyer
		cp.Buyer = &b
	}
	s.listings[l.ID] = cp
	return nil
}

// Purchase возвращает копию покупки по идентификатору.
func (s *MemStore) Purchase(ctx context.Context, id uint64) (*model.Purchase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.purchases[id]
	if !ok {
		return nil, ErrNotFound
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		p.CompletedAt = &t
	}
	return &p, nil
}

// PutPurchase сохраняет копию покупки.
func (s *MemStore) PutPurchase(ctx context.Context, p *model.Purchase) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *p
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		cp.CompletedAt = &t
	}
	s.purchases[p.ID] = cp
	return nil
}

// Dispute возвращает копию спора по идентификатору.
func (s *MemStore) Dispute(ctx context.Context, id uint64) (*model.Dispute, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.disputes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

// PutDispute сохраняет копию спора.
func (s *MemStore) PutDispute(ctx context.Context, d *model.Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disputes[d.ID] = *d
	return nil
}

// Review возвращает копию отзыва по идентификатору.
func (s *MemStore) Review(ctx context.Context, id string) (*model.Review, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reviews[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

// PutReview сохраняет копию отзыва.
func (s *MemStore) PutReview(ctx context.Context, r *model.Review) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reviews[r.ID] = *r
	return nil
}

// Proposal возвращает копию предложения по идентификатору.
func (s *MemStore) Proposal(ctx context.Context, id uint64) (*model.Proposal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.proposals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// PutProposal сохраняет копию предложения.
func (s *MemStore) PutProposal(ctx context.Context, p *model.Proposal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.proposals[p.ID] = *p
	return nil
}

// Vote возвращает копию голоса по идентификатору.
func (s *MemStore) Vote(ctx context.Context, id string) (*model.Vote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, ok := s.votes[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

// PutVote сохраняет копию голоса.
func (s *MemStore) PutVote(ctx context.Context, v *model.Vote) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.votes[v.ID] = *v
	return nil
}

// ReviewCount возвращает число сохранённых отзывов.
func (s *MemStore) ReviewCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reviews)
}
