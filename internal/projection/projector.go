package projection

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bazaar-indexer/internal/event"
	"github.com/mmeshcher/bazaar-indexer/internal/metrics"
	"github.com/mmeshcher/bazaar-indexer/internal/model"
	"github.com/mmeshcher/bazaar-indexer/internal/validation"
)

// Причины пропуска события для метрик и логов.
const (
	skipDuplicate         = "duplicate"
	skipGap               = "gap"
	skipInvalidTransition = "invalid_transition"
	skipBadPayload        = "bad_payload"
)

type handlerFunc func(ctx context.Context, st Store, env event.Envelope) error

// Projector сопоставляет типам событий обработчики и применяет события
// строго в порядке ключей упорядочивания. Повторное применение события
// с тем же ключом не изменяет состояние.
type Projector struct {
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
	handlers map[event.Kind]handlerFunc
}

// NewProjector создаёт диспетчер с зарегистрированными обработчиками
// всех поддерживаемых типов событий.
func NewProjector(logger *zap.SugaredLogger, m *metrics.Metrics) *Projector {
	p := &Projector{
		logger:  logger,
		metrics: m,
	}

	p.handlers = map[event.Kind]handlerFunc{
		event.KindListingCreated:  p.handleListingCreated,
		event.KindListingUpdated:  p.handleListingUpdated,
		event.KindEscrowInitiated: p.handleEscrowInitiated,
		event.KindEscrowCompleted: p.handleEscrowCompleted,
		event.KindDisputeOpened:   p.handleDisputeOpened,
		event.KindDisputeResolved: p.handleDisputeResolved,
		event.KindReviewSubmitted: p.handleReviewSubmitted,
		event.KindProposalCreated: p.handleProposalCreated,
		event.KindVoteCast:        p.handleVoteCast,
	}

	return p
}

// Apply применяет одно событие к хранилищу. Событие с ключом, не превышающим
// контрольную точку, пропускается без изменений. Событие неизвестного типа
// логируется и пропускается, но контрольная точка сдвигается, чтобы
// после рестарта оно не запрашивалось повторно. Ошибку возвращают только
// сбои хранилища: в этом случае вся единица применения откатывается.
func (p *Projector) Apply(ctx context.Context, st Store, env event.Envelope) error {
	cp, ok, err := st.Checkpoint(ctx)
	if err != nil {
		return err
	}
	if ok && !env.Key.After(cp) {
		p.logger.Infow("skipping replayed event",
			"kind", env.Kind, "key", env.Key.String(), "checkpoint", cp.String())
		p.metrics.EventsSkipped.WithLabelValues(string(env.Kind), skipDuplicate).Inc()
		return nil
	}

	handler, ok := p.handlers[env.Kind]
	if !ok {
		p.logger.Warnw("unknown event kind, ignoring", "kind", env.Kind, "key", env.Key.String())
		p.metrics.UnknownEvents.Inc()
	} else if err := handler(ctx, st, env); err != nil {
		return err
	}

	// Счётчик применённых событий и указатель последнего блока ведёт
	// потребитель после фиксации транзакции: здесь она ещё не завершена.
	return st.SetCheckpoint(ctx, env.Key)
}

// skip фиксирует пропуск события в логе и метриках.
func (p *Projector) skip(env event.Envelope, reason, detail string) {
	p.logger.Warnw("event skipped",
		"kind", env.Kind, "key", env.Key.String(), "reason", reason, "detail", detail)
	p.metrics.EventsSkipped.WithLabelValues(string(env.Kind), reason).Inc()
	if reason == skipInvalidTransition {
		p.metrics.InvalidTransitions.Inc()
	}
}

// ensureUser загружает пользователя или лениво создаёт его при первом
// упоминании. JoinedAt выставляется временем первого события и далее
// не изменяется.
func (p *Projector) ensureUser(ctx context.Context, st Store, address string, at time.Time) (*model.User, error) {
	u, err := st.User(ctx, address)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	u = &model.User{
		Address:        address,
		ReputationTier: model.TierNone,
		JoinedAt:       at,
	}
	return u, nil
}

func (p *Projector) handleListingCreated(ctx context.Context, st Store, env event.Envelope) error {
	var payload event.ListingCreatedPayload
	if err := event.DecodePayload(env, &payload); err != nil {
		p.skip(env, skipBadPayload, err.Error())
		return nil
	}

	seller, err := event.NormalizeAddress(payload.Seller)
	if err != nil {
		p.skip(env, skipBadPayload, err.Error())
		return nil
	}
	if payload.Price <= 0 {
		p.skip(env, skipBadPayload, "listing price must be positive")
		return nil
	}
	if payload.IPFSCid != "" && !validation.IsValidCID(payload.IPFSCid) {
		p.skip(env, skipBadPayload, "malformed content identifier")
		return nil
	}

	if _, err := st.Listing(ctx, payload.ListingID); err == nil {
		p.skip(env, skipDuplicate, "listing already exists")
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	u, err := p.ensureUser(ctx, st, seller, env.Time)
	if err != nil {
		return err
	}
	if err := st.PutUser(ctx, u); err != nil {
		return err
	}

	return st.PutListing(ctx, &model.Listing{
		ID:        payload.ListingID,
		Seller:    seller,
		Token:     payload.Token,
		Price:     payload.Price,
		Quantity:  payload.Quantity,
		Currency:  payload.Currency,
		IPFSCid:   payload.IPFSCid,
		Status:    model.ListingStatusActive,
		CreatedAt: env.Time,
		UpdatedAt: env.Time,
	})
}

func (p *Projector) handleListingUpdated(ctx context.Context, st Store, env event.Envelope) error {
	var payload event.ListingUpdatedPayload
	if err := event.DecodePayload(env, &payload); err != nil {
		p.skip(env, skipBadPayload, err.Error())
		return nil
	}
	if payload.Price <= 0 {
		p.skip(env, skipBadPayload, "listing price must be positive")
		return nil
	}

	l, err := st.Listing(ctx, payload.ListingID)
	if errors.Is(err, ErrNotFound) {
		p.skip(env, skipGap, "listing not found")
		return nil
	}
	if err != nil {
		return err
	}

	l.Price = payload.Price
	l.Quantity = payload.Quantity
	l.UpdatedAt = env.Time

	return st.PutListing(ctx, l)
}

func (p *Projector) handleEscrowInitiated(ctx context.Context, st Store, env event.Envelope) error {
	var payload event.EscrowInitiatedPayload
	if err := event.DecodePayload(env, &payload); err != nil {
		p.skip(env, skipBadPayload, err.Error())
		return nil
	}

	buyer, err := event.NormalizeAddress(payload.Buyer)
	if err != nil {
		p.skip(env, skipBadPayload, err.Error())
		return nil
	}

	if _, err := st.Purchase(ctx, payload.EscrowID); err == nil {
		p.skip(env, skipDuplicate, "purchase already exists")
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	l, err := st.Listing(ctx, payload.ListingID)
	if errors.Is(err, ErrNotFound) {
		p.skip(env, skipGap, "listing not found")
		return nil
	}
	if err != nil {
		return err
	}

	// У объявления может быть не более одной незавершённой покупки.
	// Леджер обязан это гарантировать, но проекция не должна портить
	// состояние, если гарантия нарушена.
	if l.Status != model.ListingStatusActive {
		p.skip(env, skipInvalidTransition, "listing is not active")
		return nil
	}

	b, err := p.ensureUser(ctx, st, buyer, env.Time)
	if err != nil {
		return err
	}
	if b.FirstDealAt == nil {
		t := env.Time
		b.FirstDealAt = &t
	}
	if err := st.PutUser(ctx, b); err != nil {
		return err
	}

	if err := st.PutPurchase(ctx, &model.Purchase{
		ID:        payload.EscrowID,
		ListingID: payload.ListingID,
		Buyer:     buyer,
		Seller:    l.Seller,
		Amount:    payload.Amount,
		Token:     payload.Token,
		Status:    model.PurchaseStatusFunded,
		CreatedAt: env.Time,
	}); err != nil {
		return err
	}

	l.Status = model.ListingStatusInEscrow
	l.Buyer = &buyer
	l.UpdatedAt = env.Time

	return st.PutListing(ctx, l)
}

func (p *Projector) handleEscrowCompleted(ctx context.Context, st Store, env event.Envelope) error {
	var payload event.EscrowCompletedPayload
	if err := event.DecodePayload(env, &payload); err != nil {
		p.skip(env, skipBadPayload, err.Error())
		return nil
	}

	purchase, err := st.Purchase(ctx, payload.EscrowID)
	if errors.Is(err, ErrNotFound) {
		p.skip(env, skipGap, "purchase not found")
		return nil
	}
	if err != nil {
		return err
	}

	if !CanTransition(purchase.Status, model.PurchaseStatusCompleted) {
		p.skip(env, skipInvalidTransition, "purchase is not funded")
		return nil
	}

	purchase.Status = model.PurchaseStatusCompleted
	t := env.Time
	purchase.CompletedAt = &t
	if err := st.PutPurchase(ctx, purchase); err != nil {
		return err
	}

	l, err := st.Listing(ctx, purchase.ListingID)
	if err == nil {
		l.Status = model.ListingStatusSold
		l.UpdatedAt = env.Time
		if err := st.PutListing(ctx, l); err != nil {
			return err
		}
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	seller, err := p.ensureUser(ctx, st, purchase.Seller, env.Time)
	if err != nil {
		return err
	}
	seller.TotalSales++
	seller.TotalVolume += purchase.Amount
	if seller.FirstDealAt == nil {
		seller.FirstDealAt = &t
	}
	if err := st.PutUser(ctx, seller); err != nil {
		return err
	}

	buyer, err := p.ensureUser(ctx, st, purchase.Buyer, env.Time)
	if err != nil {
		return err
	}
	buyer.TotalPurchases++
	return st.PutUser(ctx, buyer)
}

func (p *Projector) handleDisputeOpened(ctx context.Context, st Store, env event.Envelope) error {
	var payload event.DisputeOpenedPayload
	if err := event.DecodePayload(env, &payload); err != nil {
		p.skip(env, skipBadPayload, err.Error())
		return nil
	}

	initiator, err := event.NormalizeAddress(payload.Initiator)
	if err != nil {
		p.skip(env, skipBadPayload, err.Error())
		return nil
	}

	if _, err := st.Dispute(ctx, payload.DisputeID); err == nil {
		p.skip(env, skipDuplicate, "dispute already exists")
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	purchase, err := st.Purchase(ctx, payload.EscrowID)
	if errors.Is(err, ErrNotFound) {
		p.skip(env, skipGap, "purchase not found")
		return nil
	}
	if err != nil {
		return err
	}

	// Переход Funded -> Disputed заодно гарантирует не более одного
	// открытого спора на покупку.
	if !CanTransition(purchase.Status, model.PurchaseStatusDisputed) {
		p.skip(env, skipInvalidTransition, "purchase is not funded")
		return nil
	}

	purchase.Status = model.PurchaseStatusDisputed
	if err := st.PutPurchase(ctx, purchase); err != nil {
		return err
	}

	u, err := p.ensureUser(ctx, st, initiator, env.Time)
	if err != nil {
		return err
	}
	if err := st.PutUser(ctx, u); err != nil {
		return err
	}

	return st.PutDispute(ctx, &model.Dispute{
		ID:         payload.DisputeID,
		PurchaseID: payload.EscrowID,
		Initiator:  initiator,
		ReasonCid:  payload.ReasonCid,
		Status:     model.DisputeStatusRecruiting,
		CreatedAt:  env.Time,
	})
}

func (p *Projector) handleDisputeResolved(ctx context.Context, st Store, env event.Envelope) error {
	var payload event.DisputeResolvedPayload
	if err := event.DecodePayload(env, &payload); err != nil {
		p.skip(env, skipBadPayload, err.Error())
		return nil
	}

	d, err := st.Dispute(ctx, payload.DisputeID)
	if errors.Is(err, ErrNotFound) {
		p.skip(env, skipGap, "dispute not found")
		return nil
	}
	if err != nil {
		return err
	}
	if d.Status != model.DisputeStatusRecruiting {
		p.skip(env, skipInvalidTransition, "dispute already resolved")
		return nil
	}

	purchase, err := st.Purchase(ctx, d.PurchaseID)
	if errors.Is(err, ErrNotFound) {
		p.skip(env, skipGap, "purchase not found")
		return nil
	}
	if err != nil {
		return err
	}
	if !CanTransition(purchase.Status, model.PurchaseStatusResolved) {
		p.skip(env, skipInvalidTransition, "purchase is not disputed")
		return nil
	}

	purchase.Status = model.PurchaseStatusResolved
	if err := st.PutPurchase(ctx, purchase); err != nil {
		return err
	}

	d.Status = model.DisputeStatusResolved
	d.Outcome = string(payload.Outcome)
	if err := st.PutDispute(ctx, d); err != nil {
		return err
	}

	// Статус объявления меняется только если леджер сообщил исход.
	// Без исхода в событии проекция оставляет объявление как есть.
	if payload.Outcome == "" {
		return nil
	}

	l, err := st.Listing(ctx, purchase.ListingID)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch payload.Outcome {
	case event.OutcomeRelease:
		l.Status = model.ListingStatusSold
	case event.OutcomeRefund:
		l.Status = model.ListingStatusArchived
	default:
		return nil
	}
	l.UpdatedAt = env.Time

	return st.PutListing(ctx, l)
}

func (p *Projector) handleReviewSubmitted(ctx context.Context, st Store, env event.Envelope) error {
	var payload event.ReviewSubmittedPayload
	if err := event.DecodePayload(env, &payload); err != nil {
		p.skip(env, skipBadPayload, err.Error())
		return nil
	}
	if payload.Rating < 0 || payload.Rating > 100 {
		p.skip(env, skipBadPayload, "rating out of range")
		return nil
	}

	reviewer, err := event.NormalizeAddress(payload.Reviewer)
	if err != nil {
		p.skip(env, skipBadPayload, err.Error())
		return nil
	}
	subject, err := event.NormalizeAddress(payload.Subject)
	if err != nil {
		p.skip(env, skipBadPayload, err.Error())
		return nil
	}

	id := model.ReviewID(env.TxHash, env.Key.LogIndex)
	if _, err := st.Review(ctx, id); err == nil {
		p.skip(env, skipDuplicate, "review already exists")
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	if _, err := st.Purchase(ctx, payload.EscrowID); errors.Is(err, ErrNotFound) {
		p.skip(env, skipGap, "purchase not found")
		return nil
	} else if err != nil {
		return err
	}

	if err := st.PutReview(ctx, &model.Review{
		ID:         id,
		PurchaseID: payload.EscrowID,
		Reviewer:   reviewer,
		Subject:    subject,
		Rating:     payload.Rating,
		CommentCid: payload.CommentCid,
		CreatedAt:  env.Time,
	}); err != nil {
		return err
	}

	author, err := p.ensureUser(ctx, st, reviewer, env.Time)
	if err != nil {
		return err
	}
	if err := st.PutUser(ctx, author); err != nil {
		return err
	}

	u, err := p.ensureUser(ctx, st, subject, env.Time)
	if err != nil {
		return err
	}
	ApplyRating(u, payload.Rating)
	return st.PutUser(ctx, u)
}

func (p *Projector) handleProposalCreated(ctx context.Context, st Store, env event.Envelope) error {
	var payload event.ProposalCreatedPayload
	if err := event.DecodePayload(env, &payload); err != nil {
		p.skip(env, skipBadPayload, err.Error())
		return nil
	}

	proposer, err := event.NormalizeAddress(payload.Proposer)
	if err != nil {
		p.skip(env, skipBadPayload, err.Error())
		return nil
	}

	if _, err := st.Proposal(ctx, payload.ProposalID); err == nil {
		p.skip(env, skipDuplicate, "proposal already exists")
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}

	u, err := p.ensureUser(ctx, st, proposer, env.Time)
	if err != nil {
		return err
	}
	if err := st.PutUser(ctx, u); err != nil {
		return err
	}

	return st.PutProposal(ctx, &model.Proposal{
		ID:             payload.ProposalID,
		Proposer:       proposer,
		DescriptionCid: payload.DescriptionCid,
		StartBlock:     payload.StartBlock,
		EndBlock:       payload.EndBlock,
		CreatedAt:      env.Time,
	})
}

func (p *Projector) handleVoteCast(ctx context.Context, st Store, env event.Envelope) error {
	var payload event.VoteCastPayload
	if err := event.DecodePayload(env, &payload); err != nil {
		p.skip(env, skipBadPayload, err.Error())
		return nil
	}

	voter, err := event.NormalizeAddress(payload.Voter)
	if err != nil {
		p.skip(env, skipBadPayload, err.Error())
		return nil
	}

	proposal, err := st.Proposal(ctx, payload.ProposalID)
	if errors.Is(err, ErrNotFound) {
		p.skip(env, skipGap, "proposal not found")
		return nil
	}
	if err != nil {
		return err
	}

	id := model.VoteID(payload.ProposalID, voter)

	var prior *model.Vote
	switch v, err := st.Vote(ctx, id); {
	case err == nil:
		prior = v
	case errors.Is(err, ErrNotFound):
	default:
		return err
	}

	ApplyVoteTally(proposal, prior, payload.Support, payload.Weight)
	if err := st.PutProposal(ctx, proposal); err != nil {
		return err
	}

	u, err := p.ensureUser(ctx, st, voter, env.Time)
	if err != nil {
		return err
	}
	if err := st.PutUser(ctx, u); err != nil {
		return err
	}

	return st.PutVote(ctx, &model.Vote{
		ID:         id,
		ProposalID: payload.ProposalID,
		Voter:      voter,
		Support:    payload.Support,
		Weight:     payload.Weight,
		CastAt:     env.Time,
	})
}
