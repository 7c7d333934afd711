package projection

import (
	"context"
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mmeshcher/bazaar-indexer/internal/event"
	"github.com/mmeshcher/bazaar-indexer/internal/metrics"
	"github.com/mmeshcher/bazaar-indexer/internal/model"
)

const (
	sellerAddr = "0x00000000000000000000000000000000000000a1"
	buyerAddr  = "0x00000000000000000000000000000000000000b2"
	voterAddr  = "0x00000000000000000000000000000000000000c3"
)

func newProjector(t *testing.T) *Projector {
	t.Helper()
	return NewProjector(zap.NewNop().Sugar(), metrics.New(prometheus.NewRegistry()))
}

func envelope(t *testing.T, kind event.Kind, key event.OrderingKey, payload any) event.Envelope {
	t.Helper()

	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}

	return event.Envelope{
		Kind:    kind,
		Key:     key,
		TxHash:  common.HexToHash("0xdead"),
		Time:    time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC).Add(time.Duration(key.Block) * time.Second),
		Payload: raw,
	}
}

func key(block uint64) event.OrderingKey {
	return event.OrderingKey{Block: block}
}

func mustApply(t *testing.T, p *Projector, st Store, env event.Envelope) {
	t.Helper()
	if err := p.Apply(context.Background(), st, env); err != nil {
		t.Fatalf("apply %s at %s: %v", env.Kind, env.Key.String(), err)
	}
}

func listingCreated(t *testing.T, block uint64, listingID uint64, price int64) event.Envelope {
	return envelope(t, event.KindListingCreated, key(block), event.ListingCreatedPayload{
		ListingID: listingID,
		Seller:    sellerAddr,
		Token:     "BZR",
		Price:     price,
		Quantity:  1,
		Currency:  "BZR",
	})
}

func escrowInitiated(t *testing.T, block uint64, escrowID, listingID uint64, amount int64) event.Envelope {
	return envelope(t, event.KindEscrowInitiated, key(block), event.EscrowInitiatedPayload{
		EscrowID:  escrowID,
		ListingID: listingID,
		Buyer:     buyerAddr,
		Amount:    amount,
		Token:     "BZR",
	})
}

func escrowCompleted(t *testing.T, block uint64, escrowID uint64) event.Envelope {
	return envelope(t, event.KindEscrowCompleted, key(block), event.EscrowCompletedPayload{
		EscrowID: escrowID,
	})
}

func TestEscrowLifecycleScenario(t *testing.T) {
	p := newProjector(t)
	st := NewMemStore()
	ctx := context.Background()

	mustApply(t, p, st, listingCreated(t, 1, 1, 1000000))

	l, err := st.Listing(ctx, 1)
	if err != nil {
		t.Fatalf("listing after creation: %v", err)
	}
	if l.Status != model.ListingStatusActive {
		t.Fatalf("listing status = %s, want %s", l.Status, model.ListingStatusActive)
	}

	mustApply(t, p, st, escrowInitiated(t, 2, 1, 1, 1000000))

	l, _ = st.Listing(ctx, 1)
	if l.Status != model.ListingStatusInEscrow {
		t.Fatalf("listing status = %s, want %s", l.Status, model.ListingStatusInEscrow)
	}
	if l.Buyer == nil || *l.Buyer != buyerAddr {
		t.Fatalf("listing buyer = %v, want %s", l.Buyer, buyerAddr)
	}

	purchase, err := st.Purchase(ctx, 1)
	if err != nil {
		t.Fatalf("purchase after initiation: %v", err)
	}
	if purchase.Status != model.PurchaseStatusFunded {
		t.Fatalf("purchase status = %s, want %s", purchase.Status, model.PurchaseStatusFunded)
	}

	buyer, err := st.User(ctx, buyerAddr)
	if err != nil {
		t.Fatalf("buyer after initiation: %v", err)
	}
	if buyer.FirstDealAt == nil {
		t.Fatalf("buyer firstDealAt must be set on purchase initiation")
	}

	mustApply(t, p, st, escrowCompleted(t, 3, 1))

	purchase, _ = st.Purchase(ctx, 1)
	if purchase.Status != model.PurchaseStatusCompleted {
		t.Fatalf("purchase status = %s, want %s", purchase.Status, model.PurchaseStatusCompleted)
	}
	if purchase.CompletedAt == nil {
		t.Fatalf("completedAt must be set on completion")
	}

	l, _ = st.Listing(ctx, 1)
	if l.Status != model.ListingStatusSold {
		t.Fatalf("listing status = %s, want %s", l.Status, model.ListingStatusSold)
	}

	seller, err := st.User(ctx, sellerAddr)
	if err != nil {
		t.Fatalf("seller after completion: %v", err)
	}
	if seller.TotalSales != 1 {
		t.Fatalf("seller totalSales = %d, want 1", seller.TotalSales)
	}
	if seller.TotalVolume != 1000000 {
		t.Fatalf("seller totalVolume = %d, want 1000000", seller.TotalVolume)
	}
	if seller.FirstDealAt == nil {
		t.Fatalf("seller firstDealAt must be set on completion")
	}

	buyer, _ = st.User(ctx, buyerAddr)
	if buyer.TotalPurchases != 1 {
		t.Fatalf("buyer totalPurchases = %d, want 1", buyer.TotalPurchases)
	}
}

func TestApplyIdempotence(t *testing.T) {
	p := newProjector(t)
	st := NewMemStore()
	ctx := context.Background()

	created := listingCreated(t, 1, 1, 500)
	mustApply(t, p, st, created)

	first, err := st.Listing(ctx, 1)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	cpFirst, _, _ := st.Checkpoint(ctx)

	// Повторная доставка того же события не меняет состояние.
	mustApply(t, p, st, created)

	second, _ := st.Listing(ctx, 1)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("replay changed listing: %+v vs %+v", first, second)
	}

	cpSecond, _, _ := st.Checkpoint(ctx)
	if cpSecond != cpFirst {
		t.Fatalf("replay moved checkpoint: %s vs %s", cpSecond.String(), cpFirst.String())
	}
}

func TestOrderSensitivity(t *testing.T) {
	p := newProjector(t)
	st := NewMemStore()
	ctx := context.Background()

	// Завершение без предшествующего открытия — no-op из-за отсутствия покупки.
	mustApply(t, p, st, escrowCompleted(t, 1, 7))

	if _, err := st.Purchase(ctx, 7); err != ErrNotFound {
		t.Fatalf("purchase must not exist, got err=%v", err)
	}
	if _, err := st.User(ctx, sellerAddr); err != ErrNotFound {
		t.Fatalf("seller must not be created by a skipped event, got err=%v", err)
	}

	// Но контрольная точка продвигается, чтобы событие не перечитывалось.
	cp, ok, _ := st.Checkpoint(ctx)
	if !ok || cp != key(1) {
		t.Fatalf("checkpoint = %v ok=%v, want %s", cp, ok, key(1).String())
	}
}

func TestSecondPurchaseForListingInEscrowIgnored(t *testing.T) {
	p := newProjector(t)
	st := NewMemStore()
	ctx := context.Background()

	mustApply(t, p, st, listingCreated(t, 1, 1, 100))
	mustApply(t, p, st, escrowInitiated(t, 2, 1, 1, 100))
	mustApply(t, p, st, escrowInitiated(t, 3, 2, 1, 100))

	if _, err := st.Purchase(ctx, 2); err != ErrNotFound {
		t.Fatalf("second purchase for escrowed listing must be ignored, got err=%v", err)
	}

	l, _ := st.Listing(ctx, 1)
	if l.Status != model.ListingStatusInEscrow {
		t.Fatalf("listing status = %s, want %s", l.Status, model.ListingStatusInEscrow)
	}
}

func TestDisputeLifecycle(t *testing.T) {
	p := newProjector(t)
	st := NewMemStore()
	ctx := context.Background()

	mustApply(t, p, st, listingCreated(t, 1, 1, 100))
	mustApply(t, p, st, escrowInitiated(t, 2, 1, 1, 100))
	mustApply(t, p, st, envelope(t, event.KindDisputeOpened, key(3), event.DisputeOpenedPayload{
		DisputeID: 10,
		EscrowID:  1,
		Initiator: buyerAddr,
	}))

	purchase, _ := st.Purchase(ctx, 1)
	if purchase.Status != model.PurchaseStatusDisputed {
		t.Fatalf("purchase status = %s, want %s", purchase.Status, model.PurchaseStatusDisputed)
	}

	d, err := st.Dispute(ctx, 10)
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if d.Status != model.DisputeStatusRecruiting {
		t.Fatalf("dispute status = %s, want %s", d.Status, model.DisputeStatusRecruiting)
	}

	// Второй спор по той же покупке игнорируется: покупка уже не Funded.
	mustApply(t, p, st, envelope(t, event.KindDisputeOpened, key(4), event.DisputeOpenedPayload{
		DisputeID: 11,
		EscrowID:  1,
		Initiator: buyerAddr,
	}))
	if _, err := st.Dispute(ctx, 11); err != ErrNotFound {
		t.Fatalf("second dispute must be ignored, got err=%v", err)
	}

	mustApply(t, p, st, envelope(t, event.KindDisputeResolved, key(5), event.DisputeResolvedPayload{
		DisputeID: 10,
		Outcome:   event.OutcomeRefund,
	}))

	purchase, _ = st.Purchase(ctx, 1)
	if purchase.Status != model.PurchaseStatusResolved {
		t.Fatalf("purchase status = %s, want %s", purchase.Status, model.PurchaseStatusResolved)
	}

	d, _ = st.Dispute(ctx, 10)
	if d.Status != model.DisputeStatusResolved {
		t.Fatalf("dispute status = %s, want %s", d.Status, model.DisputeStatusResolved)
	}

	l, _ := st.Listing(ctx, 1)
	if l.Status != model.ListingStatusArchived {
		t.Fatalf("listing status after refund = %s, want %s", l.Status, model.ListingStatusArchived)
	}

	// Завершение оспоренной покупки невозможно: состояние конечное.
	mustApply(t, p, st, escrowCompleted(t, 6, 1))
	purchase, _ = st.Purchase(ctx, 1)
	if purchase.Status != model.PurchaseStatusResolved {
		t.Fatalf("resolved purchase must stay resolved, got %s", purchase.Status)
	}
}

func TestDisputeResolvedWithoutOutcomeKeepsListing(t *testing.T) {
	p := newProjector(t)
	st := NewMemStore()
	ctx := context.Background()

	mustApply(t, p, st, listingCreated(t, 1, 1, 100))
	mustApply(t, p, st, escrowInitiated(t, 2, 1, 1, 100))
	mustApply(t, p, st, envelope(t, event.KindDisputeOpened, key(3), event.DisputeOpenedPayload{
		DisputeID: 10, EscrowID: 1, Initiator: buyerAddr,
	}))
	mustApply(t, p, st, envelope(t, event.KindDisputeResolved, key(4), event.DisputeResolvedPayload{
		DisputeID: 10,
	}))

	l, _ := st.Listing(ctx, 1)
	if l.Status != model.ListingStatusInEscrow {
		t.Fatalf("listing without outcome must stay untouched, got %s", l.Status)
	}
}

func TestReviewAggregatesAndBounds(t *testing.T) {
	p := newProjector(t)
	st := NewMemStore()
	ctx := context.Background()

	mustApply(t, p, st, listingCreated(t, 1, 1, 100))
	mustApply(t, p, st, escrowInitiated(t, 2, 1, 1, 100))
	mustApply(t, p, st, escrowCompleted(t, 3, 1))

	ratings := []int{0, 100, 37, 50, 49, 100, 77}
	for i, rating := range ratings {
		env := envelope(t, event.KindReviewSubmitted, key(uint64(10+i)), event.ReviewSubmittedPayload{
			EscrowID: 1,
			Reviewer: buyerAddr,
			Subject:  sellerAddr,
			Rating:   rating,
		})
		env.TxHash = common.HexToHash("0x01")
		env.Key.LogIndex = uint32(i)
		mustApply(t, p, st, env)
	}

	seller, err := st.User(ctx, sellerAddr)
	if err != nil {
		t.Fatalf("seller: %v", err)
	}
	if seller.ReviewCount != int64(len(ratings)) {
		t.Fatalf("reviewCount = %d, want %d", seller.ReviewCount, len(ratings))
	}
	if st.ReviewCount() != len(ratings) {
		t.Fatalf("stored reviews = %d, want %d", st.ReviewCount(), len(ratings))
	}
	if seller.AverageRating < 0 || seller.AverageRating > 100 {
		t.Fatalf("averageRating out of [0,100]: %v", seller.AverageRating)
	}
	if seller.GoodReviewsCount+seller.BadReviewsCount != seller.ReviewCount {
		t.Fatalf("good+bad = %d, want %d",
			seller.GoodReviewsCount+seller.BadReviewsCount, seller.ReviewCount)
	}
	if seller.GoodReviewsCount != 4 {
		t.Fatalf("goodReviewsCount = %d, want 4", seller.GoodReviewsCount)
	}

	// Автор отзыва, ранее не встречавшийся ни в одном событии,
	// создаётся лениво при первом упоминании.
	stranger := "0x00000000000000000000000000000000000000aa"
	env := envelope(t, event.KindReviewSubmitted, key(20), event.ReviewSubmittedPayload{
		EscrowID: 1,
		Reviewer: stranger,
		Subject:  sellerAddr,
		Rating:   60,
	})
	env.TxHash = common.HexToHash("0x02")
	mustApply(t, p, st, env)

	author, err := st.User(ctx, stranger)
	if err != nil {
		t.Fatalf("reviewer must be lazily created: %v", err)
	}
	if !author.JoinedAt.Equal(env.Time) {
		t.Fatalf("reviewer joinedAt = %v, want %v", author.JoinedAt, env.Time)
	}
	if author.ReviewCount != 0 {
		t.Fatalf("reviewer must not inherit subject aggregates, reviewCount = %d", author.ReviewCount)
	}
}

func TestReviewOutOfRangeRatingSkipped(t *testing.T) {
	p := newProjector(t)
	st := NewMemStore()
	ctx := context.Background()

	mustApply(t, p, st, listingCreated(t, 1, 1, 100))
	mustApply(t, p, st, escrowInitiated(t, 2, 1, 1, 100))

	mustApply(t, p, st, envelope(t, event.KindReviewSubmitted, key(3), event.ReviewSubmittedPayload{
		EscrowID: 1, Reviewer: buyerAddr, Subject: sellerAddr, Rating: 101,
	}))

	seller, _ := st.User(ctx, sellerAddr)
	if seller.ReviewCount != 0 {
		t.Fatalf("out-of-range rating must be ignored, reviewCount = %d", seller.ReviewCount)
	}
}

func TestDuplicateVoteCorrection(t *testing.T) {
	p := newProjector(t)
	st := NewMemStore()
	ctx := context.Background()

	mustApply(t, p, st, envelope(t, event.KindProposalCreated, key(1), event.ProposalCreatedPayload{
		ProposalID: 1,
		Proposer:   sellerAddr,
		StartBlock: 1,
		EndBlock:   100,
	}))

	mustApply(t, p, st, envelope(t, event.KindVoteCast, key(2), event.VoteCastPayload{
		ProposalID: 1, Voter: voterAddr, Support: true, Weight: 10,
	}))

	proposal, _ := st.Proposal(ctx, 1)
	if proposal.VotesFor != 10 || proposal.VotesAgainst != 0 {
		t.Fatalf("tally = %d/%d, want 10/0", proposal.VotesFor, proposal.VotesAgainst)
	}

	// Смена голоса: прежний вес вычитается, новый добавляется к другой стороне.
	mustApply(t, p, st, envelope(t, event.KindVoteCast, key(3), event.VoteCastPayload{
		ProposalID: 1, Voter: voterAddr, Support: false, Weight: 15,
	}))

	proposal, _ = st.Proposal(ctx, 1)
	if proposal.VotesFor != 0 || proposal.VotesAgainst != 15 {
		t.Fatalf("tally = %d/%d, want 0/15", proposal.VotesFor, proposal.VotesAgainst)
	}

	v, err := st.Vote(ctx, model.VoteID(1, voterAddr))
	if err != nil {
		t.Fatalf("vote: %v", err)
	}
	if v.Support || v.Weight != 15 {
		t.Fatalf("vote = %+v, want support=false weight=15", v)
	}
}

func TestCheckpointResume(t *testing.T) {
	p := newProjector(t)
	st := NewMemStore()
	ctx := context.Background()

	events := []event.Envelope{
		listingCreated(t, 1, 1, 1000),
		escrowInitiated(t, 2, 1, 1, 1000),
		escrowCompleted(t, 3, 1),
	}
	for _, env := range events {
		mustApply(t, p, st, env)
	}

	seller, _ := st.User(ctx, sellerAddr)
	cp, _, _ := st.Checkpoint(ctx)

	// Повторная доставка всей истории после «рестарта» ничего не меняет.
	for _, env := range events {
		mustApply(t, p, st, env)
	}

	sellerAfter, _ := st.User(ctx, sellerAddr)
	if !reflect.DeepEqual(seller, sellerAfter) {
		t.Fatalf("redelivery changed seller: %+v vs %+v", seller, sellerAfter)
	}

	cpAfter, _, _ := st.Checkpoint(ctx)
	if cpAfter != cp {
		t.Fatalf("redelivery moved checkpoint: %s vs %s", cpAfter.String(), cp.String())
	}
}

func TestUnknownKindAdvancesCheckpoint(t *testing.T) {
	p := newProjector(t)
	st := NewMemStore()
	ctx := context.Background()

	env := envelope(t, event.Kind("marketplace.v2.mystery"), key(5), struct{}{})
	mustApply(t, p, st, env)

	cp, ok, _ := st.Checkpoint(ctx)
	if !ok || cp != key(5) {
		t.Fatalf("checkpoint = %v ok=%v, want %s", cp, ok, key(5).String())
	}
}

func TestReferentialGapIsNoOp(t *testing.T) {
	p := newProjector(t)
	st := NewMemStore()
	ctx := context.Background()

	mustApply(t, p, st, envelope(t, event.KindDisputeOpened, key(1), event.DisputeOpenedPayload{
		DisputeID: 1, EscrowID: 99, Initiator: buyerAddr,
	}))

	if _, err := st.Dispute(ctx, 1); err != ErrNotFound {
		t.Fatalf("dispute for unknown purchase must not be created, got err=%v", err)
	}
}

func TestListingUpdatedChangesPriceAndQuantityOnly(t *testing.T) {
	p := newProjector(t)
	st := NewMemStore()
	ctx := context.Background()

	created := listingCreated(t, 1, 1, 100)
	mustApply(t, p, st, created)

	before, _ := st.Listing(ctx, 1)

	mustApply(t, p, st, envelope(t, event.KindListingUpdated, key(2), event.ListingUpdatedPayload{
		ListingID: 1,
		Price:     250,
		Quantity:  3,
	}))

	after, _ := st.Listing(ctx, 1)
	if after.Price != 250 || after.Quantity != 3 {
		t.Fatalf("price/quantity = %d/%d, want 250/3", after.Price, after.Quantity)
	}
	if after.Seller != before.Seller || after.IPFSCid != before.IPFSCid || after.CreatedAt != before.CreatedAt {
		t.Fatalf("update touched immutable fields: %+v vs %+v", before, after)
	}
}
