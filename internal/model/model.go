// Package model содержит материализованные сущности проекции маркетплейса.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ReputationTier описывает дискретный уровень репутации пользователя.
type ReputationTier string

// Уровни репутации в порядке возрастания.
const (
	TierNone   ReputationTier = "NONE"
	TierBronze ReputationTier = "BRONZE"
	TierSilver ReputationTier = "SILVER"
	TierGold   ReputationTier = "GOLD"
)

// User представляет участника маркетплейса, создаваемого лениво
// при первом упоминании в любом событии. Пользователи никогда не удаляются.
type User struct {
	Address          string
	TotalSales       int64
	TotalPurchases   int64
	TotalVolume      int64
	AverageRating    float64
	ReviewCount      int64
	GoodReviewsCount int64
	BadReviewsCount  int64
	ReputationTier   ReputationTier
	JoinedAt         time.Time
	FirstDealAt      *time.Time
}

// ListingStatus описывает стадию жизненного цикла объявления.
type ListingStatus string

const (
	ListingStatusActive   ListingStatus = "ACTIVE"
	ListingStatusInEscrow ListingStatus = "IN_ESCROW"
	ListingStatusSold     ListingStatus = "SOLD"
	ListingStatusArchived ListingStatus = "ARCHIVED"
)

// Listing представляет объявление о продаже.
type Listing struct {
	ID        uint64
	Seller    string
	Token     string
	Price     int64
	Quantity  int64
	Currency  string
	IPFSCid   string
	Status    ListingStatus
	Buyer     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PurchaseStatus описывает состояние эскроу-покупки.
type PurchaseStatus string

const (
	PurchaseStatusFunded    PurchaseStatus = "FUNDED"
	PurchaseStatusCompleted PurchaseStatus = "COMPLETED"
	PurchaseStatusDisputed  PurchaseStatus = "DISPUTED"
	PurchaseStatusResolved  PurchaseStatus = "RESOLVED"
)

// Terminal сообщает, является ли состояние покупки конечным.
func (s PurchaseStatus) Terminal() bool {
	return s == PurchaseStatusCompleted || s == PurchaseStatusResolved
}

// Purchase представляет покупку с удержанием средств в эскроу.
// Идентификатор назначается леджером и стабилен на всём жизненном цикле.
type Purchase struct {
	ID          uint64
	ListingID   uint64
	Buyer       string
	Seller      string
	Amount      int64
	Token       string
	Status      PurchaseStatus
	CreatedAt   time.Time
	CompletedAt *time.Time
}

// DisputeStatus описывает состояние спора.
type DisputeStatus string

const (
	DisputeStatusRecruiting DisputeStatus = "RECRUITING"
	DisputeStatusResolved   DisputeStatus = "RESOLVED"
)

// Dispute представляет спор по покупке. У покупки может быть
// не более одного открытого спора одновременно.
type Dispute struct {
	ID         uint64
	PurchaseID uint64
	Initiator  string
	ReasonCid  string
	Status     DisputeStatus
	Outcome    string
	CreatedAt  time.Time
}

// Review представляет отзыв о пользователе. Отзывы только добавляются
// и никогда не изменяются после создания.
type Review struct {
	ID         string
	PurchaseID uint64
	Reviewer   string
	Subject    string
	Rating     int
	CommentCid string
	CreatedAt  time.Time
}

// ReviewID возвращает синтетический идентификатор отзыва из хеша транзакции
// и индекса лога. Повторные отзывы в одной транзакции получают разные id.
func ReviewID(txHash common.Hash, logIndex uint32) string {
	return fmt.Sprintf("%s-%d", strings.ToLower(txHash.Hex()), logIndex)
}

// Proposal представляет предложение управления с накопительными счётчиками голосов.
type Proposal struct {
	ID             uint64
	Proposer       string
	DescriptionCid string
	StartBlock     uint64
	EndBlock       uint64
	VotesFor       int64
	VotesAgainst   int64
	CreatedAt      time.Time
}

// Vote представляет голос по предложению. На пару (предложение, голосующий)
// хранится не более одного голоса; повторное голосование заменяет прежний.
type Vote struct {
	ID         string
	ProposalID uint64
	Voter      string
	Support    bool
	Weight     int64
	CastAt     time.Time
}

// VoteID возвращает синтетический идентификатор голоса из идентификатора
// предложения и адреса голосующего.
func VoteID(proposalID uint64, voter string) string {
	return fmt.Sprintf("%d-%s", proposalID, strings.ToLower(voter))
}
