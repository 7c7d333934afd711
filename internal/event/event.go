// Package event описывает конверт события леджера и ключ упорядочивания.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Kind определяет тип события леджера.
type Kind string

// Поддерживаемые типы событий маркетплейса.
const (
	KindListingCreated  Kind = "listing.created"
	KindListingUpdated  Kind = "listing.updated"
	KindEscrowInitiated Kind = "escrow.initiated"
	KindEscrowCompleted Kind = "escrow.completed"
	KindDisputeOpened   Kind = "dispute.opened"
	KindDisputeResolved Kind = "dispute.resolved"
	KindReviewSubmitted Kind = "review.submitted"
	KindProposalCreated Kind = "gov.proposal_created"
	KindVoteCast        Kind = "gov.vote_cast"
)

// OrderingKey задаёт полный порядок событий внутри одного источника:
// номер блока, индекс транзакции в блоке, индекс лога в транзакции.
type OrderingKey struct {
	Block    uint64 `json:"block"`
	TxIndex  uint32 `json:"txIndex"`
	LogIndex uint32 `json:"logIndex"`
}

// Compare возвращает -1, 0 или 1 при сравнении ключей в лексикографическом порядке.
func (k OrderingKey) Compare(other OrderingKey) int {
	switch {
	case k.Block != other.Block:
		if k.Block < other.Block {
			return -1
		}
		return 1
	case k.TxIndex != other.TxIndex:
		if k.TxIndex < other.TxIndex {
			return -1
		}
		return 1
	case k.LogIndex != other.LogIndex:
		if k.LogIndex < other.LogIndex {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// After сообщает, что ключ строго больше другого.
func (k OrderingKey) After(other OrderingKey) bool {
	return k.Compare(other) > 0
}

// String возвращает компактное представление ключа для логов.
func (k OrderingKey) String() string {
	return fmt.Sprintf("%d:%d:%d", k.Block, k.TxIndex, k.LogIndex)
}

// Envelope — конверт события, получаемый от леджера.
// Payload разбирается обработчиком конкретного типа события.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Key     OrderingKey     `json:"key"`
	TxHash  common.Hash     `json:"txHash"`
	Time    time.Time       `json:"timestamp"`
	Payload json.RawMessage `json:"payload"`
}

// NormalizeAddress приводит адрес леджера к каноническому виду:
// шестнадцатеричная запись в нижнем регистре с префиксом 0x.
func NormalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", fmt.Errorf("invalid ledger address: %q", addr)
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// ListingCreatedPayload — данные события создания объявления.
type ListingCreatedPayload struct {
	ListingID uint64 `json:"listingId"`
	Seller    string `json:"seller"`
	Token     string `json:"token"`
	Price     int64  `json:"price"`
	Quantity  int64  `json:"quantity"`
	Currency  string `json:"currency"`
	IPFSCid   string `json:"ipfsCid"`
}

// ListingUpdatedPayload — данные события изменения объявления.
// Леджер допускает изменение только цены и количества.
type ListingUpdatedPayload struct {
	ListingID uint64 `json:"listingId"`
	Price     int64  `json:"price"`
	Quantity  int64  `json:"quantity"`
}

// EscrowInitiatedPayload — данные события открытия эскроу-покупки.
type EscrowInitiatedPayload struct {
	EscrowID  uint64 `json:"escrowId"`
	ListingID uint64 `json:"listingId"`
	Buyer     string `json:"buyer"`
	Amount    int64  `json:"amount"`
	Token     string `json:"token"`
}

// EscrowCompletedPayload — данные события подтверждения получения.
type EscrowCompletedPayload struct {
	EscrowID uint64 `json:"escrowId"`
}

// DisputeOpenedPayload — данные события открытия спора.
type DisputeOpenedPayload struct {
	DisputeID uint64 `json:"disputeId"`
	EscrowID  uint64 `json:"escrowId"`
	Initiator string `json:"initiator"`
	ReasonCid string `json:"reasonCid"`
}

// DisputeOutcome описывает исход разрешённого спора.
type DisputeOutcome string

// Возможные исходы спора. Пустое значение означает,
// что леджер не сообщил исход в событии.
const (
	OutcomeRelease DisputeOutcome = "release"
	OutcomeRefund  DisputeOutcome = "refund"
)

// DisputeResolvedPayload — данные события разрешения спора.
type DisputeResolvedPayload struct {
	DisputeID uint64         `json:"disputeId"`
	Outcome   DisputeOutcome `json:"outcome,omitempty"`
}

// ReviewSubmittedPayload — данные события публикации отзыва.
type ReviewSubmittedPayload struct {
	EscrowID   uint64 `json:"escrowId"`
	Reviewer   string `json:"reviewer"`
	Subject    string `json:"subject"`
	Rating     int    `json:"rating"`
	CommentCid string `json:"commentCid"`
}

// ProposalCreatedPayload — данные события создания предложения управления.
type ProposalCreatedPayload struct {
	ProposalID     uint64 `json:"proposalId"`
	Proposer       string `json:"proposer"`
	DescriptionCid string `json:"descriptionCid"`
	StartBlock     uint64 `json:"startBlock"`
	EndBlock       uint64 `json:"endBlock"`
}

// VoteCastPayload — данные события голосования по предложению.
type VoteCastPayload struct {
	ProposalID uint64 `json:"proposalId"`
	Voter      string `json:"voter"`
	Support    bool   `json:"support"`
	Weight     int64  `json:"weight"`
}

// DecodePayload разбирает полезную нагрузку конверта в целевую структуру.
func DecodePayload(env Envelope, dst any) error {
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Kind, err)
	}
	return nil
}
