package projection

import "github.com/mmeshcher/bazaar-indexer/internal/model"

// purchaseTransitions задаёт допустимые переходы жизненного цикла покупки:
// Funded -> Completed | Disputed, Disputed -> Resolved.
// Completed и Resolved — конечные состояния.
var purchaseTransitions = map[model.PurchaseStatus][]model.PurchaseStatus{
	model.PurchaseStatusFunded: {
		model.PurchaseStatusCompleted,
		model.PurchaseStatusDisputed,
	},
	model.PurchaseStatusDisputed: {
		model.PurchaseStatusResolved,
	},
}

// CanTransition сообщает, допустим ли переход покупки из состояния from в to.
func CanTransition(from, to model.PurchaseStatus) bool {
	for _, allowed := range purchaseTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
