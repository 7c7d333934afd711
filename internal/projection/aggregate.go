package projection

import "github.com/mmeshcher/bazaar-indexer/internal/model"

// Порог оценки, начиная с которого отзыв считается положительным.
const goodRatingThreshold = 50

// ApplyRating пересчитывает скользящее среднее оценок пользователя
// по прежнему состоянию и новой оценке, не обращаясь к истории отзывов.
func ApplyRating(u *model.User, rating int) {
	u.AverageRating = (u.AverageRating*float64(u.ReviewCount) + float64(rating)) /
		float64(u.ReviewCount+1)
	u.ReviewCount++

	if rating >= goodRatingThreshold {
		u.GoodReviewsCount++
	} else {
		u.BadReviewsCount++
	}

	u.ReputationTier = TierFor(u.ReviewCount, u.AverageRating)
}

// TierFor вычисляет уровень репутации по таблице порогов.
// Условия проверяются от старшего уровня к младшему, побеждает первое
// совпадение, поэтому уровень может как расти, так и снижаться.
func TierFor(reviewCount int64, averageRating float64) model.ReputationTier {
	switch {
	case reviewCount >= 50 && averageRating >= 98:
		return model.TierGold
	case reviewCount >= 20 && averageRating >= 95:
		return model.TierSilver
	case reviewCount >= 5 && averageRating >= 90:
		return model.TierBronze
	default:
		return model.TierNone
	}
}

// ApplyVoteTally обновляет счётчики голосов предложения. Если голосующий уже
// голосовал, его прежний вес сначала вычитается из прежней стороны,
// и только затем новый вес добавляется к выбранной стороне.
func ApplyVoteTally(p *model.Proposal, prior *model.Vote, support bool, weight int64) {
	if prior != nil {
		if prior.Support {
			p.VotesFor -= prior.Weight
		} else {
			p.VotesAgainst -= prior.Weight
		}
	}

	if support {
		p.VotesFor += weight
	} else {
		p.VotesAgainst += weight
	}
}
