package classifier

import "github.com/kimhsiao/lotterydesk/internal/models"

// Decision is the dead-letter policy outcome.
type Decision struct {
	ShouldDeadLetter bool
	Reason           models.DeadLetterReason
}

// ShouldDeadLetter decides whether an item with attempts failed attempts of
// category should be abandoned. TRANSIENT failures get twice the budget.
func ShouldDeadLetter(attempts, maxAttempts int, category Category) Decision {
	if attempts < 0 {
		attempts = 0
	}

	switch category {
	case CategoryStructural:
		return Decision{ShouldDeadLetter: true, Reason: models.DeadLetterStructural}
	case CategoryPermanent:
		if attempts >= maxAttempts {
			return Decision{ShouldDeadLetter: true, Reason: models.DeadLetterPermanent}
		}
	case CategoryConflict:
		if attempts >= maxAttempts {
			return Decision{ShouldDeadLetter: true, Reason: models.DeadLetterConflict}
		}
	case CategoryTransient:
		if attempts >= 2*maxAttempts {
			return Decision{ShouldDeadLetter: true, Reason: models.DeadLetterMaxAttempts}
		}
	default:
		if attempts >= maxAttempts {
			return Decision{ShouldDeadLetter: true, Reason: models.DeadLetterMaxAttempts}
		}
	}
	return Decision{}
}
