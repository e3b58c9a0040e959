package classifier

import (
	"testing"

	"github.com/kimhsiao/lotterydesk/internal/models"
)

func TestShouldDeadLetter(t *testing.T) {
	tests := []struct {
		name     string
		attempts int
		max      int
		category Category
		want     bool
		reason   models.DeadLetterReason
	}{
		{"structural first attempt", 0, 5, CategoryStructural, true, models.DeadLetterStructural},
		{"structural negative attempts", -3, 5, CategoryStructural, true, models.DeadLetterStructural},
		{"permanent below max", 4, 5, CategoryPermanent, false, ""},
		{"permanent at max", 5, 5, CategoryPermanent, true, models.DeadLetterPermanent},
		{"conflict below max", 1, 5, CategoryConflict, false, ""},
		{"conflict at max", 6, 5, CategoryConflict, true, models.DeadLetterConflict},
		{"unknown at max", 5, 5, CategoryUnknown, true, models.DeadLetterMaxAttempts},
		{"empty category at max", 5, 5, "", true, models.DeadLetterMaxAttempts},
		{"empty category below max", 2, 5, "", false, ""},
		{"transient at max", 5, 5, CategoryTransient, false, ""},
		{"transient just below double", 9, 5, CategoryTransient, false, ""},
		{"transient at double", 10, 5, CategoryTransient, true, models.DeadLetterMaxAttempts},
		{"negative attempts treated as zero", -10, 0, CategoryPermanent, true, models.DeadLetterPermanent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShouldDeadLetter(tt.attempts, tt.max, tt.category)
			if got.ShouldDeadLetter != tt.want {
				t.Errorf("ShouldDeadLetter(%d, %d, %q) = %v, want %v",
					tt.attempts, tt.max, tt.category, got.ShouldDeadLetter, tt.want)
			}
			if got.Reason != tt.reason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.reason)
			}
		})
	}
}
