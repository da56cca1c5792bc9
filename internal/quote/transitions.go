package quote

import "github.com/reconiq/quote-engine/internal/models"

// allowedTransitions is the finalize state machine. Archived is terminal.
var allowedTransitions = map[models.QuoteStatus][]models.QuoteStatus{
	models.QuoteStatusDraft:    {models.QuoteStatusReview, models.QuoteStatusSent, models.QuoteStatusArchived},
	models.QuoteStatusReview:   {models.QuoteStatusDraft, models.QuoteStatusSent, models.QuoteStatusApproved, models.QuoteStatusDeclined, models.QuoteStatusArchived},
	models.QuoteStatusSent:     {models.QuoteStatusApproved, models.QuoteStatusDeclined, models.QuoteStatusExpired, models.QuoteStatusArchived},
	models.QuoteStatusApproved: {models.QuoteStatusArchived},
	models.QuoteStatusDeclined: {models.QuoteStatusExpired, models.QuoteStatusArchived},
	models.QuoteStatusExpired:  {models.QuoteStatusArchived},
	models.QuoteStatusArchived: {},
}

// editableStatuses may be revised.
var editableStatuses = map[models.QuoteStatus]bool{
	models.QuoteStatusDraft:  true,
	models.QuoteStatusReview: true,
	models.QuoteStatusSent:   true,
}

// CanTransition reports whether finalize may move a quote from one status to another.
func CanTransition(from, to models.QuoteStatus) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidStatus reports whether s is a known quote status.
func ValidStatus(s models.QuoteStatus) bool {
	_, ok := allowedTransitions[s]
	return ok
}
