package domain

// Outcome is the terminal result of one reserve request.
type Outcome string

const (
	OutcomeReserved       Outcome = "RESERVED"
	OutcomeSoldOut        Outcome = "SOLD_OUT"
	OutcomeInvalid        Outcome = "INVALID"
	OutcomeTransientError Outcome = "TRANSIENT_ERROR"
)

// Cacheable reports whether the outcome is definitive and may be replayed
// for later requests carrying the same idempotency token.
func (o Outcome) Cacheable() bool {
	return o == OutcomeReserved || o == OutcomeSoldOut
}
