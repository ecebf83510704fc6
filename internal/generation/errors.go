package generation

import "errors"

// Typed orchestration errors. Credit-affecting failures (submission, job
// failure, timeout) are surfaced only after the reservation has been
// refunded; the caller never sees one of these while still missing a credit.
var (
	ErrPostNotFound        = errors.New("post not found")
	ErrNotOwner            = errors.New("post does not belong to caller")
	ErrPreconditionNotMet  = errors.New("precondition not met")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrSubmissionFailed    = errors.New("job submission failed")
	ErrGenerationFailed    = errors.New("generation failed")
	ErrGenerationTimedOut  = errors.New("generation timed out")
	ErrSuperseded          = errors.New("generation superseded by a newer request")
)

// isTerminalGenerationError reports whether err is a terminal outcome the
// orchestrator has already settled (refund issued, post updated), as opposed
// to an infrastructure error worth retrying.
func isTerminalGenerationError(err error) bool {
	for _, target := range []error{
		ErrSubmissionFailed,
		ErrGenerationFailed,
		ErrGenerationTimedOut,
		ErrSuperseded,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
