package turn

import (
	"github.com/tjfontaine/cartpilot-concierge/internal/domain"
)

// Submission rejections. They are APIErrors so the HTTP layer can map them
// directly; compare with errors.Is.
var (
	ErrTurnInFlight       = newRejection(domain.ErrorTypeConflict, domain.ErrorCodeTurnInFlight, "a response is still streaming for this conversation")
	ErrEmptySubmission    = newRejection(domain.ErrorTypeInvalidRequest, domain.ErrorCodeEmptySubmission, "a message needs text or an image")
	ErrSubmissionTooLarge = newRejection(domain.ErrorTypeInvalidRequest, domain.ErrorCodeSubmissionTooLarge, "message is too long")
	ErrUnsupportedImage   = newRejection(domain.ErrorTypeInvalidRequest, domain.ErrorCodeUnsupportedImage, "images must be JPEG, PNG or WebP and at most 10 MB")
)

func newRejection(t domain.ErrorType, code domain.ErrorCode, msg string) *domain.APIError {
	return domain.NewAPIError(t, msg).WithCode(code)
}
