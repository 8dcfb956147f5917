package validation

import (
	"fmt"
	"net/mail"
	"strings"

	dErrors "custodia/pkg/domain-errors"
)

// HTTP body limits
const (
	// MaxBodySize is the maximum allowed request body size (64 KB).
	// Sufficient for JSON APIs while preventing memory exhaustion attacks.
	MaxBodySize = 64 * 1024
)

// Slice element count limits
const (
	// MaxConsentTypes is the maximum number of consent types per submission.
	MaxConsentTypes = 10

	// MaxActionsTaken is the maximum number of actions recorded on a processed request.
	MaxActionsTaken = 50
)

// String element length limits
const (
	// MaxContactLength is the maximum length of a requester or parent contact.
	MaxContactLength = 255

	// MaxNameLength is the maximum length of a parent or child name.
	MaxNameLength = 200

	// MinDetailsLength is the minimum length of a data-subject request justification.
	MinDetailsLength = 10

	// MaxDetailsLength is the maximum length of a data-subject request justification.
	MaxDetailsLength = 5000

	// MaxReasonLength is the maximum length of a revocation or rejection reason.
	MaxReasonLength = 1000

	// MaxOriginAddrLength is the maximum length of a submission origin address.
	MaxOriginAddrLength = 64

	// MaxClientSignatureLength is the maximum length of a client signature string.
	MaxClientSignatureLength = 512
)

// CheckSliceCount validates that a slice does not exceed the maximum count.
func CheckSliceCount(fieldName string, count, max int) error {
	if count > max {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("too many %s: max %d allowed", fieldName, max))
	}
	return nil
}

// CheckStringLength validates that a string does not exceed the maximum length.
func CheckStringLength(fieldName, value string, max int) error {
	if len(value) > max {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("%s exceeds max length of %d", fieldName, max))
	}
	return nil
}

// CheckRequired validates that a string is non-empty after trimming.
func CheckRequired(fieldName, value string) error {
	if strings.TrimSpace(value) == "" {
		return dErrors.New(dErrors.CodeValidation, fieldName+" is required")
	}
	return nil
}

// CheckContact validates that a contact is a well-formed email address within
// the length limit. Postal and phone contacts are not accepted; verification
// tokens are delivered by email only.
func CheckContact(fieldName, value string) error {
	if err := CheckRequired(fieldName, value); err != nil {
		return err
	}
	if err := CheckStringLength(fieldName, value, MaxContactLength); err != nil {
		return err
	}
	if _, err := mail.ParseAddress(value); err != nil {
		return dErrors.New(dErrors.CodeValidation, fieldName+" must be a valid email address")
	}
	return nil
}

// CheckMinLength validates that a string meets a minimum length after trimming.
func CheckMinLength(fieldName, value string, min int) error {
	if len(strings.TrimSpace(value)) < min {
		return dErrors.New(dErrors.CodeValidation, fmt.Sprintf("%s must be at least %d characters", fieldName, min))
	}
	return nil
}
