package domain

import dErrors "custodia/pkg/domain-errors"

// MaxChildAge is the oldest age for which parental consent applies.
// At 18 the subject exercises data rights themselves.
const MaxChildAge = 17

// ValidateChildAge enforces the 0..17 bound on a child's declared age.
// Parental consent is only a valid legal basis inside this range.
func ValidateChildAge(age int) error {
	if age < 0 {
		return dErrors.New(dErrors.CodeValidation, "child age cannot be negative")
	}
	if age > MaxChildAge {
		return dErrors.New(dErrors.CodeValidation, "parental consent does not apply to subjects aged 18 or older")
	}
	return nil
}
