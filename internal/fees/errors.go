package fees

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoFeePlan indicates the catalog has no active fee structure for the
// student's class and category head. It is a configuration problem, not a
// zero balance.
var ErrNoFeePlan = errors.New("no fee plan configured for this class/category")

// PreconditionError lists the assignments missing on a student record.
type PreconditionError struct {
	StudentID int64
	Missing   []string
}

func (e *PreconditionError) Error() string {
	return fmt.Sprintf("student %d is missing %s", e.StudentID, strings.Join(e.Missing, ", "))
}

// ValidationError rejects allocation or payment input before anything is
// computed.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsPrecondition reports whether err is a PreconditionError.
func IsPrecondition(err error) bool {
	var target *PreconditionError
	return errors.As(err, &target)
}
