package services

import (
	"errors"
	"strings"

	"github.com/authbase/backend/pkg/logger"
	"gorm.io/gorm"
)

type FailureKind string

const (
	FailureValidation   FailureKind = "validation"
	FailureNotFound     FailureKind = "not_found"
	FailureConflict     FailureKind = "conflict"
	FailureUnauthorized FailureKind = "unauthorized"
	FailureLocked       FailureKind = "locked"
	FailureUnexpected   FailureKind = "unexpected"
)

// Failure is the uniform result every auth transition returns on error.
// Lower-layer errors never escape the service boundary raw; they are logged
// and collapsed into an Unexpected failure with a generic message.
type Failure struct {
	Kind    FailureKind
	Message string
}

func (f *Failure) Error() string {
	return f.Message
}

func failValidation(message string) *Failure {
	return &Failure{Kind: FailureValidation, Message: message}
}

func failNotFound(message string) *Failure {
	return &Failure{Kind: FailureNotFound, Message: message}
}

func failConflict(message string) *Failure {
	return &Failure{Kind: FailureConflict, Message: message}
}

func failUnauthorized(message string) *Failure {
	return &Failure{Kind: FailureUnauthorized, Message: message}
}

func failLocked(message string) *Failure {
	return &Failure{Kind: FailureLocked, Message: message}
}

func failUnexpected(action string, err error) *Failure {
	logger.Error(action, err, nil)
	return &Failure{Kind: FailureUnexpected, Message: "something went wrong"}
}

// isDuplicateKeyError recognizes unique-index violations from both the
// postgres and the sqlite driver.
func isDuplicateKeyError(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}
