package database

import (
	"errors"

	"github.com/lib/pq"
)

type ErrorClass int

const (
	ErrorClassPermanent ErrorClass = iota
	ErrorClassTransient
	ErrorClassDeadlock
	ErrorClassSerialization
)

func (c ErrorClass) String() string {
	switch c {
	case ErrorClassTransient:
		return "transient"
	case ErrorClassDeadlock:
		return "deadlock"
	case ErrorClassSerialization:
		return "serialization"
	}
	return "permanent"
}

var pgErrorClasses = map[pq.ErrorCode]ErrorClass{
	"40001": ErrorClassSerialization,
	"40P01": ErrorClassDeadlock,
	"55P03": ErrorClassTransient, // lock_not_available
	"57014": ErrorClassTransient, // query_canceled by statement_timeout
}

// ClassifyError maps a Postgres error to how a caller should react to it.
// Anything unrecognised, including a failed compare-and-set, is permanent.
func ClassifyError(err error) ErrorClass {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if class, ok := pgErrorClasses[pqErr.Code]; ok {
			return class
		}
	}
	return ErrorClassPermanent
}

func IsRetryable(err error) bool {
	return err != nil && ClassifyError(err) != ErrorClassPermanent
}

var (
	ErrQuoteNotFound        = errors.New("quote not found")
	ErrDuplicateReference   = errors.New("duplicate quote reference")
	ErrOptimisticLockFailed = errors.New("optimistic lock failed")
)

// IsUniqueViolation reports whether err is a unique-constraint failure.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
