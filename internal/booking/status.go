package booking

import "errors"

var ErrInvalidStateTransition = errors.New("invalid booking status transition")

type Status string

const (
	StatusPendingTeacherApproval Status = "PENDING_TEACHER_APPROVAL"
	StatusWaitingForPayment      Status = "WAITING_FOR_PAYMENT"
	StatusScheduled              Status = "SCHEDULED"
	StatusPendingConfirmation    Status = "PENDING_CONFIRMATION"
	StatusCompleted              Status = "COMPLETED"
	StatusRejectedByTeacher      Status = "REJECTED_BY_TEACHER"
	StatusCancelledByParent      Status = "CANCELLED_BY_PARENT"
	StatusCancelledByTeacher     Status = "CANCELLED_BY_TEACHER"
	StatusCancelledByAdmin       Status = "CANCELLED_BY_ADMIN"
	StatusExpired                Status = "EXPIRED"
)

// transitions is the authoritative status graph. Terminal states map to an
// empty set. Payment, confirmation and cancellation all validate against this
// table before writing, and the conditional status UPDATE is the
// serialization point between concurrent callers.
var transitions = map[Status][]Status{
	StatusPendingTeacherApproval: {
		StatusWaitingForPayment,
		StatusRejectedByTeacher,
		StatusCancelledByParent,
		StatusCancelledByAdmin,
		StatusExpired,
	},
	StatusWaitingForPayment: {
		StatusScheduled,
		StatusCancelledByParent,
		StatusCancelledByAdmin,
		StatusExpired,
	},
	StatusScheduled: {
		StatusPendingConfirmation,
		StatusCancelledByParent,
		StatusCancelledByTeacher,
		StatusCancelledByAdmin,
	},
	StatusPendingConfirmation: {
		StatusCompleted,
		StatusCancelledByAdmin,
	},
	StatusCompleted:          {},
	StatusRejectedByTeacher:  {},
	StatusCancelledByParent:  {},
	StatusCancelledByTeacher: {},
	StatusCancelledByAdmin:   {},
	StatusExpired:            {},
}

func ValidateTransition(from, to Status) error {
	allowed, ok := transitions[from]
	if !ok {
		return ErrInvalidStateTransition
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return ErrInvalidStateTransition
}

func (s Status) Terminal() bool {
	return len(transitions[s]) == 0
}

func (s Status) Cancelled() bool {
	switch s {
	case StatusCancelledByParent, StatusCancelledByTeacher, StatusCancelledByAdmin:
		return true
	}
	return false
}

// Paid reports whether guardian money has been charged for this booking.
func (s Status) Paid() bool {
	switch s {
	case StatusScheduled, StatusPendingConfirmation, StatusCompleted:
		return true
	}
	return false
}
