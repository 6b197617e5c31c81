package mailer

import (
	"errors"
	"fmt"
)

var (
	ErrDeliveryFailed = errors.New("delivery failed")
	ErrNoRecipient    = errors.New("recipient address required")
)

// DeliveryError carries the recipient and underlying transport error.
type DeliveryError struct {
	To  string
	Err error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("%s to %s: %v", ErrDeliveryFailed, e.To, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDeliveryFailed }
