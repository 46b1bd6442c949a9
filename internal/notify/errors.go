package notify

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"

	"github.com/zjrosen/notifycenter/internal/affinity"
)

var (
	// ErrOffAffinity marks a registry call made off the affinity loop. It is logged as a
	// warning and the call proceeds on the loop.
	ErrOffAffinity = errors.New("called off the affinity loop")

	// ErrExecutorUnavailable is returned when the affinity executor no longer accepts work.
	ErrExecutorUnavailable = affinity.ErrExecutorUnavailable

	// ErrNilSubscriber is logged when a nil subscriber is registered.
	ErrNilSubscriber = errors.New("nil subscriber")

	// ErrNotComparable is logged when a subscriber's dynamic type cannot be used as a set key.
	ErrNotComparable = errors.New("subscriber type is not comparable")

	// ErrContractMismatch is logged when a subscriber declares a contract it does not implement.
	ErrContractMismatch = errors.New("subscriber does not implement declared contract")
)

// SubscriberError is one subscriber's failure during a dispatch.
type SubscriberError struct {
	Subscriber string
	Err        error
}

func (e *SubscriberError) Error() string {
	return fmt.Sprintf("%s: %v", e.Subscriber, e.Err)
}

func (e *SubscriberError) Unwrap() error {
	return e.Err
}

// DispatchError collects the failures of one dispatch. Delivery continues past a
// failing subscriber, so every other attached subscriber was still called.
type DispatchError struct {
	Contract  string
	Attempted int
	Failures  []*SubscriberError
}

func (e *DispatchError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "dispatch %s: %d of %d subscribers failed", e.Contract, len(e.Failures), e.Attempted)
	for _, f := range e.Failures {
		b.WriteString("; ")
		b.WriteString(f.Error())
	}
	return b.String()
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *DispatchError) Unwrap() []error {
	return multierr.Errors(e.Err())
}

// Err combines the failures into a single multierr error.
func (e *DispatchError) Err() error {
	var err error
	for _, f := range e.Failures {
		err = multierr.Append(err, f)
	}
	return err
}

// IsDispatchError reports whether err carries subscriber failures.
func IsDispatchError(err error) bool {
	var de *DispatchError
	return errors.As(err, &de)
}
