// Package notify implements the type-keyed notification registry.
//
// A contract is a Go interface type. Subscribers register once with a Registry and
// are attached to the channel of every contract they satisfy, including channels
// created after they registered. Every structural change and every dispatch runs on
// the registry's affinity executor; calls from other goroutines are marshaled onto it.
package notify

import (
	"fmt"
	"reflect"
)

// Contract identifies a callback contract: an interface type subscribers may implement.
// Contracts are created with ContractOf.
type Contract interface {
	// Type returns the interface type.
	Type() reflect.Type
	// Name returns a readable name for logs and traces.
	Name() string
	// Satisfies reports whether sub implements the contract.
	Satisfies(sub any) bool

	newChannel(r *Registry) channelBase
}

type contract[T any] struct {
	typ reflect.Type
}

// ContractOf returns the Contract for interface type T.
// It panics if T is not an interface type.
func ContractOf[T any]() Contract {
	typ := reflect.TypeFor[T]()
	if typ.Kind() != reflect.Interface {
		panic(fmt.Sprintf("notify: contract type %s is not an interface", typ))
	}
	return contract[T]{typ: typ}
}

func (c contract[T]) Type() reflect.Type { return c.typ }

func (c contract[T]) Name() string { return c.typ.String() }

func (c contract[T]) Satisfies(sub any) bool {
	_, ok := sub.(T)
	return ok
}

func (c contract[T]) newChannel(r *Registry) channelBase {
	return newChannel[T](r, c)
}

func (c contract[T]) String() string { return c.Name() }

// subscriberName names a subscriber by its dynamic type.
func subscriberName(sub any) string {
	return fmt.Sprintf("%T", sub)
}
