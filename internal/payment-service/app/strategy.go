package app

import (
	"fmt"

	"github.com/google/uuid"
)

// Payment methods.
const (
	MethodCreditCard = "CREDIT_CARD"
	MethodWallet     = "WALLET"
)

// Result is the outcome of running a charge through a strategy. A declined
// charge is not an error: Approved is false and Reason says why.
type Result struct {
	Approved      bool
	TransactionID string
	Reason        string
}

// Strategy charges an amount using one payment method.
type Strategy interface {
	Method() string
	Process(orderID string, amount float64) Result
}

type creditCardStrategy struct{}

func (creditCardStrategy) Method() string { return MethodCreditCard }

func (creditCardStrategy) Process(_ string, amount float64) Result {
	if amount > 10000 {
		return Result{Reason: "Credit card limit exceeded"}
	}
	return Result{Approved: true, TransactionID: "CC-TXN-" + uuid.NewString()}
}

type walletStrategy struct{}

func (walletStrategy) Method() string { return MethodWallet }

func (walletStrategy) Process(_ string, amount float64) Result {
	if amount > 5000 {
		return Result{Reason: "Insufficient wallet balance"}
	}
	return Result{Approved: true, TransactionID: "WALLET-TXN-" + uuid.NewString()}
}

// Registry resolves a strategy by method name.
type Registry struct {
	strategies map[string]Strategy
}

// NewRegistry builds a registry with the built-in strategies.
func NewRegistry() *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	r.Register(creditCardStrategy{})
	r.Register(walletStrategy{})
	return r
}

// Register adds or replaces a strategy.
func (r *Registry) Register(s Strategy) {
	r.strategies[s.Method()] = s
}

// Resolve returns the strategy for method.
func (r *Registry) Resolve(method string) (Strategy, error) {
	s, ok := r.strategies[method]
	if !ok {
		return nil, fmt.Errorf("unsupported payment method %q", method)
	}
	return s, nil
}
