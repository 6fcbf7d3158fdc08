// Package core defines the shared types and interfaces of the TP/SL engine.
package core

import (
	"context"
	"time"
)

// IExchangeClient is the venue surface the engine depends on. One instance
// exists per account; credentials are bound at construction and never
// shared across instances.
type IExchangeClient interface {
	Account() Account
	GetAllPositions(ctx context.Context) ([]Position, error)
	GetAllOpenOrders(ctx context.Context) ([]Order, error)
	GetOrderHistory(ctx context.Context, symbol string, since time.Time) ([]Order, error)
	PlaceOrder(ctx context.Context, params OrderParams) (OrderResult, error)
	AmendOrder(ctx context.Context, ref OrderRef, symbol string, params AmendParams) (OrderResult, error)
	CancelOrder(ctx context.Context, ref OrderRef, symbol string) error
	GetInstrumentInfo(ctx context.Context, symbol string) (InstrumentInfo, error)
}

// INotifier receives engine events. Implementations must not block the
// caller beyond trivial hand-off.
type INotifier interface {
	Notify(event Event)
}

// IAlertChannel delivers one event over one transport.
type IAlertChannel interface {
	Send(ctx context.Context, event Event) error
	Name() string
}

// IHealthRegistry aggregates component liveness checks.
type IHealthRegistry interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// IPriceSource answers "last seen price" for urgency classification. Ok is
// false when no live quote exists and callers should fall back to the
// cached mark price.
type IPriceSource interface {
	LastPrice(symbol string) (price Quote, ok bool)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
