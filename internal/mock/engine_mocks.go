package mock

import (
	"sync"

	"tpsl_engine/internal/core"

	"github.com/shopspring/decimal"
)

// Notifier implements core.INotifier and records every event it receives.
type Notifier struct {
	mu     sync.Mutex
	events []core.Event
}

func NewNotifier() *Notifier {
	return &Notifier{}
}

func (n *Notifier) Notify(event core.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

// Events returns a copy of the captured events in arrival order.
func (n *Notifier) Events() []core.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]core.Event(nil), n.events...)
}

// EventsOfKind filters captured events by kind.
func (n *Notifier) EventsOfKind(kind core.EventKind) []core.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []core.Event
	for _, e := range n.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

// Reset drops all captured events.
func (n *Notifier) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = nil
}

// Logger implements core.ILogger and discards everything. It keeps tests
// quiet without pulling in the zap construction path.
type Logger struct{}

func NewLogger() *Logger {
	return &Logger{}
}

func (l *Logger) Debug(msg string, fields ...interface{})        {}
func (l *Logger) Info(msg string, fields ...interface{})         {}
func (l *Logger) Warn(msg string, fields ...interface{})         {}
func (l *Logger) Error(msg string, fields ...interface{})        {}
func (l *Logger) Fatal(msg string, fields ...interface{})        {}
func (l *Logger) WithField(string, interface{}) core.ILogger     { return l }
func (l *Logger) WithFields(map[string]interface{}) core.ILogger { return l }

// PriceSource implements core.IPriceSource from a static price table.
type PriceSource struct {
	mu     sync.RWMutex
	quotes map[string]core.Quote
}

func NewPriceSource() *PriceSource {
	return &PriceSource{quotes: make(map[string]core.Quote)}
}

// SetPrice publishes a quote for the symbol.
func (p *PriceSource) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = core.Quote{Price: price}
}

func (p *PriceSource) LastPrice(symbol string) (core.Quote, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	q, ok := p.quotes[symbol]
	return q, ok
}
