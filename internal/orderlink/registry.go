package orderlink

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"tpsl_engine/internal/core"

	"github.com/google/uuid"
)

// Kind tags what an order does for a monitor.
type Kind string

const (
	KindTP    Kind = "TP"
	KindSL    Kind = "SL"
	KindEntry Kind = "ENTRY"
)

// MaxLinkIDLength is the venue's orderLinkId limit.
const MaxLinkIDLength = 36

const randLen = 4

// Parsed is a link ID split back into its parts.
type Parsed struct {
	Account core.Account
	Kind    Kind
	Index   int
	Symbol  string // possibly truncated at generation time
	TsMs    int64
}

// Registry generates process-globally unique link IDs of the form
// {BOT|MIR}_{TP|SL|ENTRY}{N}_{SYMBOL}_{MS_EPOCH}_{RAND4}. Every attempt
// gets a fresh ID; nothing is ever reissued within one process lifetime.
type Registry struct {
	clock core.Clock

	mu   sync.Mutex
	used map[string]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry(clock core.Clock) *Registry {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Registry{
		clock: clock,
		used:  make(map[string]struct{}),
	}
}

// Generate returns a new unique link ID. The symbol part is truncated when
// the full ID would exceed the venue limit.
func (r *Registry) Generate(account core.Account, kind Kind, index int, symbol string) string {
	prefix := account.LinkPrefix()
	tag := fmt.Sprintf("%s%d", kind, index)
	epoch := strconv.FormatInt(r.clock.Now().UnixMilli(), 10)

	// Four separators plus the fixed parts bound the symbol budget.
	budget := MaxLinkIDLength - len(prefix) - len(tag) - len(epoch) - randLen - 4
	if budget < 0 {
		budget = 0
	}
	if len(symbol) > budget {
		symbol = symbol[:budget]
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for {
		u := uuid.New()
		id := fmt.Sprintf("%s_%s_%s_%s_%x", prefix, tag, symbol, epoch, u[:randLen/2])
		if _, dup := r.used[id]; dup {
			continue
		}
		r.used[id] = struct{}{}
		return id
	}
}

// Reserve marks an externally-observed link ID as used, so recovery paths
// that adopt live orders never collide with future generation.
func (r *Registry) Reserve(linkID string) {
	if linkID == "" {
		return
	}
	r.mu.Lock()
	r.used[linkID] = struct{}{}
	r.mu.Unlock()
}

// Size reports how many IDs this process has issued or reserved.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.used)
}

// IsOurs reports whether the link ID carries one of this bot's prefixes.
// With external-order protection enabled, everything else is untouchable.
func IsOurs(linkID string) bool {
	return strings.HasPrefix(linkID, core.AccountMain.LinkPrefix()+"_") ||
		strings.HasPrefix(linkID, core.AccountMirror.LinkPrefix()+"_")
}

// Parse splits a link ID generated by this bot. ok is false for foreign or
// malformed IDs.
func Parse(linkID string) (Parsed, bool) {
	parts := strings.Split(linkID, "_")
	if len(parts) != 5 {
		return Parsed{}, false
	}

	var account core.Account
	switch parts[0] {
	case core.AccountMain.LinkPrefix():
		account = core.AccountMain
	case core.AccountMirror.LinkPrefix():
		account = core.AccountMirror
	default:
		return Parsed{}, false
	}

	kind, index, ok := splitKindTag(parts[1])
	if !ok {
		return Parsed{}, false
	}

	ts, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Parsed{}, false
	}

	return Parsed{
		Account: account,
		Kind:    kind,
		Index:   index,
		Symbol:  parts[2],
		TsMs:    ts,
	}, true
}

func splitKindTag(tag string) (Kind, int, bool) {
	for _, k := range []Kind{KindEntry, KindTP, KindSL} {
		if strings.HasPrefix(tag, string(k)) {
			n, err := strconv.Atoi(tag[len(k):])
			if err != nil || n < 1 {
				return "", 0, false
			}
			return k, n, true
		}
	}
	return "", 0, false
}

// ClassifyOrder identifies what an open order is to a monitor whose
// position side is positionSide. The link ID decides when readable; the
// fallback uses reduce-only, side and trigger presence, returning index 0
// because foreign IDs carry no slot number.
func ClassifyOrder(order core.Order, positionSide core.Side) (Kind, int, bool) {
	if p, ok := Parse(order.OrderLinkID); ok {
		return p.Kind, p.Index, true
	}

	exitSide := positionSide.Opposite()
	switch {
	case order.ReduceOnly && order.Side == exitSide && (order.TriggerPrice.IsPositive() || order.StopOrderType == core.StopTypeStopLoss):
		return KindSL, 0, true
	case order.ReduceOnly && order.Side == exitSide && order.OrderType == core.OrderTypeLimit:
		return KindTP, 0, true
	case !order.ReduceOnly && order.Side == positionSide:
		return KindEntry, 0, true
	}
	return "", 0, false
}
