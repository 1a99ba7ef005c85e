package exec

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Marsha313/at-trader/internal/account"
	"github.com/Marsha313/at-trader/internal/aster/rest"
	"github.com/Marsha313/at-trader/internal/strategy"
)

var clientIDSeq atomic.Uint64

// newClientID embeds the submission timestamp and a process-monotonic
// sequence so no two attempts in one run can ever collide.
func newClientID(tag string) string {
	return fmt.Sprintf("at-%s-%d-%d", tag, time.Now().UnixMilli(), clientIDSeq.Add(1))
}

// CycleResult is what one hedge cycle reports back to the scheduler and the
// per-mode statistics.
type CycleResult struct {
	Success        bool
	Mode           strategy.Mode
	SoldQty        float64
	BoughtQty      float64
	Volume         float64
	Duration       time.Duration
	MarketFallback bool
	SellViaMarket  bool
}

// leg tracks one side of a cycle across remediation and repricing: the
// active order plus the executed total of every order submitted for it.
// Leg status is owned here; nothing else mutates it.
type leg struct {
	acct   *account.Account
	symbol string
	side   rest.Side
	target float64

	clientID   string
	limitPrice float64
	state      rest.OrderState
	prevFilled float64
	curFilled  float64
	viaMarket  bool
	placed     bool
	doneAt     time.Time
}

func (l *leg) filled() float64    { return l.prevFilled + l.curFilled }
func (l *leg) remaining() float64 { return l.target - l.filled() }

func (l *leg) complete(tolerance float64) bool {
	return l.placed && l.remaining() <= tolerance
}

// rotate closes out the active order's contribution before a replacement
// order is submitted for the remainder.
func (l *leg) rotate() {
	l.prevFilled += l.curFilled
	l.curFilled = 0
	l.clientID = ""
	l.state = ""
}
