package health

import (
	"context"
	"fmt"
	"strings"

	"github.com/MrWong99/consultflow/internal/resilience"
)

// Pinger is satisfied by the export stores.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BreakerChecker fails while any of breakers is open. Half-open breakers
// pass: the next call is the probe that decides.
func BreakerChecker(name string, breakers ...*resilience.CircuitBreaker) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			var open []string
			for _, cb := range breakers {
				if cb != nil && cb.State() == resilience.StateOpen {
					open = append(open, cb.Name())
				}
			}
			if len(open) > 0 {
				return fmt.Errorf("circuit open: %s", strings.Join(open, ", "))
			}
			return nil
		},
	}
}

// PingChecker wraps a store ping.
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}
