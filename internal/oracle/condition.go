// Package oracle answers market questions from external data feeds.
//
// A market's oracle source is written "kind:ref", e.g.
// "chainlink:0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419" or "http:btc-usd",
// and its condition compares the feed value against a threshold, e.g.
// "> 5000". The market resolves YES when the condition holds.
package oracle

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/predictpool/internal/domain"
)

// Condition is a comparison applied to a feed value.
type Condition struct {
	Op        string
	Threshold decimal.Decimal
}

var ops = []string{">=", "<=", "==", "!=", ">", "<"}

// ParseCondition parses "<op> <number>" where op is one of
// >, >=, <, <=, ==, !=.
func ParseCondition(s string) (Condition, error) {
	s = strings.TrimSpace(s)
	for _, op := range ops {
		if !strings.HasPrefix(s, op) {
			continue
		}
		num := strings.TrimSpace(strings.TrimPrefix(s, op))
		v, err := decimal.NewFromString(num)
		if err != nil {
			return Condition{}, fmt.Errorf("oracle: condition %q: bad threshold: %w", s, err)
		}
		return Condition{Op: op, Threshold: v}, nil
	}
	return Condition{}, fmt.Errorf("oracle: condition %q: expected one of %s followed by a number", s, strings.Join(ops, " "))
}

// Holds reports whether v satisfies the condition.
func (c Condition) Holds(v decimal.Decimal) bool {
	cmp := v.Cmp(c.Threshold)
	switch c.Op {
	case ">":
		return cmp > 0
	case ">=":
		return cmp >= 0
	case "<":
		return cmp < 0
	case "<=":
		return cmp <= 0
	case "==":
		return cmp == 0
	case "!=":
		return cmp != 0
	}
	return false
}

// Outcome maps v to YES when the condition holds and NO otherwise.
func (c Condition) Outcome(v decimal.Decimal) domain.Outcome {
	if c.Holds(v) {
		return domain.OutcomeYes
	}
	return domain.OutcomeNo
}

func (c Condition) String() string { return c.Op + " " + c.Threshold.String() }
