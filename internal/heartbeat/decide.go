package heartbeat

import (
	"fmt"
	"strings"
)

// Action is a position-defense decision.
type Action string

const (
	ActionHold              Action = "hold"
	ActionTightenStop       Action = "tighten_stop"
	ActionAdjustTakeProfit  Action = "adjust_take_profit"
	ActionTakePartialProfit Action = "take_partial_profit"
	ActionCloseEntirely     Action = "close_entirely"
)

var severity = map[Action]int{
	ActionHold:              0,
	ActionAdjustTakeProfit:  1,
	ActionTightenStop:       2,
	ActionTakePartialProfit: 3,
	ActionCloseEntirely:     4,
}

// Valid reports whether a is a known action.
func (a Action) Valid() bool {
	_, ok := severity[a]
	return ok
}

// RequiresOrder reports whether a is acted on with a reduce-only order.
func (a Action) RequiresOrder() bool {
	return a == ActionCloseEntirely || a == ActionTakePartialProfit
}

// Decision is the heartbeat's verdict for one tick.
type Decision struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// DecideConfig maps fired triggers to actions.
type DecideConfig struct {
	// ActionMap overrides the default action per trigger. The mapping for
	// liquidation_proximity cannot be overridden.
	ActionMap map[Trigger]Action
	// TimeCeilingProfitRoePct is the ROE at or above which an aged position
	// takes partial profit instead of holding.
	TimeCeilingProfitRoePct float64
}

func (c DecideConfig) actionFor(t Trigger, points []Point) (Action, string) {
	if t == LiquidationProximity {
		return ActionCloseEntirely, "liquidation proximity"
	}
	if a, ok := c.ActionMap[t]; ok && a.Valid() {
		return a, fmt.Sprintf("%s mapped to %s", t, a)
	}

	n := len(points)
	switch t {
	case PnlShift:
		if n >= 2 && points[n-1].RoePct < points[n-2].RoePct {
			return ActionTightenStop, fmt.Sprintf("roe fell %.2f%% -> %.2f%%", points[n-2].RoePct, points[n-1].RoePct)
		}
		if n >= 2 {
			return ActionAdjustTakeProfit, fmt.Sprintf("roe rose %.2f%% -> %.2f%%", points[n-2].RoePct, points[n-1].RoePct)
		}
	case VolatilitySpike:
		return ActionTightenStop, "volatility spike"
	case TimeCeiling:
		if n > 0 && points[n-1].RoePct >= c.TimeCeilingProfitRoePct {
			return ActionTakePartialProfit, fmt.Sprintf("time ceiling reached in profit (roe %.2f%%)", points[n-1].RoePct)
		}
		return ActionHold, "time ceiling reached below profit threshold"
	}
	return ActionHold, string(t)
}

// Decide combines fired triggers into one decision. Liquidation proximity
// always closes; otherwise the most severe mapped action wins.
func Decide(fired []Trigger, points []Point, cfg DecideConfig) Decision {
	if len(fired) == 0 {
		return Decision{Action: ActionHold, Reason: "no trigger fired"}
	}
	for _, t := range fired {
		if t == LiquidationProximity {
			_, reason := cfg.actionFor(t, points)
			return Decision{Action: ActionCloseEntirely, Reason: reason}
		}
	}

	best := Decision{Action: ActionHold}
	var reasons []string
	for _, t := range fired {
		a, reason := cfg.actionFor(t, points)
		reasons = append(reasons, reason)
		if severity[a] > severity[best.Action] {
			best.Action = a
		}
	}
	best.Reason = strings.Join(reasons, "; ")
	return best
}
