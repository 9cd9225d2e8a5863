package journal

// Segment is the market segment a trade was taken in.
type Segment struct {
	SignalClass      string `json:"signal_class,omitempty"`
	MarketRegime     string `json:"market_regime,omitempty"`
	VolatilityBucket string `json:"volatility_bucket,omitempty"`
	LiquidityBucket  string `json:"liquidity_bucket,omitempty"`
}

// GateDecision records a trade gate evaluation for one candidate.
type GateDecision struct {
	Segment
	Side           string   `json:"side"`
	ExpectedEdge   float64  `json:"expected_edge"`
	Confidence     float64  `json:"confidence"`
	Allowed        bool     `json:"allowed"`
	ReasonCode     string   `json:"reason_code,omitempty"`
	Reason         string   `json:"reason,omitempty"`
	SizeMultiplier float64  `json:"size_multiplier"`
	PolicyVersion  int64    `json:"policy_version"`
	QualityScore   *float64 `json:"quality_score,omitempty"`
	QualitySamples int      `json:"quality_samples,omitempty"`
}

func (*GateDecision) Kind() Kind { return KindGateDecision }
func (*GateDecision) sealed()    {}

// TradeExecution records an order submitted by the scan loop or the heartbeat.
type TradeExecution struct {
	Segment
	Side           string  `json:"side"`
	ReduceOnly     bool    `json:"reduce_only"`
	ExpectedEdge   float64 `json:"expected_edge,omitempty"`
	Confidence     float64 `json:"confidence,omitempty"`
	Notional       float64 `json:"notional"`
	TargetNotional float64 `json:"target_notional,omitempty"`
	Leverage       int     `json:"leverage,omitempty"`
	SizeMultiplier float64 `json:"size_multiplier,omitempty"`
	SessionBucket  string  `json:"session_bucket,omitempty"`
	SessionWeight  float64 `json:"session_weight,omitempty"`
	ClientOrderID  string  `json:"client_order_id"`
	OrderID        int64   `json:"order_id,omitempty"`
	ExecutedQty    float64 `json:"executed_qty,omitempty"`
	AvgPrice       float64 `json:"avg_price,omitempty"`
	Attempts       int     `json:"attempts"`
	Error          string  `json:"error,omitempty"`
}

func (*TradeExecution) Kind() Kind { return KindTradeExecution }
func (*TradeExecution) sealed()    {}

// TradeClose records the exit of a position opened by a trade_execution
// entry, linked through EntryFingerprint. ROE figures are percent of margin.
type TradeClose struct {
	EntryFingerprint string   `json:"entry_fingerprint"`
	Side             string   `json:"side"`
	Reason           string   `json:"reason"`
	Triggers         []string `json:"triggers,omitempty"`
	ReturnRoePct     *float64 `json:"return_roe_pct,omitempty"`
	MFERoePct        *float64 `json:"mfe_roe_pct,omitempty"`
	MAERoePct        *float64 `json:"mae_roe_pct,omitempty"`
	RealizedPnl      float64  `json:"realized_pnl"`
	Domain           string   `json:"domain,omitempty"`
	HoldMinutes      float64  `json:"hold_minutes"`
	ExitPrice        float64  `json:"exit_price,omitempty"`
	Quantity         float64  `json:"quantity"`
	ClientOrderID    string   `json:"client_order_id,omitempty"`
}

func (*TradeClose) Kind() Kind { return KindTradeClose }
func (*TradeClose) sealed()    {}

// Snapshot is the market/position view a heartbeat decision was made on.
type Snapshot struct {
	MarkPrice        float64 `json:"mark_price"`
	Mid              float64 `json:"mid"`
	PositionAmt      float64 `json:"position_amt"`
	EntryPrice       float64 `json:"entry_price"`
	Leverage         int     `json:"leverage"`
	LiquidationPrice float64 `json:"liquidation_price"`
	UnrealizedPnl    float64 `json:"unrealized_pnl"`
	RoePct           float64 `json:"roe_pct"`
	LiqDistPct       float64 `json:"liq_dist_pct"`
	BufferLen        int     `json:"buffer_len"`
}

// PositionHeartbeat records one heartbeat tick decision.
type PositionHeartbeat struct {
	Triggers      []string  `json:"triggers"`
	Action        string    `json:"action"`
	Reason        string    `json:"reason"`
	Snapshot      *Snapshot `json:"snapshot,omitempty"`
	PollAttempts  int       `json:"poll_attempts"`
	OrderAttempts int       `json:"order_attempts,omitempty"`
	ClientOrderID string    `json:"client_order_id,omitempty"`
	Error         string    `json:"error,omitempty"`
}

func (*PositionHeartbeat) Kind() Kind { return KindPositionHeartbeat }
func (*PositionHeartbeat) sealed()    {}
