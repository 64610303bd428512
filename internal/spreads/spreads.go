// Package spreads turns a snapshot of option Greeks into ranked two-leg
// debit-spread recommendations.
package spreads

import (
	"math"
	"sort"
	"strconv"

	"github.com/sirupsen/logrus"

	"github.com/raj577/DeltaDeck/internal/broker"
	"github.com/raj577/DeltaDeck/internal/models"
)

type OptionType string

const (
	OptionCall OptionType = "CE"
	OptionPut  OptionType = "PE"
)

type SpreadType string

const (
	BullCall SpreadType = "Bull Call Spread"
	BearPut  SpreadType = "Bear Put Spread"
)

// Acceptance band for the delta difference between the two legs, and the
// result cap.
const (
	minDeltaDiff = 0.15
	maxDeltaDiff = 0.26

	maxRecommendations = 10
)

// estimatedNetPremium is a placeholder debit in index points. The Greeks
// snapshot carries no live premium quotes, so every premium-derived metric is
// an estimate, not a quote.
const estimatedNetPremium = 50.0

// Contract is one option row after validation. Delta is stored as a
// non-negative magnitude for both calls and puts.
type Contract struct {
	Strike            float64
	Premium           float64
	Delta             float64
	Gamma             float64
	Theta             float64
	Vega              float64
	ImpliedVolatility float64
	Volume            int
	OptionType        OptionType
	Expiry            string
	Symbol            string
}

// Recommendation is one ranked two-leg debit spread.
type Recommendation struct {
	Type   SpreadType `json:"type"`
	Symbol string     `json:"symbol"`
	Expiry string     `json:"expiry"`

	BuyStrike  float64 `json:"buy_strike"`
	BuyPremium float64 `json:"buy_premium"`
	BuyDelta   float64 `json:"buy_delta"`

	SellStrike  float64 `json:"sell_strike"`
	SellPremium float64 `json:"sell_premium"`
	SellDelta   float64 `json:"sell_delta"`

	DeltaDifference float64 `json:"delta_difference"`
	NetPremium      float64 `json:"net_premium"`
	MaxProfit       float64 `json:"max_profit"`
	MaxLoss         float64 `json:"max_loss"`
	Breakeven       float64 `json:"breakeven"`

	ProfitPer100Up   float64 `json:"profit_per_100_up"`
	ProfitPer100Down float64 `json:"profit_per_100_down"`

	RiskRewardRatio   float64 `json:"risk_reward_ratio"`
	ProbabilityProfit float64 `json:"probability_profit"`

	TotalVolume int `json:"total_volume"`
}

// Analyzer matches buy and sell legs out of a Greeks snapshot.
type Analyzer struct {
	logger *logrus.Logger
}

func NewAnalyzer(logger *logrus.Logger) *Analyzer {
	return &Analyzer{logger: logger}
}

// ParseRows converts raw venue Greeks rows into Contracts. Rows with
// unparsable numeric fields are dropped rather than failing the snapshot.
func (a *Analyzer) ParseRows(rows []broker.GreekRow, symbol string) []Contract {
	contracts := make([]Contract, 0, len(rows))
	for _, row := range rows {
		c, err := parseRow(row, symbol)
		if err != nil {
			a.logger.WithError(err).Warn("Skipping invalid option row")
			continue
		}
		contracts = append(contracts, c)
	}
	return contracts
}

func parseRow(row broker.GreekRow, symbol string) (Contract, error) {
	strike, err := strconv.ParseFloat(row.StrikePrice, 64)
	if err != nil {
		return Contract{}, err
	}
	delta, err := strconv.ParseFloat(row.Delta, 64)
	if err != nil {
		return Contract{}, err
	}
	gamma, err := strconv.ParseFloat(row.Gamma, 64)
	if err != nil {
		return Contract{}, err
	}
	theta, err := strconv.ParseFloat(row.Theta, 64)
	if err != nil {
		return Contract{}, err
	}
	vega, err := strconv.ParseFloat(row.Vega, 64)
	if err != nil {
		return Contract{}, err
	}
	iv, err := strconv.ParseFloat(row.ImpliedVolatility, 64)
	if err != nil {
		return Contract{}, err
	}
	volume, err := strconv.ParseFloat(row.TradeVolume, 64)
	if err != nil {
		return Contract{}, err
	}

	optType := OptionPut
	if row.OptionType == "CE" {
		optType = OptionCall
	}

	return Contract{
		Strike:            strike,
		Delta:             math.Abs(delta),
		Gamma:             gamma,
		Theta:             theta,
		Vega:              vega,
		ImpliedVolatility: iv,
		Volume:            int(volume),
		OptionType:        optType,
		Expiry:            row.Expiry,
		Symbol:            symbol,
	}, nil
}

// Analyze parses the snapshot and returns the ranked recommendations, best
// risk:reward first, capped at ten.
func (a *Analyzer) Analyze(rows []broker.GreekRow, symbol string, currentPrice float64) []Recommendation {
	contracts := a.ParseRows(rows, symbol)
	if len(contracts) == 0 {
		a.logger.WithField("symbol", symbol).Warn("No valid option rows in snapshot")
		return []Recommendation{}
	}
	return a.Match(contracts, currentPrice)
}

// Match derives recommendations from already-validated contracts. Each call
// re-derives from scratch per snapshot.
func (a *Analyzer) Match(contracts []Contract, currentPrice float64) []Recommendation {
	var calls, puts []Contract
	for _, c := range contracts {
		if c.OptionType == OptionCall {
			calls = append(calls, c)
		} else {
			puts = append(puts, c)
		}
	}
	a.logger.WithFields(logrus.Fields{"calls": len(calls), "puts": len(puts)}).Info("Analyzing option snapshot")

	all := append(a.bullCallSpreads(calls, currentPrice), a.bearPutSpreads(puts, currentPrice)...)

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].RiskRewardRatio > all[j].RiskRewardRatio
	})

	if len(all) > maxRecommendations {
		all = all[:maxRecommendations]
	}
	a.logger.WithField("spreads", len(all)).Info("Spread matching complete")
	return all
}

// bullCallSpreads pairs the ATM call as the fixed buy leg against every
// higher-strike call whose delta difference falls in the target band.
func (a *Analyzer) bullCallSpreads(calls []Contract, currentPrice float64) []Recommendation {
	var spreads []Recommendation
	buy, ok := atmContract(calls, currentPrice)
	if !ok {
		return spreads
	}
	lotSize := float64(models.LotSize(buy.Symbol))

	for _, sell := range calls {
		if sell.Strike <= buy.Strike {
			continue
		}
		deltaDiff := buy.Delta - sell.Delta
		if deltaDiff < minDeltaDiff || deltaDiff > maxDeltaDiff {
			continue
		}

		strikeDiff := sell.Strike - buy.Strike
		spreads = append(spreads, buildRecommendation(
			BullCall, buy, sell, deltaDiff, strikeDiff, lotSize,
			buy.Strike+estimatedNetPremium,
			deltaDiff*100*lotSize,
			-deltaDiff*100*lotSize,
		))
	}
	return spreads
}

// bearPutSpreads is the mirror image: ATM put buy leg, lower-strike sells.
func (a *Analyzer) bearPutSpreads(puts []Contract, currentPrice float64) []Recommendation {
	var spreads []Recommendation
	buy, ok := atmContract(puts, currentPrice)
	if !ok {
		return spreads
	}
	lotSize := float64(models.LotSize(buy.Symbol))

	for _, sell := range puts {
		if sell.Strike >= buy.Strike {
			continue
		}
		deltaDiff := buy.Delta - sell.Delta
		if deltaDiff < minDeltaDiff || deltaDiff > maxDeltaDiff {
			continue
		}

		strikeDiff := buy.Strike - sell.Strike
		spreads = append(spreads, buildRecommendation(
			BearPut, buy, sell, deltaDiff, strikeDiff, lotSize,
			buy.Strike-estimatedNetPremium,
			-deltaDiff*100*lotSize,
			deltaDiff*100*lotSize,
		))
	}
	return spreads
}

// atmContract picks the buy leg: the contract at exactly the strike nearest
// the current price. Strict equality on the computed ATM strike; when the
// snapshot has no contract at it, no spread is produced for that leg type.
func atmContract(contracts []Contract, currentPrice float64) (Contract, bool) {
	if len(contracts) == 0 {
		return Contract{}, false
	}

	atmStrike := contracts[0].Strike
	for _, c := range contracts[1:] {
		if math.Abs(c.Strike-currentPrice) < math.Abs(atmStrike-currentPrice) {
			atmStrike = c.Strike
		}
	}
	for _, c := range contracts {
		if c.Strike == atmStrike {
			return c, true
		}
	}
	return Contract{}, false
}

func buildRecommendation(kind SpreadType, buy, sell Contract, deltaDiff, strikeDiff, lotSize, breakeven, per100Up, per100Down float64) Recommendation {
	maxProfit := (strikeDiff - estimatedNetPremium) * lotSize
	maxLoss := estimatedNetPremium * lotSize

	riskReward := 0.0
	if maxLoss > 0 {
		riskReward = maxProfit / maxLoss
	}

	return Recommendation{
		Type:   kind,
		Symbol: buy.Symbol,
		Expiry: buy.Expiry,

		BuyStrike:  buy.Strike,
		BuyPremium: estimatedNetPremium,
		BuyDelta:   buy.Delta,

		SellStrike:  sell.Strike,
		SellPremium: estimatedNetPremium * 0.6,
		SellDelta:   sell.Delta,

		DeltaDifference: deltaDiff,
		NetPremium:      estimatedNetPremium,
		MaxProfit:       maxProfit,
		MaxLoss:         maxLoss,
		Breakeven:       breakeven,

		ProfitPer100Up:   per100Up,
		ProfitPer100Down: per100Down,

		RiskRewardRatio:   riskReward,
		ProbabilityProfit: buy.Delta * 100,

		TotalVolume: buy.Volume + sell.Volume,
	}
}
