package metadata

// Strategy selects how CreateAllocationRequest chooses among the free ranges that could
// hold a request. Both strategies produce deterministic placements for a given metadata
// state, but they are observably different: first-fit prefers low offsets, best-fit
// prefers tight fits.
type Strategy uint32

const (
	// StrategyFirstFit selects the free range with the lowest offset that is large
	// enough for the request. This is the default.
	StrategyFirstFit Strategy = iota
	// StrategyBestFit selects the smallest free range that is large enough for the
	// request. Ties are broken in favor of the lower offset.
	StrategyBestFit
)

var strategyMapping = map[Strategy]string{
	StrategyFirstFit: "StrategyFirstFit",
	StrategyBestFit:  "StrategyBestFit",
}

func (s Strategy) String() string {
	return strategyMapping[s]
}
