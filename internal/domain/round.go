// Package domain defines the data model shared by the protocol engine, its stores and its clients.
package domain

import "fmt"

// Quarter is a sub-phase of a round as reported by the mediator.
type Quarter uint8

const (
	// QuarterFetchFills is the quarter in which fills of the previous round are final.
	QuarterFetchFills Quarter = iota
	// QuarterAudit is the quarter in which the operator publishes solvency proofs.
	QuarterAudit
	QuarterTwo
	QuarterThree
)

// QuartersPerRound number of quarters in a round.
const QuartersPerRound = 4

// Valid reports whether q is one of the four quarters.
func (q Quarter) Valid() bool {
	return q < QuartersPerRound
}

// String returns a human-readable string representation.
func (q Quarter) String() string {
	switch q {
	case QuarterFetchFills:
		return "fetch-fills"
	case QuarterAudit:
		return "audit"
	case QuarterTwo:
		return "q2"
	case QuarterThree:
		return "q3"
	default:
		return fmt.Sprintf("quarter(%d)", uint8(q))
	}
}

const (
	withdrawalMargin           = 2
	withdrawalMarginVulnerable = 3
)

// WithdrawableRound returns the most recent request round that may be confirmed now.
// The margin grows by one round while the mediator is in the fill-fetch quarter or halted.
// ok is false when the current round is too young for any request to be confirmable.
func WithdrawableRound(currentRound uint64, quarter Quarter, halted bool) (round uint64, ok bool) {
	margin := uint64(withdrawalMargin)
	if quarter == QuarterFetchFills || halted {
		margin = withdrawalMarginVulnerable
	}
	if currentRound < margin {
		return 0, false
	}

	return currentRound - margin, true
}
