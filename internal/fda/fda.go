// Package fda holds FDA calendar domain knowledge: the historical PDUFA
// approval baseline used to seed opening prices, and outcome parsing.
package fda

import (
	"github.com/CourageResearch/endpointarena-sub000/internal/apperr"
	"github.com/CourageResearch/endpointarena-sub000/internal/model"
)

// HistoricalApprovalBaseline is the long-run PDUFA approval rate used as
// the opening probability for every new market: 193 approvals out of 238
// tracked decisions.
const HistoricalApprovalBaseline = 193.0 / 238.0

// ParseOutcome validates a settlement outcome coming in over the API.
// Only final outcomes are accepted; Pending is not a settlement.
func ParseOutcome(s string) (string, error) {
	switch s {
	case model.OutcomeApproved, model.OutcomeRejected:
		return s, nil
	default:
		return "", apperr.Validation("outcome must be %q or %q", model.OutcomeApproved, model.OutcomeRejected)
	}
}

// IsFinal reports whether the event outcome settles a market.
func IsFinal(outcome string) bool {
	return outcome == model.OutcomeApproved || outcome == model.OutcomeRejected
}
