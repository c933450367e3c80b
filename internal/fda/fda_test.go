package fda_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CourageResearch/endpointarena-sub000/internal/apperr"
	"github.com/CourageResearch/endpointarena-sub000/internal/fda"
	"github.com/CourageResearch/endpointarena-sub000/internal/model"
)

func TestParseOutcome(t *testing.T) {
	out, err := fda.ParseOutcome("Approved")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeApproved, out)

	out, err = fda.ParseOutcome("Rejected")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeRejected, out)

	for _, bad := range []string{"Pending", "approved", "YES", ""} {
		_, err := fda.ParseOutcome(bad)
		assert.True(t, apperr.Is(err, apperr.KindValidation), bad)
	}
}

func TestIsFinal(t *testing.T) {
	assert.True(t, fda.IsFinal(model.OutcomeApproved))
	assert.True(t, fda.IsFinal(model.OutcomeRejected))
	assert.False(t, fda.IsFinal(model.OutcomePending))
	assert.False(t, fda.IsFinal(""))
}
