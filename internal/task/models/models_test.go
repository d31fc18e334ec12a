package models

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPriorityRank(t *testing.T) {
	assert.Equal(t, 0, PriorityUrgent.Rank())
	assert.Equal(t, 1, PriorityHigh.Rank())
	assert.Equal(t, 2, PriorityMedium.Rank())
	assert.Equal(t, 3, PriorityLow.Rank())
	assert.Equal(t, 3, Priority("bogus").Rank())
}

func TestStatusIsTerminal(t *testing.T) {
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusRunning.IsTerminal())
	assert.True(t, StatusDone.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.True(t, StatusCancelled.IsTerminal())
}

func TestErrorTypeIsPermanent(t *testing.T) {
	assert.True(t, ErrorTypeContextExceeded.IsPermanent())
	assert.True(t, ErrorTypeAgentNotFound.IsPermanent())
	assert.False(t, ErrorTypeRateLimit.IsPermanent())
	assert.False(t, ErrorTypeTimeout.IsPermanent())
	assert.False(t, ErrorTypeToolResultMissing.IsPermanent())
	assert.False(t, ErrorTypeUnknown.IsPermanent())
}

func TestValidatePrompt(t *testing.T) {
	assert.Error(t, ValidatePrompt(""))
	assert.Error(t, ValidatePrompt("   \n\t "))
	assert.NoError(t, ValidatePrompt("fix the build"))

	assert.NoError(t, ValidatePrompt(strings.Repeat("a", MaxPromptLength)))
	assert.Error(t, ValidatePrompt(strings.Repeat("a", MaxPromptLength+1)))
}
