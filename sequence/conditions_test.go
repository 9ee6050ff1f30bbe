package sequence

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dripflow/models"
)

func TestEngagementEvaluator(t *testing.T) {
	ctx := context.Background()
	eval := EngagementEvaluator{}
	now := time.Now()

	silent := &models.Lead{}
	replied := &models.Lead{RepliedAt: &now}
	opened := &models.Lead{OpenedAt: &now}

	got, err := eval.Evaluate(ctx, models.ConditionReplied, silent, nil)
	require.NoError(t, err)
	assert.False(t, got)

	got, err = eval.Evaluate(ctx, models.ConditionReplied, replied, nil)
	require.NoError(t, err)
	assert.True(t, got)

	got, err = eval.Evaluate(ctx, models.ConditionOpened, opened, nil)
	require.NoError(t, err)
	assert.True(t, got)

	_, err = eval.Evaluate(ctx, "starred", silent, nil)
	assert.Error(t, err)
}

func TestRenderTemplate(t *testing.T) {
	lead := &models.Lead{
		Email:     "ada@example.com",
		FirstName: "Ada",
		LastName:  "Lovelace",
		Company:   "Analytical Engines",
	}

	assert.Equal(t,
		"Hi Ada Lovelace from Analytical Engines (ada@example.com)",
		RenderTemplate("Hi {{FirstName}} {{LastName}} from {{Company}} ({{Email}})", lead))

	// Unknown fields pass through untouched.
	assert.Equal(t, "Hello {{Nickname}}", RenderTemplate("Hello {{Nickname}}", lead))
	assert.Equal(t, "plain text", RenderTemplate("plain text", lead))
}
