package sequence

import (
	"context"
	"fmt"
	"strings"

	"dripflow/models"
)

// ConditionEvaluator decides which way a branch step goes. The concrete
// predicate grammar is a pluggable collaborator; anything richer than the
// shipped engagement checks implements this interface.
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, kind models.ConditionKind, lead *models.Lead, enrollment *models.Enrollment) (bool, error)
}

// EngagementEvaluator answers the replied/opened checks from the lead's
// recorded engagement.
type EngagementEvaluator struct{}

func (EngagementEvaluator) Evaluate(_ context.Context, kind models.ConditionKind, lead *models.Lead, _ *models.Enrollment) (bool, error) {
	switch kind {
	case models.ConditionReplied:
		return lead.RepliedAt != nil, nil
	case models.ConditionOpened:
		return lead.OpenedAt != nil, nil
	default:
		return false, fmt.Errorf("unknown condition kind %q", kind)
	}
}

// RenderTemplate substitutes merge fields into a step subject or body.
func RenderTemplate(text string, lead *models.Lead) string {
	replacer := strings.NewReplacer(
		"{{FirstName}}", lead.FirstName,
		"{{LastName}}", lead.LastName,
		"{{Company}}", lead.Company,
		"{{Email}}", lead.Email,
	)
	return replacer.Replace(text)
}
