/**
 * @description
 * Recipient resolution against the two independent snapshot record classes.
 * The declared kind tag is authoritative: a lookup only ever scans the
 * snapshot matching the tag, and a miss is a miss. Earlier revisions of the
 * platform fell back to scanning the other record class when the first lookup
 * failed, which silently misrouted donations whenever a charity and a needy
 * record shared a numeric id; that fallback is deliberately absent here.
 */

package app

import (
	"github.com/givemap/donation-service/internal/domain"
	"github.com/givemap/donation-service/pkg/featureclient"
)

// resolveRecipient looks up a batch item's target strictly within the
// snapshot matching the declared kind. It returns the unified recipient view
// and false when no id match exists in that snapshot. No side effects.
func resolveRecipient(
	kind domain.RecipientKind,
	recipientID int,
	charities []featureclient.CharityRecord,
	needies []featureclient.NeedyRecord,
) (*domain.Recipient, bool) {
	switch kind {
	case domain.KindCharity:
		for i := range charities {
			if charities[i].ObjectID == recipientID {
				return charityToRecipient(&charities[i]), true
			}
		}
	case domain.KindNeedy:
		for i := range needies {
			if needies[i].ObjectID == recipientID {
				return needyToRecipient(&needies[i]), true
			}
		}
	}
	return nil, false
}

func charityToRecipient(c *featureclient.CharityRecord) *domain.Recipient {
	return &domain.Recipient{
		Kind:          domain.KindCharity,
		ObjectID:      c.ObjectID,
		Name:          c.CharityName,
		Email:         c.Email,
		Category:      c.CharitySector,
		RemainingNeed: c.RemainingNeed.Float64(),
		X:             c.X,
		Y:             c.Y,
	}
}

func needyToRecipient(n *featureclient.NeedyRecord) *domain.Recipient {
	return &domain.Recipient{
		Kind:          domain.KindNeedy,
		ObjectID:      n.ObjectID,
		Name:          n.FullName,
		Email:         n.Email,
		Category:      n.TypeOfNeed,
		RemainingNeed: n.RemainingNeed.Float64(),
		X:             n.X,
		Y:             n.Y,
	}
}
