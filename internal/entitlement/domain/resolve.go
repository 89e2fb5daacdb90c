package domain

import (
	"sort"
	"time"

	subscriptiondomain "github.com/smallbiznis/grantway/internal/subscription/domain"
)

// Resolve computes the derived grant set for one subscription snapshot.
// It is a pure function of its inputs: no clock reads, no I/O. Manual
// overrides are not part of the result; they live in their own rows and
// are merged at read time.
//
// States outside the entitlement-granting set yield no derived grants,
// which is how cancellation and expiry revoke access.
func Resolve(sub *subscriptiondomain.Subscription, features []string, now time.Time) []Grant {
	if sub == nil || !sub.Status.GrantsEntitlements() {
		return nil
	}

	source := SourcePlan
	var expiresAt *time.Time
	if sub.Status == subscriptiondomain.StatusTrialing {
		source = SourceTrial
		expiresAt = sub.TrialEnd
	}

	seen := make(map[string]struct{}, len(features))
	grants := make([]Grant, 0, len(features))
	for _, key := range features {
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		subID := sub.ID
		grants = append(grants, Grant{
			AccountID:      sub.AccountID,
			FeatureKey:     key,
			Source:         source,
			SubscriptionID: &subID,
			Active:         true,
			ExpiresAt:      expiresAt,
			CreatedAt:      now.UTC(),
			UpdatedAt:      now.UTC(),
		})
	}

	sort.Slice(grants, func(i, j int) bool { return grants[i].FeatureKey < grants[j].FeatureKey })
	return grants
}

// Merge combines derived grants with manual overrides, dropping expired
// rows. Overrides win on feature-key collisions both ways: an active
// override grants the feature, an inactive one suppresses it even when
// the plan would grant it.
func Merge(derived, overrides []Grant, now time.Time) []Grant {
	manual := make(map[string]struct{}, len(overrides))
	out := make([]Grant, 0, len(derived)+len(overrides))

	for _, g := range overrides {
		if !g.Effective(now) {
			continue
		}
		manual[g.FeatureKey] = struct{}{}
		if !g.Active {
			continue
		}
		out = append(out, g)
	}
	for _, g := range derived {
		if !g.Active || !g.Effective(now) {
			continue
		}
		if _, overridden := manual[g.FeatureKey]; overridden {
			continue
		}
		out = append(out, g)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].FeatureKey < out[j].FeatureKey })
	return out
}
