package escalation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

func pendingDescriptor(entityID string) contracts.EscalationDescriptor {
	return contracts.EscalationDescriptor{
		CycleID:          contracts.NewID("cycle"),
		LineageID:        contracts.NewID("lin"),
		IntentID:         "intent_1",
		EntityID:         entityID,
		DriftDescription: "SLA breach imminent",
		ProposalsTried:   3,
		RejectionReasons: []string{"gdpr_consent_required"},
	}
}

func TestEnqueueAssignsDefaults(t *testing.T) {
	q := NewQueue(nil)
	d := q.Enqueue(pendingDescriptor("lead_4821"))
	assert.NotEmpty(t, d.ID)
	assert.Equal(t, contracts.EscalationPending, d.Status)
	assert.False(t, d.CreatedAt.IsZero())
}

func TestPendingOrdering(t *testing.T) {
	base := time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC)
	tick := 0
	q := NewQueue(nil).WithClock(func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	})

	first := q.Enqueue(pendingDescriptor("lead_1"))
	second := q.Enqueue(pendingDescriptor("lead_2"))

	pending := q.Pending()
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)
}

func TestResolveClearsCircuitBreaker(t *testing.T) {
	q := NewQueue(nil)
	var cleared []string
	q.OnResolve(func(entityID string) { cleared = append(cleared, entityID) })

	d := q.Enqueue(pendingDescriptor("lead_4821"))
	res, err := q.Resolve(d.ID, "approved manual outreach", "oncall@example.com")
	require.NoError(t, err)

	assert.Equal(t, contracts.EscalationResolved, res.Descriptor.Status)
	assert.Equal(t, "oncall@example.com", res.Descriptor.ResolvedBy)
	require.NotNil(t, res.Descriptor.ResolvedAt)
	assert.Equal(t, []string{"lead_4821"}, cleared)
	assert.Empty(t, res.Token, "no issuer configured")

	assert.Empty(t, q.Pending())
}

func TestResolveErrors(t *testing.T) {
	q := NewQueue(nil)
	d := q.Enqueue(pendingDescriptor("lead_4821"))

	_, err := q.Resolve("esc_missing", "x", "y")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = q.Resolve(d.ID, "", "y")
	assert.Error(t, err)

	_, err = q.Resolve(d.ID, "done", "oncall")
	require.NoError(t, err)
	_, err = q.Resolve(d.ID, "again", "oncall")
	assert.ErrorIs(t, err, ErrAlreadyResolved)
}

func TestResolveMintsToken(t *testing.T) {
	issuer := NewTokenIssuer("test-secret", time.Minute)
	require.NotNil(t, issuer)
	q := NewQueue(issuer)

	d := q.Enqueue(pendingDescriptor("lead_4821"))
	res, err := q.Resolve(d.ID, "proceed", "oncall")
	require.NoError(t, err)
	require.NotEmpty(t, res.Token)

	claims, err := issuer.VerifyToken(res.Token)
	require.NoError(t, err)
	assert.Equal(t, d.ID, claims.EscalationID)
	assert.Equal(t, "proceed", claims.Action)
	assert.Equal(t, "oncall", claims.Subject)
}

func TestTokenExpiry(t *testing.T) {
	base := time.Date(2026, 2, 20, 10, 0, 0, 0, time.UTC)
	issuer := NewTokenIssuer("test-secret", time.Minute).WithClock(func() time.Time { return base })

	token, err := issuer.Issue("oncall", "esc_1", "proceed")
	require.NoError(t, err)

	_, err = issuer.VerifyToken(token)
	assert.NoError(t, err)

	issuer.WithClock(func() time.Time { return base.Add(2 * time.Minute) })
	_, err = issuer.VerifyToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNoSecretMeansNoIssuer(t *testing.T) {
	assert.Nil(t, NewTokenIssuer("", time.Minute))
}
