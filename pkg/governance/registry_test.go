package governance

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Nexeom/General-Autonomy-Protocol/pkg/contracts"
)

func TestRegistryBaseline(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{
		"task_execution", "skill_modification", "drift_reconciliation",
		"escalation", "policy_proposal",
	} {
		assert.True(t, r.Validate(id), "baseline type %s", id)
	}
	assert.False(t, r.Validate("warp_drive"))

	spec, err := r.Get("policy_proposal")
	require.NoError(t, err)
	assert.Equal(t, contracts.LevelL4, spec.DefaultAuthorizationLevel)
	assert.Equal(t, "system", spec.RegisteredBy)
}

func TestRegistryVersionGate(t *testing.T) {
	r := NewRegistry()

	first, err := r.Register(contracts.ActionTypeSpec{
		TypeID:      "crm_sync",
		Description: "Synchronize CRM records",
	}, "ops")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", first.Version, "missing version defaults")
	assert.Equal(t, contracts.LevelL0, first.DefaultAuthorizationLevel)

	_, err = r.Register(contracts.ActionTypeSpec{
		TypeID:      "crm_sync",
		Description: "Synchronize CRM records",
		Version:     "1.0.0",
	}, "ops")
	assert.ErrorIs(t, err, ErrStaleVersion)

	upgraded, err := r.Register(contracts.ActionTypeSpec{
		TypeID:      "crm_sync",
		Description: "Synchronize CRM records, now with retries",
		Version:     "1.1.0",
	}, "ops")
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", upgraded.Version)

	_, err = r.Register(contracts.ActionTypeSpec{
		TypeID:      "crm_sync",
		Description: "Downgrade attempt",
		Version:     "1.0.5",
	}, "ops")
	assert.ErrorIs(t, err, ErrStaleVersion)
}

func TestRegistryRejectsInvalidSpecs(t *testing.T) {
	r := NewRegistry()

	_, err := r.Register(contracts.ActionTypeSpec{Description: "no id"}, "ops")
	assert.ErrorIs(t, err, ErrInvalidActionType)

	_, err = r.Register(contracts.ActionTypeSpec{TypeID: "x", Description: "y"}, "")
	assert.ErrorIs(t, err, ErrInvalidActionType)

	_, err = r.Register(contracts.ActionTypeSpec{
		TypeID: "x", Description: "y", Version: "not-semver",
	}, "ops")
	assert.ErrorIs(t, err, ErrInvalidActionType)
}

func TestRegistryNormalizesTypeIDs(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(contracts.ActionTypeSpec{
		TypeID:      "  CRM_Sync  ",
		Description: "Synchronize CRM records",
	}, "ops")
	require.NoError(t, err)
	assert.True(t, r.Validate("crm_sync"))
	assert.True(t, r.Validate("CRM_SYNC"))
}

func TestRegistryListSorted(t *testing.T) {
	r := NewRegistry()
	list := r.List()
	require.NotEmpty(t, list)
	for i := 1; i < len(list); i++ {
		assert.Less(t, list[i-1].TypeID, list[i].TypeID)
	}
}
