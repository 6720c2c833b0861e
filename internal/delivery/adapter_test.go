package delivery

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fleetrelay/internal/types"
)

func TestRegistry(t *testing.T) {
	webhook := &scriptedAdapter{typ: types.DestinationWebhook}
	snmp := &scriptedAdapter{typ: types.DestinationSNMP}

	reg, err := NewRegistry(snmp, webhook, nil)
	require.NoError(t, err)

	got, ok := reg.Lookup(types.DestinationWebhook)
	require.True(t, ok)
	assert.Same(t, webhook, got)

	_, ok = reg.Lookup(types.DestinationEmail)
	assert.False(t, ok)

	assert.Equal(t, []types.DestinationType{types.DestinationSNMP, types.DestinationWebhook}, reg.Types())
}

func TestRegistry_Duplicate(t *testing.T) {
	_, err := NewRegistry(
		&scriptedAdapter{typ: types.DestinationEmail},
		&scriptedAdapter{typ: types.DestinationEmail},
	)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestResult_Constructors(t *testing.T) {
	cause := errors.New("connection reset")

	tr := Transient(types.ErrCodeDeliveryConnection, cause)
	assert.Equal(t, OutcomeTransient, tr.Outcome)
	assert.True(t, tr.Attempted)
	assert.Equal(t, types.ErrCodeDeliveryConnection, tr.Code())
	assert.ErrorIs(t, tr.Err, cause)

	bl := Blocked(cause)
	assert.Equal(t, OutcomeBlocked, bl.Outcome)
	assert.False(t, bl.Attempted)
	assert.Equal(t, types.ErrCodeEgressBlocked, bl.Code())

	ic := InvalidConfig(types.ErrCodeDestinationInvalidConfig, nil)
	assert.Equal(t, OutcomePermanent, ic.Outcome)
	assert.False(t, ic.Attempted)
	assert.Error(t, ic.Err)

	ok := Delivered()
	assert.True(t, ok.OK())
	assert.Empty(t, ok.Code())
	assert.Equal(t, "delivered", ok.Outcome.String())
}

func TestResult_KeepsExistingCode(t *testing.T) {
	inner := types.NewAppError(types.ErrCodeDeliverySMTP, "550 mailbox unavailable", nil)
	res := Permanent(types.ErrCodeDeliverySMTP, inner)
	assert.Same(t, inner, res.Err)
}
