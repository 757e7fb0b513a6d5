package failure

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorMatchesKind(t *testing.T) {
	err := &Error{Kind: ProvisioningFailure, Op: "run step", Role: "pkgs", Build: "42", Err: errors.New("exit 1")}

	assert.ErrorIs(t, err, ProvisioningFailure)
	assert.NotErrorIs(t, err, FreezeFailure)
	assert.Equal(t, "provisioning failure: run step [role=pkgs build=42]: exit 1", err.Error())
}

func TestWrappedErrorKeepsKind(t *testing.T) {
	inner := New(InvalidInput, "derive identity", errors.New("build number is empty"))
	wrapped := fmt.Errorf("create role image: %w", inner)

	assert.ErrorIs(t, wrapped, InvalidInput)
	assert.Equal(t, InvalidInput, KindOf(wrapped))
	assert.Equal(t, Kind(""), KindOf(errors.New("plain")))
}

func TestMemberOf(t *testing.T) {
	cause := &Error{Kind: ProvisioningFailure, Op: "restart network", Output: "Job failed"}
	err := fmt.Errorf("provision cluster: %w", &Error{
		Kind:   MemberProvisioningFailure,
		Member: "compute1",
		Role:   "compute",
		Err:    cause,
	})

	member, ok := MemberOf(err)
	require.True(t, ok)
	assert.Equal(t, "compute1", member)
	assert.ErrorIs(t, err, ProvisioningFailure)
	assert.Equal(t, "Job failed", OutputOf(err))

	_, ok = MemberOf(cause)
	assert.False(t, ok)
}

func TestErrorWithoutContext(t *testing.T) {
	err := &Error{Kind: ClusterSetupFailure}
	assert.Equal(t, "cluster setup failure", err.Error())
	assert.Nil(t, errors.Unwrap(err))
}
