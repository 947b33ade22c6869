package custody

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMasterKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func TestVault_GenerateAndOpen(t *testing.T) {
	v, err := NewVault(testMasterKey)
	require.NoError(t, err)

	kp, sealed, err := v.Generate()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(kp.Address(), "0x"))
	assert.Len(t, kp.Address(), 42)
	assert.NotContains(t, sealed, kp.Address())

	opened, err := v.Open(kp.Address(), sealed)
	require.NoError(t, err)
	assert.Equal(t, kp.Address(), opened.Address())
	assert.Equal(t, kp.PrivateKey().D, opened.PrivateKey().D)
}

func TestVault_OpenRejectsWrongAddress(t *testing.T) {
	v, err := NewVault(testMasterKey)
	require.NoError(t, err)

	_, sealed, err := v.Generate()
	require.NoError(t, err)
	other, _, err := v.Generate()
	require.NoError(t, err)

	_, err = v.Open(other.Address(), sealed)
	assert.ErrorIs(t, err, ErrSealedKeyInvalid)
}

func TestVault_OpenRejectsOtherMasterKey(t *testing.T) {
	v1, _ := NewVault(testMasterKey)
	v2, _ := NewVault(strings.Repeat("ab", 32))

	kp, sealed, err := v1.Generate()
	require.NoError(t, err)

	_, err = v2.Open(kp.Address(), sealed)
	assert.ErrorIs(t, err, ErrSealedKeyInvalid)
}

func TestNewVault_InvalidKey(t *testing.T) {
	_, err := NewVault("abcd")
	assert.ErrorIs(t, err, ErrInvalidMasterKey)
}

func TestKeypair_StringHidesKey(t *testing.T) {
	v, _ := NewVault(testMasterKey)
	kp, _, _ := v.Generate()
	assert.Equal(t, "custody("+kp.Address()+")", kp.String())
}
