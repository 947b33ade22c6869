package validation

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/mbd888/escrowd/internal/errs"
)

func TestIsValidEthAddress(t *testing.T) {
	assert.True(t, IsValidEthAddress("0x1234567890abcdef1234567890ABCDEF12345678"))
	assert.False(t, IsValidEthAddress("0x123"))
	assert.False(t, IsValidEthAddress("1234567890abcdef1234567890abcdef12345678"))
	assert.False(t, IsValidEthAddress("0xzz34567890abcdef1234567890abcdef12345678"))
}

func TestNormalizeAddress(t *testing.T) {
	assert.Equal(t, "0xabcdef1234567890abcdef1234567890abcdef12",
		NormalizeAddress("  0xABCDEF1234567890abcdef1234567890ABCDEF12 "))
	assert.Equal(t, "0xabcdef1234567890abcdef1234567890abcdef12",
		NormalizeAddress("abcdef1234567890abcdef1234567890abcdef12"))
}

func TestSanitizeString(t *testing.T) {
	assert.Equal(t, "hello", SanitizeString("  hel\x00lo  ", 100))
	assert.Equal(t, "abc", SanitizeString("abcdef", 3))
}

func TestValidate(t *testing.T) {
	v := Validate(
		Required("buyer_wallet", ""),
		ValidAddress("seller_wallet", "0xnope"),
		MinLength("description", "too short", 20),
		OneOf("escrow_type", "traditional", "traditional", "simple_buyer", "atomic_swap"),
		ValidURL("file_url", "ftp://example.com/x"),
	)
	assert.Len(t, v, 4)
	assert.Equal(t, "buyer_wallet: is required", v.Error())

	err := v.Err()
	assert.ErrorIs(t, err, errs.ErrValidation)
	assert.Equal(t, "invalid_buyer_wallet", errs.InvariantOf(err))

	assert.NoError(t, Validate(Required("x", "y")).Err())
}

func TestValidAmount(t *testing.T) {
	tests := []struct {
		value string
		ok    bool
	}{
		{"", true},
		{"1", true},
		{"0.000001", true},
		{"0.0000001", false},
		{"0", false},
		{"-1", false},
		{"abc", false},
		{"1.2.3", false},
	}
	for _, tt := range tests {
		got := ValidAmount("amount", tt.value, 6)()
		assert.Equal(t, tt.ok, got == nil, tt.value)
	}
}

func TestAddressParamMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/wallets/:address", AddressParamMiddleware(), func(c *gin.Context) { c.Status(http.StatusOK) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/wallets/0x1234567890abcdef1234567890abcdef12345678", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/wallets/bogus", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
