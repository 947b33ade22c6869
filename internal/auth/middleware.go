package auth

import (
	"github.com/gin-gonic/gin"

	"github.com/mbd888/escrowd/internal/errs"
	"github.com/mbd888/escrowd/internal/respond"
)

const (
	HeaderAddress   = "X-Wallet-Address"
	HeaderTimestamp = "X-Wallet-Timestamp"
	HeaderSignature = "X-Wallet-Signature"

	// ContextKeyWallet is the key for storing the authenticated wallet in gin context
	ContextKeyWallet = "authWallet"
)

// Middleware verifies signature headers when present and stores the wallet
// in context. It never rejects; RequireAuth does.
func Middleware(v *Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.GetHeader(HeaderAddress)
		if addr != "" {
			wallet, err := v.Authenticate(addr, c.GetHeader(HeaderTimestamp), c.GetHeader(HeaderSignature))
			if err != nil {
				respond.Abort(c, err)
				return
			}
			c.Set(ContextKeyWallet, wallet)
		}
		c.Next()
	}
}

// RequireAuth rejects requests without a verified wallet.
func RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if Wallet(c) == "" {
			respond.Abort(c, errs.New(errs.KindUnauthenticated, "signature_required", "wallet signature required"))
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects requests whose wallet is not on admins.
func RequireAdmin(admins *AdminList) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := Wallet(c)
		if wallet == "" {
			respond.Abort(c, errs.New(errs.KindUnauthenticated, "signature_required", "wallet signature required"))
			return
		}
		if !admins.IsAdmin(wallet) {
			respond.Abort(c, errs.Unauthorized("admin_required", "admin privileges required"))
			return
		}
		c.Next()
	}
}

// Wallet returns the authenticated wallet, or "".
func Wallet(c *gin.Context) string {
	return c.GetString(ContextKeyWallet)
}
