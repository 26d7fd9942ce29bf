// Package signature verifies the HMAC-SHA256 signatures Razorpay attaches to
// checkout confirmations and webhook deliveries.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// VerifyPayment checks the checkout-flow signature computed over
// "<orderID>|<paymentID>".
func VerifyPayment(razorpayOrderID, razorpayPaymentID, providedSignature, secret string) bool {
	payload := razorpayOrderID + "|" + razorpayPaymentID
	return verify([]byte(payload), providedSignature, secret)
}

// VerifyWebhook checks the webhook signature computed over the raw request
// body.
func VerifyWebhook(rawBody []byte, providedSignature, secret string) bool {
	return verify(rawBody, providedSignature, secret)
}

func verify(payload []byte, providedSignature, secret string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	expected := hex.EncodeToString(mac.Sum(nil))

	// Unequal lengths are a verification failure, never a distinct error.
	if len(expected) != len(providedSignature) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(providedSignature)) == 1
}

// Sign computes the hex signature for payload, used by tests and tooling.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
