package bambooclt

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Signature computes the hex-encoded HMAC-SHA256 over a check-suite id.
// It is injected as a CI variable on submission and echoed back by the
// build's status callbacks, tying a callback to the suite it reports
// on.
func Signature(secret string, checkSuiteID int64) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(strconv.FormatInt(checkSuiteID, 10)))

	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether sig is the valid signature for the
// check-suite id.
func VerifySignature(secret string, checkSuiteID int64, sig string) bool {
	return hmac.Equal([]byte(Signature(secret, checkSuiteID)), []byte(sig))
}
