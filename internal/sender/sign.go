package sender

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// SignatureHeader carries the payload signature.
const SignatureHeader = "X-Courier-Signature"

const signaturePrefix = "sha256="

// HMACSHA256 signs payload with secret.
func HMACSHA256(payload, secret []byte) ([]byte, error) {
	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	return mac.Sum(nil), nil
}

// FormatSignature renders sig as the SignatureHeader value.
func FormatSignature(sig []byte) string {
	return signaturePrefix + hex.EncodeToString(sig)
}

// VerifySignature checks a SignatureHeader value against payload.
func VerifySignature(payload, secret []byte, header string) bool {
	hexSig, ok := strings.CutPrefix(header, signaturePrefix)
	if !ok {
		return false
	}
	got, err := hex.DecodeString(hexSig)
	if err != nil {
		return false
	}
	want, _ := HMACSHA256(payload, secret)
	return hmac.Equal(got, want)
}
