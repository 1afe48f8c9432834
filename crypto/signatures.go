package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strconv"
)

// SignatureSize is the length of a message signature in bytes.
const SignatureSize = sha256.Size

// Sign computes the HMAC-SHA256 signature of a peer message.
//
// The signed bytes are the decimal timestamp immediately followed by the
// payload, with no delimiter. Both sides of a pairing must agree on this
// layout byte for byte.
func Sign(sharedKey []byte, timestampMs int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, sharedKey)
	mac.Write(signable(timestampMs, payload))
	return mac.Sum(nil)
}

// Verify recomputes the signature and compares it in constant time.
// Missing keys and missing or malformed signatures never verify.
func Verify(sharedKey []byte, timestampMs int64, payload, signature []byte) bool {
	if len(sharedKey) == 0 {
		return false
	}
	if len(signature) != SignatureSize {
		return false
	}

	expected := Sign(sharedKey, timestampMs, payload)
	return hmac.Equal(expected, signature)
}

// EncodeSignature renders a signature for the wire.
func EncodeSignature(signature []byte) string {
	return base64.StdEncoding.EncodeToString(signature)
}

// DecodeSignature parses a wire signature. It returns nil for empty or
// malformed input so callers fall through to a failed Verify.
func DecodeSignature(encoded string) []byte {
	if encoded == "" {
		return nil
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil
	}
	return raw
}

func signable(timestampMs int64, payload []byte) []byte {
	prefix := strconv.FormatInt(timestampMs, 10)
	out := make([]byte, 0, len(prefix)+len(payload))
	out = append(out, prefix...)
	return append(out, payload...)
}
