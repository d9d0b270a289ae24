// Package bounce implements the SRS-style return-path rewrite the
// Forwarder applies to outbound legs (spec §4.6): every forwarded
// message's envelope sender is replaced with a token address on this
// service's own hostname, so that a bounce generated by the receiving
// MTA comes back to us - not to the original sender's mailbox, which
// would fail SPF for our forwarding IP anyway. HMAC-SHA256 over the
// message id, grounded on the same crypto/hmac/sha256 idiom the
// teacher's dkim/arc signers already use for canonicalization hashes.
package bounce

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
)

const localPartPrefix = "bounce+"

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Generate returns a full return-path address of the form
// "bounce+<encoded-id>.<mac>@hostname" that authenticates messageID
// under secret without exposing the original sender.
func Generate(secret []byte, messageID, hostname string) string {
	token := encodeToken(secret, messageID)
	return fmt.Sprintf("%s%s@%s", localPartPrefix, token, hostname)
}

// IsBounceAddress reports whether a recipient address is one of this
// service's own return-path addresses, before attempting to Parse it.
func IsBounceAddress(address string) bool {
	local, _, ok := splitAddress(address)
	return ok && strings.HasPrefix(local, localPartPrefix)
}

// Parse verifies a return-path address generated by Generate and, if
// the HMAC checks out, returns the original message id it encodes.
func Parse(secret []byte, address string) (messageID string, ok bool) {
	local, _, addrOK := splitAddress(address)
	if !addrOK || !strings.HasPrefix(local, localPartPrefix) {
		return "", false
	}
	token := strings.TrimPrefix(local, localPartPrefix)
	return decodeToken(secret, token)
}

func encodeToken(secret []byte, messageID string) string {
	encodedID := b32.EncodeToString([]byte(messageID))
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(messageID))
	sig := hex.EncodeToString(mac.Sum(nil))[:16]
	return encodedID + "." + sig
}

func decodeToken(secret []byte, token string) (string, bool) {
	idx := strings.LastIndex(token, ".")
	if idx < 0 {
		return "", false
	}
	encodedID, sig := token[:idx], token[idx+1:]

	// splitAddress lowercases the local part; base32 decodes upper case.
	raw, err := b32.DecodeString(strings.ToUpper(encodedID))
	if err != nil {
		return "", false
	}
	messageID := string(raw)

	mac := hmac.New(sha256.New, secret)
	mac.Write(raw)
	want := hex.EncodeToString(mac.Sum(nil))[:16]

	if !hmac.Equal([]byte(sig), []byte(want)) {
		return "", false
	}
	return messageID, true
}

func splitAddress(addr string) (local, domain string, ok bool) {
	idx := strings.LastIndex(addr, "@")
	if idx < 0 || idx == len(addr)-1 {
		return "", "", false
	}
	return strings.ToLower(addr[:idx]), strings.ToLower(addr[idx+1:]), true
}
