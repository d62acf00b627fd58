// Package idgen provides cryptographically random ID generation.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// New generates a UUID-like random ID (32 hex chars with dashes).
// Format: xxxxxxxx-xxxx-xxxx-xxxx-xxxxxxxxxxxx
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return fmt.Sprintf("%x-%x-%x-%x-%x", b[0:4], b[4:6], b[6:8], b[8:10], b[10:])
}

// WithPrefix generates a random ID with a prefix (e.g. "ct_", "esc_", "stl_").
// Result is prefix + 24 hex chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}

// contractCodeAlphabet omits 0/O and 1/I to keep codes readable over the phone.
const contractCodeAlphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

// ContractCode generates a human-readable contract code like "HW-7KQ2M9XF".
// Codes are shown to clients and freelancers on invoices and support tickets.
func ContractCode() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	out := make([]byte, 8)
	for i, v := range b {
		out[i] = contractCodeAlphabet[int(v)%len(contractCodeAlphabet)]
	}
	return "HW-" + string(out)
}
