package queue

import (
	"fmt"
	"net/mail"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// maxAddressLength is the RFC 5321 path limit
const maxAddressLength = 254

// NormalizeRecipient validates a single recipient address and returns its
// canonical form. Display names are not accepted; the recipient must be a
// bare addr-spec.
func NormalizeRecipient(raw string) (string, error) {
	addr := norm.NFC.String(strings.TrimSpace(raw))
	if addr == "" {
		return "", fmt.Errorf("%w: empty address", ErrInvalidRecipient)
	}
	if len(addr) > maxAddressLength {
		return "", fmt.Errorf("%w: address exceeds %d characters", ErrInvalidRecipient, maxAddressLength)
	}
	if strings.ContainsAny(addr, "\r\n\x00") {
		return "", fmt.Errorf("%w: control characters in address", ErrInvalidRecipient)
	}

	parsed, err := mail.ParseAddress(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidRecipient, raw, err)
	}
	if parsed.Name != "" || parsed.Address != addr {
		return "", fmt.Errorf("%w: %q is not a bare address", ErrInvalidRecipient, raw)
	}

	at := strings.LastIndex(parsed.Address, "@")
	domain := parsed.Address[at+1:]
	if !strings.Contains(domain, ".") || strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, ".") {
		return "", fmt.Errorf("%w: %q has no valid domain", ErrInvalidRecipient, raw)
	}

	return parsed.Address, nil
}
