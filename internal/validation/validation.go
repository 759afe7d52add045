// Package validation provides input validation for account
// configuration.
package validation

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrInvalidEmail is returned when an account email is malformed
	ErrInvalidEmail = errors.New("invalid email: must be a valid local-part@domain address")
	// ErrInvalidEndpoint is returned when a host:port endpoint is malformed
	ErrInvalidEndpoint = errors.New("invalid endpoint: host must be a valid domain name and port in 1-65535")
)

const (
	// Local-part constraints (RFC 5321)
	maxLocalPartLength = 64

	// Domain name constraints (RFC 1035)
	maxDomainLength = 253
)

var (
	// RFC 5321 compliant local-part pattern (simplified for common use cases)
	// Allows: alphanumeric, dot, hyphen, underscore, plus
	// Does not allow: leading/trailing dots, consecutive dots
	localPartPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9._+-]*[a-zA-Z0-9])?$`)

	// RFC 1035 compliant domain name pattern
	// Labels: 1-63 chars, alphanumeric and hyphen, not starting/ending with hyphen
	domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// Email checks that an account email has a valid local part and domain.
func Email(email string) error {
	email = strings.TrimSpace(email)

	at := strings.LastIndex(email, "@")
	if at <= 0 || at == len(email)-1 {
		return ErrInvalidEmail
	}
	local, domain := email[:at], email[at+1:]

	if len(local) > maxLocalPartLength || !localPartPattern.MatchString(local) {
		return ErrInvalidEmail
	}
	if strings.Contains(local, "..") {
		return ErrInvalidEmail // Consecutive dots not allowed
	}

	if err := Domain(domain); err != nil {
		return ErrInvalidEmail
	}
	return nil
}

// Domain checks if a domain name is valid according to RFC 1035
func Domain(domain string) error {
	domain = strings.TrimSpace(strings.ToLower(domain))

	if len(domain) == 0 || len(domain) > maxDomainLength {
		return ErrInvalidEndpoint
	}

	if !domainPattern.MatchString(domain) {
		return ErrInvalidEndpoint
	}

	// Additional validation: check each label length (max 63 chars per RFC 1035)
	labels := strings.Split(domain, ".")
	for _, label := range labels {
		if len(label) == 0 || len(label) > 63 {
			return ErrInvalidEndpoint
		}
	}

	return nil
}

// Endpoint checks a host and port pair as used for IMAP and SMTP
// server addresses.
func Endpoint(host string, port int) error {
	if port < 1 || port > 65535 {
		return ErrInvalidEndpoint
	}
	return Domain(host)
}
