package schema

import "strings"

// MaxAccountIDLength bounds account identifiers.
const MaxAccountIDLength = 64

// ValidateAccountID ensures an account id matches [a-z0-9._-] with no normalization.
func ValidateAccountID(id AccountID) error {
	raw := string(id)
	if raw == "" || len(raw) > MaxAccountIDLength {
		return ErrInvalidAccount
	}
	if strings.TrimSpace(raw) != raw {
		return ErrInvalidAccount
	}
	if raw == "." || raw == ".." {
		return ErrInvalidAccount
	}
	for _, r := range raw {
		if r >= 'a' && r <= 'z' {
			continue
		}
		if r >= '0' && r <= '9' {
			continue
		}
		if r == '.' || r == '_' || r == '-' {
			continue
		}
		return ErrInvalidAccount
	}
	return nil
}

// NormalizeAccountID lowercases and trims a user-supplied id before validating it.
func NormalizeAccountID(raw string) (AccountID, error) {
	id := AccountID(strings.ToLower(strings.TrimSpace(raw)))
	if err := ValidateAccountID(id); err != nil {
		return "", err
	}
	return id, nil
}
