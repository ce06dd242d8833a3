package util

import (
	"errors"
	"regexp"
	"strings"
)

// ErrInvalidPhone is returned for numbers that are not E.164 after
// normalization.
var ErrInvalidPhone = errors.New("invalid phone number")

var (
	e164Pattern   = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)
	phoneStripper = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "", "\t", "")
)

// NormalizePhone strips formatting characters and validates the result as
// E.164 ("+" followed by 7 to 15 digits, no leading zero).
func NormalizePhone(raw string) (string, error) {
	phone := phoneStripper.Replace(strings.TrimSpace(raw))
	if strings.HasPrefix(phone, "00") {
		phone = "+" + phone[2:]
	}
	if !e164Pattern.MatchString(phone) {
		return "", ErrInvalidPhone
	}
	return phone, nil
}

// MaskPhone keeps the country prefix and last two digits, for operator logs
// in development only.
func MaskPhone(phone string) string {
	if len(phone) < 6 {
		return "***"
	}
	return phone[:3] + strings.Repeat("*", len(phone)-5) + phone[len(phone)-2:]
}
