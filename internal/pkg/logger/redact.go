package logger

import "strings"

// RedactPhone masks a phone identifier for safe logging.
// "+79991234567" → "+7999***67"
// Numbers too short to mask meaningfully are fully masked.
func RedactPhone(phone string) string {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' || r == '+' {
			return r
		}
		return -1
	}, phone)
	if len(digits) < 8 {
		return "***"
	}
	return digits[:5] + "***" + digits[len(digits)-2:]
}
