// Package taxid normalizes Brazilian taxpayer ids (CPF and CNPJ).
package taxid

import (
	"strings"

	"pix-billing/internal/apperr"
)

const (
	cpfLength  = 11
	cnpjLength = 14
)

// Normalize strips every non-digit from raw and accepts the result when it
// has the length of a CPF or a CNPJ.
func Normalize(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}

	digits := b.String()
	if len(digits) != cpfLength && len(digits) != cnpjLength {
		return "", apperr.Validationf("tax id must have 11 (CPF) or 14 (CNPJ) digits")
	}
	return digits, nil
}

func IsCNPJ(normalized string) bool {
	return len(normalized) == cnpjLength
}
