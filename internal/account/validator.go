// Package account validates destination account identifiers against the
// account definition bound to a service: normalization, length bounds, a
// full-match pattern, and an optional checksum algorithm.
package account

import (
	"math/big"
	"regexp"
	"strings"
	"sync"
	"unicode"

	"github.com/sendbridge/remitd/internal/domain"
	"github.com/sendbridge/remitd/internal/models"
)

// Validator compiles and caches definition patterns. Safe for concurrent use.
type Validator struct {
	mu       sync.RWMutex
	patterns map[string]*regexp.Regexp
}

func NewValidator() *Validator {
	return &Validator{patterns: make(map[string]*regexp.Regexp)}
}

// Validate normalizes raw per the definition and runs every check in order:
// length bounds, pattern, checksum. It returns the normalized identifier on
// success and a validation error naming the first failed check otherwise.
func (v *Validator) Validate(raw string, def models.AccountDefinition) (string, error) {
	normalized := Normalize(raw, def.NormalizeMode)
	if normalized == "" {
		return "", domain.Validationf("account/empty", "account is empty after normalization")
	}
	if def.MinLength > 0 && len(normalized) < def.MinLength {
		return "", domain.Validationf("account/too-short", "account shorter than %d characters", def.MinLength)
	}
	if def.MaxLength > 0 && len(normalized) > def.MaxLength {
		return "", domain.Validationf("account/too-long", "account longer than %d characters", def.MaxLength)
	}
	if def.Regex != "" {
		re, err := v.pattern(def.Regex)
		if err != nil {
			return "", domain.Validationf("account/bad-definition", "definition %s has an invalid pattern", def.Code)
		}
		if !re.MatchString(normalized) {
			return "", domain.Validationf("account/pattern-mismatch", "account does not match the %s format", def.Code)
		}
	}
	switch def.Algorithm {
	case "", domain.AlgorithmNone:
	case domain.AlgorithmLuhn:
		if !luhnValid(normalized) {
			return "", domain.Validationf("account/checksum-failed", "account failed the checksum")
		}
	case domain.AlgorithmMod97:
		if !mod97Valid(normalized) {
			return "", domain.Validationf("account/checksum-failed", "account failed the checksum")
		}
	default:
		return "", domain.Validationf("account/bad-definition", "definition %s names an unknown checksum algorithm", def.Code)
	}
	return normalized, nil
}

// pattern returns the compiled full-match form of expr, anchoring it when the
// definition author left the anchors off.
func (v *Validator) pattern(expr string) (*regexp.Regexp, error) {
	v.mu.RLock()
	re, ok := v.patterns[expr]
	v.mu.RUnlock()
	if ok {
		return re, nil
	}

	anchored := expr
	if !strings.HasPrefix(anchored, "^") {
		anchored = "^" + anchored
	}
	if !strings.HasSuffix(anchored, "$") {
		anchored += "$"
	}
	re, err := regexp.Compile(anchored)
	if err != nil {
		return nil, err
	}

	v.mu.Lock()
	v.patterns[expr] = re
	v.mu.Unlock()
	return re, nil
}

// Normalize applies the definition's normalization mode to raw. Unknown modes
// fall back to trimming only, so a misconfigured definition never widens what
// an account can contain.
func Normalize(raw, mode string) string {
	s := strings.TrimSpace(raw)
	switch mode {
	case domain.NormalizeStripSpace:
		return stripSpace(s)
	case domain.NormalizeUppercase:
		return strings.ToUpper(s)
	case domain.NormalizeAlnumUpper:
		var b strings.Builder
		for _, r := range strings.ToUpper(s) {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				b.WriteRune(r)
			}
		}
		return b.String()
	default:
		return s
	}
}

func stripSpace(s string) string {
	var b strings.Builder
	for _, r := range s {
		if !unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// luhnValid runs the Luhn mod-10 check over a digit string.
func luhnValid(s string) bool {
	if s == "" {
		return false
	}
	sum := 0
	double := false
	for i := len(s) - 1; i >= 0; i-- {
		c := s[i]
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if double {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
		double = !double
	}
	return sum%10 == 0
}

// mod97Valid runs the ISO 7064 mod-97 check used by IBANs: the first four
// characters rotate to the end, letters expand to two digits (A=10), and the
// resulting number must leave remainder 1.
func mod97Valid(s string) bool {
	if len(s) < 5 {
		return false
	}
	rearranged := s[4:] + s[:4]
	var b strings.Builder
	for i := 0; i < len(rearranged); i++ {
		c := rearranged[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case c >= 'A' && c <= 'Z':
			b.WriteString(big.NewInt(int64(c-'A') + 10).String())
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(b.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}
