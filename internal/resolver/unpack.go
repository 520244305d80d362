package resolver

import (
	"regexp"
	"strings"
)

// packedRe matches the eval-wrapped payload the p.a.c.k.e.r obfuscator
// emits: eval(function(p,a,c,k,e,d){...}('<p>',<a>,<c>,'<k>'.split('|')))
var packedRe = regexp.MustCompile(`(?s)eval\(function\(p,a,c,k,e,(?:d|r)\)\{.*?\}\('(.*?)',(\d+),(\d+),'(.*?)'\.split\('\|'\)\)`)

// ContainsPackedJS reports whether a page carries a packed script.
func ContainsPackedJS(page string) bool {
	return strings.Contains(page, "eval(function")
}

// UnpackJS finds the first packed script in a page and restores its
// source by substituting each base-N token with its keyword. Returns
// ("", false) when the page carries no recognisable packed script.
func UnpackJS(page string) (string, bool) {
	m := packedRe.FindStringSubmatch(page)
	if m == nil {
		return "", false
	}

	payload := m[1]
	radix := atoiOrZero(m[2])
	count := atoiOrZero(m[3])
	keywords := strings.Split(m[4], "|")

	if radix <= 0 || count <= 0 || count > len(keywords) {
		return "", false
	}

	for i := count - 1; i >= 0; i-- {
		if keywords[i] == "" {
			continue
		}
		token := baseNToken(i, radix)
		re, err := regexp.Compile(`\b` + regexp.QuoteMeta(token) + `\b`)
		if err != nil {
			continue
		}
		payload = re.ReplaceAllString(payload, keywords[i])
	}
	return payload, true
}

const baseNDigits = "0123456789abcdefghijklmnopqrstuvwxyz"

// baseNToken renders i the way the packer numbers its tokens.
func baseNToken(i, radix int) string {
	if radix > len(baseNDigits) {
		radix = len(baseNDigits)
	}
	if i == 0 {
		return "0"
	}
	var b []byte
	for i > 0 {
		b = append([]byte{baseNDigits[i%radix]}, b...)
		i /= radix
	}
	return string(b)
}

func atoiOrZero(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
