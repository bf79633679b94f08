// Package fetch retrieves catalog pages from the target site, choosing
// between a plain HTTP client and a rendered browser per request.
package fetch

import (
	"regexp"
	"strings"

	"github.com/partscout/partscout/internal/patterns"
)

// maxBodyLenForScan limits the body size for pattern matching to prevent
// pathological regex behavior on huge inputs. Challenge and error pages are
// small; 100KB is more than enough.
const maxBodyLenForScan = 100 * 1024

// Verdict is the classification of a fetched response.
type Verdict int

// Verdict values.
const (
	VerdictOK Verdict = iota
	VerdictChallenge
	VerdictDenied
	VerdictNotFound
	VerdictUndersized
)

// String returns the verdict name for logging.
func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "ok"
	case VerdictChallenge:
		return "challenge"
	case VerdictDenied:
		return "denied"
	case VerdictNotFound:
		return "not_found"
	case VerdictUndersized:
		return "undersized"
	}
	return "unknown"
}

// Generic challenge fingerprints that hold regardless of the pattern file.
// [^<]{0,N} instead of .{0,N} avoids backtracking across element boundaries.
var (
	challengeTitleRe = regexp.MustCompile(`(?i)<title>[^<]{0,20}(just a moment|access to this page|attention required|please wait)`)
	deniedRe         = regexp.MustCompile(`(?i)access\s{1,5}denied|you\s{1,5}(have\s{1,5}been\s{1,5})?blocked`)
)

// Classify determines what kind of page a response body represents.
// Pattern strings come from the active pattern set so the fragile site
// fingerprints stay editable without a rebuild; status codes and the generic
// regexes above act as a floor.
func Classify(statusCode int, body string, ps *patterns.PatternSet) Verdict {
	if len(body) > maxBodyLenForScan {
		body = body[:maxBodyLenForScan]
	}
	lower := strings.ToLower(body)

	if statusCode == 404 || statusCode == 410 {
		return VerdictNotFound
	}

	// Challenge services answer 403/429/503 with an interstitial
	for _, marker := range ps.Challenge {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return VerdictChallenge
		}
	}
	if challengeTitleRe.MatchString(lower) {
		return VerdictChallenge
	}

	for _, marker := range ps.AccessDenied {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return VerdictDenied
		}
	}

	switch statusCode {
	case 403, 429, 503:
		if deniedRe.MatchString(lower) {
			return VerdictDenied
		}
		return VerdictChallenge
	}

	// Soft 404s render a normal status with a not-found body
	for _, marker := range ps.NotFound {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return VerdictNotFound
		}
	}

	// A real content page carries markup well past this floor. Tiny bodies
	// are stub shells that only fill in under a scripted browser.
	if min := ps.MinContentBytes; min > 0 && len(body) < min {
		return VerdictUndersized
	}

	return VerdictOK
}
