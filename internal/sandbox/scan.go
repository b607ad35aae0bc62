package sandbox

import (
	"strings"

	"golang.org/x/crypto/blake2b"
)

// disallowedConstructs is the lexical deny list applied to dynamic
// handler source. The scan is coarse: false positives are acceptable,
// a missed construct is not.
var disallowedConstructs = []string{
	"eval(",
	"Function(",
	"new Function",
	"setTimeout(",
	"setInterval(",
	"document.",
	"window.",
	"globalThis",
	"process.",
	"require(",
	"import(",
	"localStorage",
	"sessionStorage",
	"XMLHttpRequest",
	"fetch(",
}

// screen scans source for disallowed constructs. Verdicts are cached
// by content digest, so repeated runs of the same script cost one
// hash.
func (r *Runner) screen(source string) (string, bool) {
	digest := blake2b.Sum256([]byte(source))

	r.scanMu.Lock()
	construct, seen := r.scans[digest]
	r.scanMu.Unlock()
	if seen {
		return construct, construct != ""
	}

	construct = scanSource(source)

	r.scanMu.Lock()
	r.scans[digest] = construct
	r.scanMu.Unlock()
	return construct, construct != ""
}

// scanSource returns the first disallowed construct found, or "".
func scanSource(source string) string {
	for _, c := range disallowedConstructs {
		if strings.Contains(source, c) {
			return c
		}
	}
	return ""
}
