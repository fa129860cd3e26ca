package convert

import (
	"fmt"
	"regexp"
	"strings"
)

// deniedWords are runtime, filesystem, module-loading and code-generation
// primitives. A match is reported as unsafe, not as a syntax error.
var deniedWords = []string{
	"process", "require", "import", "module", "exports",
	"eval", "function", "constructor", "prototype", "__proto__",
	"global", "globalthis", "window", "self", "this",
	"fs", "child_process", "exec", "execsync", "spawn", "fork",
	"os", "syscall", "unsafe", "reflect",
	"new", "return", "while", "for", "do", "throw", "async", "await",
	"settimeout", "setinterval", "fetch", "xmlhttprequest",
}

var deniedSymbols = []string{";", "=", "`", "'", "\"", "[", "]", "{", "}", "\\", "$", "#", "@", "!", "&", "|", "?", ":"}

var deniedPattern = regexp.MustCompile(`(?i)\b(` + strings.Join(quoteAll(deniedWords), "|") + `)\b`)

func quoteAll(words []string) []string {
	out := make([]string, len(words))
	for i, w := range words {
		out[i] = regexp.QuoteMeta(w)
	}
	return out
}

// ScanUnsafe returns ErrUnsafeExpression if src contains a denied word or symbol.
func ScanUnsafe(src string) error {
	if m := deniedPattern.FindString(src); m != "" {
		return fmt.Errorf("%w: forbidden identifier %q", ErrUnsafeExpression, m)
	}
	for _, sym := range deniedSymbols {
		if strings.Contains(src, sym) {
			return fmt.Errorf("%w: forbidden symbol %q", ErrUnsafeExpression, sym)
		}
	}
	return nil
}
