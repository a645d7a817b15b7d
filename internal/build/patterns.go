package build

import "regexp"

var (
	// CompletePattern matches diagnostic lines reporting a finished build or
	// the watcher going idle.
	CompletePattern = regexp.MustCompile(`build succeeded|waiting for changes`)
	// ErrorPattern matches diagnostic lines reporting a build error.
	ErrorPattern = regexp.MustCompile(`ERROR|error:`)

	ansiCSI    = regexp.MustCompile(`\x1b\[[0-?]*[ -/]*[@-~]`)
	ansiOSC    = regexp.MustCompile(`\x1b\].*?(?:\x07|\x1b\\)`)
	ansiSingle = regexp.MustCompile(`\x1b.`)
)

// classify reports which signals a single diagnostic line carries. A line may
// carry both. Escape sequences are ignored when matching.
func classify(line string) (complete, failed bool) {
	plain := stripANSI(line)
	return CompletePattern.MatchString(plain), ErrorPattern.MatchString(plain)
}

// stripANSI removes terminal escape sequences and stray control bytes that
// colored builder output interleaves with text.
func stripANSI(s string) string {
	s = ansiCSI.ReplaceAllString(s, "")
	s = ansiOSC.ReplaceAllString(s, "")
	s = ansiSingle.ReplaceAllString(s, "")

	result := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if ch == '\b' {
			if len(result) > 0 {
				result = result[:len(result)-1]
			}
			continue
		}
		if (ch < 0x20 || ch == 0x7f) && ch != '\t' {
			continue
		}
		result = append(result, ch)
	}
	return string(result)
}
