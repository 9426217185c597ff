package builds

import (
	"regexp"
	"strings"
)

// Highlight is one excerpt worth surfacing on the status pages.
type Highlight struct {
	Type    string
	Source  string
	Excerpt string
}

// TestResult is one structured test result parsed from a meson test log.
type TestResult struct {
	Suite    string
	Name     string
	Result   string
	Duration string
}

type patternRule struct {
	re  *regexp.Regexp
	typ string
}

// Patterns looked for in artifact files.
var artifactPatterns = []patternRule{
	{regexp.MustCompile(`^SUMMARY: .*Sanitizer.*`), "sanitizer"},
	{regexp.MustCompile(`.*TRAP: failed Assert.*`), "assertion"},
	{regexp.MustCompile(`.*PANIC: .*`), "panic"},
}

// Patterns looked for in the "build" step. MSVC warnings do not fail the
// build, so this may be the only chance to notice them.
var buildPatterns = []patternRule{
	{regexp.MustCompile(`.*: (warning|error) [^:]+: .*`), "compiler"},
}

// Patterns looked for in the "*_warning" steps; these catch GCC and Clang.
var warningPatterns = []patternRule{
	{regexp.MustCompile(`.*:[0-9]+: (error|warning): .*`), "compiler"},
	{regexp.MustCompile(`.*: undefined reference to .*`), "linker"},
}

var (
	mesonTestLine    = regexp.MustCompile(`.* postgresql:[^ ]+ / ([^ /]+)/([^ ]+) *([A-Z]+) *([0-9.]+s).*`)
	tapSummaryStart  = regexp.MustCompile(`.*Summary of Failures:`)
	tapSummaryLine   = regexp.MustCompile(`.* postgresql:[^ ]+ / [^ ]+ .*`)
	tapSummaryEnd    = regexp.MustCompile(`.*Expected Fail:.*`)
	tapSkipLine      = regexp.MustCompile(`.* SKIP .*`)
	regressLogPath   = regexp.MustCompile(`^.*/regress_log_.*$`)
	regressFailLine  = regexp.MustCompile(`.* not ok .*`)
	regressTodoLine  = regexp.MustCompile(`.* (TODO|SKIP).*`)
	regressBailLine  = regexp.MustCompile(`.*(Bail out!|timed out).*`)
	unixFrameStart   = regexp.MustCompile(`.* [Tt]hread #?[0-9]+ ?.*`)
	unixFrameLine    = regexp.MustCompile(`.* #[0-9]+[: ].*`)
	windowsTraceTop  = regexp.MustCompile(`^Child-SP.*`)
	windowsFrameLine = regexp.MustCompile("^[0-9a-fA-F]{8}`.*")
)

// sanitizeUTF8 makes arbitrary bytes safe to store in a text column: illegal
// UTF-8 sequences, nul codepoints and Windows carriage returns go away.
func sanitizeUTF8(b []byte) string {
	text := strings.ToValidUTF8(string(b), "")
	text = strings.ReplaceAll(text, "\x00", "")
	return strings.ReplaceAll(text, "\r", "")
}

// scanPatternLines matches every line against the rules; the first matching
// rule wins per line.
func scanPatternLines(source string, rules []patternRule, text string) []Highlight {
	var out []Highlight
	for _, line := range strings.Split(text, "\n") {
		for _, rule := range rules {
			if rule.re.MatchString(line) {
				out = append(out, Highlight{Type: rule.typ, Source: source, Excerpt: line})
				break
			}
		}
	}
	return out
}

// scanUnixCores collects GDB and LLDB backtraces from the "cores" command
// log. GDB announces "Thread N", LLDB "thread #N"; frames look like " #N "
// or "frame #N:". At most ten frames per backtrace make a highlight.
func scanUnixCores(source, log string) []Highlight {
	return collectBacktraces(source, log, unixFrameStart, unixFrameLine)
}

// scanWindowsCrashLog is the Windows analogue, working on crashlog artifacts:
// backtraces open with "Child-SP" and frames start with a 16-digit address
// split by a backtick.
func scanWindowsCrashLog(source, body string) []Highlight {
	return collectBacktraces(source, body, windowsTraceTop, windowsFrameLine)
}

func collectBacktraces(source, text string, start, frame *regexp.Regexp) []Highlight {
	var out []Highlight
	var collected []string
	inBacktrace := false
	dump := func() {
		out = append(out, Highlight{Type: "core", Source: source, Excerpt: strings.Join(collected, "\n")})
		collected = nil
	}
	for _, line := range strings.Split(text, "\n") {
		if start.MatchString(line) {
			if inBacktrace {
				// Multiple core files; dump the previous one.
				dump()
			}
			inBacktrace = true
			continue
		}
		if inBacktrace && frame.MatchString(line) {
			if len(collected) < 10 {
				collected = append(collected, line)
			} else {
				// That is enough lines for a highlight.
				dump()
				inBacktrace = false
			}
		}
	}
	if inBacktrace {
		dump()
	}
	return out
}

// scanRegressionDiffs excerpts the first 20 lines of a regression.diffs
// artifact. Empty files yield nothing.
func scanRegressionDiffs(source, body string) *Highlight {
	if strings.TrimSpace(body) == "" {
		return nil
	}
	lines := strings.Split(body, "\n")
	excerpt := strings.Join(lines[:min(20, len(lines))], "\n")
	if len(lines) > 20 {
		excerpt += "\n...\n"
	}
	return &Highlight{Type: "regress", Source: source, Excerpt: excerpt}
}

// scanRegressLog collects TAP failure lines from a regress_log_* artifact.
func scanRegressLog(source, body string) *Highlight {
	var collected []string
	for _, line := range strings.Split(body, "\n") {
		if regressBailLine.MatchString(line) {
			collected = append(collected, line)
		} else if regressFailLine.MatchString(line) && !regressTodoLine.MatchString(line) {
			collected = append(collected, line)
		}
	}
	if len(collected) == 0 {
		return nil
	}
	return &Highlight{Type: "tap", Source: source, Excerpt: strings.Join(collected, "\n")}
}

// scanMesonTestLines parses the structured per-test result lines out of a
// meson test runner log, including successes. These drive the selective
// artifact download.
func scanMesonTestLines(log string) []TestResult {
	var out []TestResult
	for _, line := range strings.Split(log, "\n") {
		if groups := mesonTestLine.FindStringSubmatch(line); groups != nil {
			out = append(out, TestResult{
				Suite:    groups[1],
				Name:     groups[2],
				Result:   groups[3],
				Duration: groups[4],
			})
		}
	}
	return out
}

// scanTapSummary collects the "Summary of Failures" block from a meson test
// runner log, minus skips.
func scanTapSummary(source, log string) []Highlight {
	var out []Highlight
	var collected []string
	inSummary := false
	dump := func() {
		if len(collected) > 0 {
			out = append(out, Highlight{Type: "test", Source: source, Excerpt: strings.Join(collected, "\n")})
			collected = nil
		}
	}
	for _, line := range strings.Split(log, "\n") {
		if tapSummaryStart.MatchString(line) {
			dump()
			inSummary = true
			continue
		}
		if inSummary && tapSummaryLine.MatchString(line) {
			if !tapSkipLine.MatchString(line) {
				collected = append(collected, line)
			}
		} else if tapSummaryEnd.MatchString(line) {
			dump()
			inSummary = false
		}
	}
	dump()
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
