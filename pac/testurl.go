package pac

import (
	"strings"

	"proxyrouter/models"
)

const testURLMarker = " // test-url"

func testClause(testURL, target string) string {
	return "  if (url === " + jsString(testURL) + ") return " + jsString(target) + ";" + testURLMarker
}

func isTestClauseFor(line, testURL string) bool {
	return strings.HasSuffix(line, testURLMarker) &&
		strings.HasPrefix(line, "  if (url === "+jsString(testURL)+") return ")
}

// AddTestURL routes exactly testURL through proxy by inserting a clause
// right after the function header. An existing clause for the same URL
// is replaced.
func AddTestURL(script, testURL string, proxy models.ProxyDescriptor) string {
	lines := strings.Split(RemoveTestURL(script, testURL), "\n")
	if len(lines) == 0 {
		return script
	}
	out := make([]string, 0, len(lines)+1)
	out = append(out, lines[0], testClause(testURL, ProxyToPac(proxy, false)))
	out = append(out, lines[1:]...)
	return strings.Join(out, "\n")
}

// RemoveTestURL drops the clause AddTestURL inserted for testURL. Other
// lines are left untouched.
func RemoveTestURL(script, testURL string) string {
	lines := strings.Split(script, "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if isTestClauseFor(l, testURL) {
			continue
		}
		out = append(out, l)
	}
	return strings.Join(out, "\n")
}
