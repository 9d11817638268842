package failure

import (
	"regexp"
	"strings"
)

const MaxPriority = 5

// Classify derives the classification from the aggregated counters.
func Classify(h *History) Classification {
	if h.Occurrences <= 1 {
		return ClassificationNew
	}
	rate := h.FailureRate()
	switch {
	case rate > 0.8 || h.ConsecutiveFailures >= 5:
		return ClassificationPersistent
	case rate < 0.3:
		return ClassificationFlaky
	default:
		return ClassificationRecurring
	}
}

// BasePriority is the priority of a classification before escalation.
// Unknown or empty classifications get the neutral 3.
func BasePriority(c Classification) int {
	switch c {
	case ClassificationNew:
		return 2
	case ClassificationFlaky:
		return 3
	case ClassificationRecurring:
		return 4
	case ClassificationPersistent:
		return 5
	default:
		return 3
	}
}

// PriorityFor escalates the base priority by occurrence count: at least 3
// from the second occurrence, 4 from the third, 5 from the fourth.
func PriorityFor(c Classification, occurrences int) int {
	p := BasePriority(c)
	switch {
	case occurrences >= 4:
		p = max(p, 5)
	case occurrences >= 3:
		p = max(p, 4)
	case occurrences >= 2:
		p = max(p, 3)
	}
	return min(p, MaxPriority)
}

// escalationThresholds are the occurrence counts at which PriorityFor steps up.
var escalationThresholds = []int{2, 3, 4}

// Escalated reports whether reaching occurrences moved the priority from
// prev to next across a threshold.
func Escalated(occurrences, prev, next int) bool {
	if next <= prev {
		return false
	}
	for _, t := range escalationThresholds {
		if occurrences == t {
			return true
		}
	}
	return false
}

// NextHistory folds one failure into the previous aggregate. prev may be nil
// for the first occurrence. Counters supplied by CI win when they are larger.
func NextHistory(prev *History, f *Failure) *History {
	h := &History{TestName: f.TestName}
	if prev != nil {
		*h = *prev
	}
	h.Occurrences++
	h.TotalRuns = max(h.TotalRuns+1, f.TotalRuns)
	if f.ConsecutiveFailures > 0 {
		h.ConsecutiveFailures = f.ConsecutiveFailures
	} else {
		h.ConsecutiveFailures++
	}
	if f.OccurredAt.After(h.LastSeen) {
		h.LastSeen = f.OccurredAt
	}
	h.Classification = Classify(h)
	return h
}

// PassedRun folds one passing run into the aggregate.
func PassedRun(prev *History) *History {
	h := *prev
	h.TotalRuns++
	h.ConsecutiveFailures = 0
	h.Classification = Classify(&h)
	return &h
}

var errorTypePatterns = []struct {
	t  ErrorType
	re *regexp.Regexp
}{
	{ErrorTypeType, regexp.MustCompile(`(?i)\btype\s?error\b|is not a function|is not a constructor|cannot use .+ as .+ (value|type)|type mismatch|incompatible types?`)},
	{ErrorTypeMissingProp, regexp.MustCompile(`(?i)cannot read propert|undefined|is not defined|no such (field|property|attribute)|has no (field|attribute|member|method)|missing (property|field)|nil pointer`)},
	{ErrorTypeAssertion, regexp.MustCompile(`(?i)assert|expected|expect\(|to (be|equal|match)|not equal|got .+ want|mismatch`)},
	{ErrorTypeNetwork, regexp.MustCompile(`(?i)econnrefused|econnreset|etimedout|enotfound|connection (refused|reset)|network|socket|timed? ?out|dns|fetch failed|status code 5\d\d`)},
	{ErrorTypeConfiguration, regexp.MustCompile(`(?i)config|environment variable|env var|not configured|missing .*key|cannot find module|module not found|enoent|no such file|permission denied`)},
}

// ClassifyErrorType returns the first category whose pattern matches msg.
func ClassifyErrorType(msg string) ErrorType {
	for _, p := range errorTypePatterns {
		if p.re.MatchString(msg) {
			return p.t
		}
	}
	return ErrorTypeOther
}

var (
	lineColPattern    = regexp.MustCompile(`(?i)(:\d+)+\b|\b(line|col|column)\s*\d+`)
	digitsPattern     = regexp.MustCompile(`\d+`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// NormalizeError strips line and column numbers and other digits and
// collapses whitespace, so two runs of the same failure compare equal.
func NormalizeError(msg string) string {
	s := lineColPattern.ReplaceAllString(msg, "")
	s = digitsPattern.ReplaceAllString(s, "")
	s = whitespacePattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
