package failure

import "testing"

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		h    History
		want Classification
	}{
		{"first occurrence", History{Occurrences: 1, TotalRuns: 1, ConsecutiveFailures: 1}, ClassificationNew},
		{"high rate", History{Occurrences: 9, TotalRuns: 10, ConsecutiveFailures: 1}, ClassificationPersistent},
		{"long streak", History{Occurrences: 5, TotalRuns: 50, ConsecutiveFailures: 5}, ClassificationPersistent},
		{"rare", History{Occurrences: 2, TotalRuns: 9, ConsecutiveFailures: 1}, ClassificationFlaky},
		{"boundary 0.3 is recurring", History{Occurrences: 3, TotalRuns: 10, ConsecutiveFailures: 2}, ClassificationRecurring},
		{"boundary 0.8 is recurring", History{Occurrences: 8, TotalRuns: 10, ConsecutiveFailures: 4}, ClassificationRecurring},
		{"no runs recorded", History{Occurrences: 2}, ClassificationPersistent},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(&tt.h); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestPriorityFor(t *testing.T) {
	tests := []struct {
		c           Classification
		occurrences int
		want        int
	}{
		{ClassificationNew, 1, 2},
		{ClassificationNew, 2, 3},
		{ClassificationNew, 3, 4},
		{ClassificationFlaky, 1, 3},
		{ClassificationFlaky, 3, 4},
		{ClassificationRecurring, 2, 4},
		{ClassificationRecurring, 4, 5},
		{ClassificationPersistent, 1, 5},
		{ClassificationPersistent, 100, 5},
		{"", 1, 3},
	}
	for _, tt := range tests {
		if got := PriorityFor(tt.c, tt.occurrences); got != tt.want {
			t.Errorf("PriorityFor(%s, %d) = %d, want %d", tt.c, tt.occurrences, got, tt.want)
		}
	}

	for _, c := range []Classification{ClassificationNew, ClassificationFlaky, ClassificationRecurring, ClassificationPersistent} {
		prev := 0
		for occ := 1; occ <= 10; occ++ {
			p := PriorityFor(c, occ)
			if p < prev || p < 2 || p > MaxPriority {
				t.Fatalf("PriorityFor(%s, %d) = %d after %d", c, occ, p, prev)
			}
			prev = p
		}
	}
}

func TestEscalated(t *testing.T) {
	tests := []struct {
		occurrences, prev, next int
		want                    bool
	}{
		{1, 0, 2, false},
		{2, 2, 3, true},
		{3, 3, 4, true},
		{4, 4, 5, true},
		{5, 4, 5, false},
		{3, 4, 4, false},
	}
	for _, tt := range tests {
		if got := Escalated(tt.occurrences, tt.prev, tt.next); got != tt.want {
			t.Errorf("Escalated(%d, %d, %d) = %v", tt.occurrences, tt.prev, tt.next, got)
		}
	}
}

func TestNextHistory(t *testing.T) {
	h := NextHistory(nil, &Failure{TestName: "login"})
	if h.Occurrences != 1 || h.TotalRuns != 1 || h.ConsecutiveFailures != 1 || h.Classification != ClassificationNew {
		t.Fatalf("first occurrence: %+v", h)
	}
	h = NextHistory(h, &Failure{TestName: "login", TotalRuns: 9, ConsecutiveFailures: 1})
	if h.Occurrences != 2 || h.TotalRuns != 9 || h.ConsecutiveFailures != 1 {
		t.Fatalf("hinted occurrence: %+v", h)
	}
	h = NextHistory(h, &Failure{TestName: "login", TotalRuns: 3})
	if h.TotalRuns != 10 || h.ConsecutiveFailures != 2 {
		t.Fatalf("smaller hint must not shrink counters: %+v", h)
	}
	p := PassedRun(h)
	if p.TotalRuns != 11 || p.ConsecutiveFailures != 0 || p.Occurrences != 3 {
		t.Fatalf("passed run: %+v", p)
	}
}

func TestClassifyErrorType(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorType
	}{
		{"TypeError: user.save is not a function", ErrorTypeType},
		{"Cannot read properties of undefined (reading 'id')", ErrorTypeMissingProp},
		{"ReferenceError: token is not defined", ErrorTypeMissingProp},
		{"expected 200 to equal 401", ErrorTypeAssertion},
		{"AssertionError: values are not equal", ErrorTypeAssertion},
		{"connect ECONNREFUSED 127.0.0.1:5432", ErrorTypeNetwork},
		{"request timed out after 30000ms", ErrorTypeNetwork},
		{"environment variable DATABASE_URL is not set", ErrorTypeConfiguration},
		{"Cannot find module './auth'", ErrorTypeConfiguration},
		{"segmentation fault", ErrorTypeOther},
	}
	for _, tt := range tests {
		if got := ClassifyErrorType(tt.msg); got != tt.want {
			t.Errorf("ClassifyErrorType(%q) = %s, want %s", tt.msg, got, tt.want)
		}
	}
}

func TestNormalizeError(t *testing.T) {
	a := NormalizeError("Expected true at login.test.ts:12:5 (attempt 1)")
	b := NormalizeError("Expected  true at login.test.ts:48:17\n(attempt 2)")
	if a != b {
		t.Fatalf("normalized errors differ: %q vs %q", a, b)
	}
	if got := NormalizeError("boom on line 42"); got != "boom on" {
		t.Errorf("NormalizeError line = %q", got)
	}
	if NormalizeError("expected true") == NormalizeError("expected false") {
		t.Error("different messages must not collapse")
	}
}
