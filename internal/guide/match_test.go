package guide

import "testing"

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"ESPN HD", "espn"},
		{"  CNN FHD ", "cnn"},
		{"Café Sport 4K", "cafe sport"},
		{"TNT", "tnt"},
		{"AMC UHD HEVC", "amc"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestSimilarity(t *testing.T) {
	if got := Similarity("abc", "abc"); got != 1 {
		t.Fatalf("identical strings scored %f", got)
	}
	if got := Similarity("abc", "xyz"); got != 0 {
		t.Fatalf("disjoint strings scored %f", got)
	}
	// Known difflib ratio for these inputs.
	if got := Similarity("abcd", "bcde"); got != 0.75 {
		t.Fatalf("expected 0.75, got %f", got)
	}
	if got := Similarity("", ""); got != 1 {
		t.Fatalf("empty strings scored %f", got)
	}
}

func TestBestMatch(t *testing.T) {
	candidates := []string{"ESPN", "ESPN 2", "CNN", "Fox Sports 1"}
	match, ok := BestMatch("ESPN HD", candidates)
	if !ok || match != "ESPN" {
		t.Fatalf("expected ESPN, got %q ok=%v", match, ok)
	}
	if _, ok := BestMatch("Completely Different", candidates); ok {
		t.Fatal("expected no match below threshold")
	}
}
