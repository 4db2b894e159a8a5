package portal

import "testing"

func TestIsSubmitLike(t *testing.T) {
	tests := []struct {
		name     string
		meta     targetMeta
		expected bool
	}{
		{
			name:     "submit claim button",
			meta:     targetMeta{Text: "Submit Claim"},
			expected: true,
		},
		{
			name:     "uppercase submit value",
			meta:     targetMeta{Value: "SUBMIT"},
			expected: true,
		},
		{
			name:     "bare submit input with no safe keyword",
			meta:     targetMeta{Type: "submit"},
			expected: true,
		},
		{
			name:     "submit in aria label",
			meta:     targetMeta{Aria: "Submit this visit"},
			expected: true,
		},
		{
			name:     "save as draft",
			meta:     targetMeta{Text: "Save As Draft"},
			expected: false,
		},
		{
			name:     "compute claim",
			meta:     targetMeta{Text: "Compute Claim"},
			expected: false,
		},
		{
			name:     "draft control rendered as submit input",
			meta:     targetMeta{Value: "Save As Draft", Type: "submit"},
			expected: false,
		},
		{
			name:     "plain search button",
			meta:     targetMeta{Text: "Search", Type: "button"},
			expected: false,
		},
		{
			name:     "empty target",
			meta:     targetMeta{},
			expected: false,
		},
		{
			name:     "submission word variant does not match",
			meta:     targetMeta{Text: "View Submitted Claims"},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isSubmitLike(tt.meta); got != tt.expected {
				t.Errorf("isSubmitLike(%+v) = %v, want %v", tt.meta, got, tt.expected)
			}
		})
	}
}
