package domain

import "testing"

func TestAlignCategory(t *testing.T) {
	tests := []struct {
		name          string
		category      string
		operationType string
		want          string
	}{
		{"known category passes through", "food", "purchase", CategoryFood},
		{"case and spaces normalized", "  Food ", "purchase", CategoryFood},
		{"unknown collapses to other", "yacht maintenance", "purchase", CategoryOther},
		{"empty collapses to other", "", "purchase", CategoryOther},
		{"transfer category forced", "Transfer", "purchase", CategoryTransfer},
		{"transfer marker in operation type wins", "food", "internal transfer", CategoryTransfer},
		{"between accounts marker", "Between Accounts", "", CategoryTransfer},
		{"salary known", "salary", "credit", CategorySalary},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AlignCategory(tt.category, tt.operationType)
			if got != tt.want {
				t.Errorf("AlignCategory(%q, %q) = %q, want %q", tt.category, tt.operationType, got, tt.want)
			}
		})
	}
}

func TestTruncateRawText(t *testing.T) {
	long := make([]byte, MaxRawTextLen+50)
	for i := range long {
		long[i] = 'x'
	}

	if got := TruncateRawText(string(long)); len(got) != MaxRawTextLen {
		t.Errorf("TruncateRawText long input: len = %d, want %d", len(got), MaxRawTextLen)
	}
	if got := TruncateRawText("short"); got != "short" {
		t.Errorf("TruncateRawText short input = %q, want unchanged", got)
	}
}
