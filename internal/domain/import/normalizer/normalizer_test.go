package normalizer

import (
	"errors"
	"testing"
	"time"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"-10.50", "-10.5"},
		{"$99.99", "99.99"},
		{"(25.00)", "-25"},
		{"1,234.56", "1234.56"},
		{"$(50.00)", "-50"},
		{"$ 1 234.00", "1234"},
		{"0", "0"},
		{"+15.25", "15.25"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseAmount(tt.input)
			if err != nil {
				t.Fatalf("ParseAmount(%q) returned error: %v", tt.input, err)
			}
			if got.String() != tt.expected {
				t.Errorf("ParseAmount(%q) = %s, want %s", tt.input, got, tt.expected)
			}
		})
	}
}

func TestParseAmountInvalid(t *testing.T) {
	for _, input := range []string{"", "abc", "$", "()", "12.3.4"} {
		if _, err := ParseAmount(input); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("ParseAmount(%q) error = %v, want ErrInvalidAmount", input, err)
		}
	}
}

func TestParseDate(t *testing.T) {
	want := time.Date(2024, time.January, 15, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		input string
	}{
		{"iso", "2024-01-15"},
		{"us slash", "01/15/2024"},
		{"us slash short year", "01/15/24"},
		{"day first", "15/01/2024"},
		{"long month", "January 15, 2024"},
		{"padded", "  2024-01-15  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDate(tt.input)
			if err != nil {
				t.Fatalf("ParseDate(%q) returned error: %v", tt.input, err)
			}
			if !got.Equal(want) {
				t.Errorf("ParseDate(%q) = %v, want %v", tt.input, got, want)
			}
		})
	}
}

func TestParseDateMonthFirstWins(t *testing.T) {
	// 03/04/2024 is ambiguous; the month-first layout is tried before day-first.
	got, err := ParseDate("03/04/2024")
	if err != nil {
		t.Fatalf("ParseDate returned error: %v", err)
	}
	want := time.Date(2024, time.March, 4, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("ParseDate(\"03/04/2024\") = %v, want %v", got, want)
	}
}

func TestParseDateInvalid(t *testing.T) {
	for _, input := range []string{"", "not-a-date", "2024/15/99", "13/13/2024"} {
		if _, err := ParseDate(input); !errors.Is(err, ErrInvalidDate) {
			t.Errorf("ParseDate(%q) error = %v, want ErrInvalidDate", input, err)
		}
	}
}

func TestCleanDescription(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"  STARBUCKS  #1234  ", "STARBUCKS #1234"},
		{"AMZN\tMKTP\nUS", "AMZN MKTP US"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := CleanDescription(tt.input); got != tt.expected {
			t.Errorf("CleanDescription(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
