package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		val  string
		def  bool
		want bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"ON", false, true},
		{"0", true, false},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("OUTLETPIPE_TEST_BOOL", tt.val)
		if got := ParseBoolEnv("OUTLETPIPE_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.val, tt.def, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		val  string
		want time.Duration
	}{
		{"", 10 * time.Minute},
		{"90s", 90 * time.Second},
		{" 2h ", 2 * time.Hour},
		{"soon", 10 * time.Minute},
		{"-1m", 10 * time.Minute},
		{"0s", 10 * time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("OUTLETPIPE_TEST_DURATION", tt.val)
		if got := ParseDurationEnv("OUTLETPIPE_TEST_DURATION", 10*time.Minute); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.val, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	tests := []struct {
		val  string
		want int
	}{
		{"", 16},
		{"4", 4},
		{"x", 16},
		{"-3", 16},
	}
	for _, tt := range tests {
		t.Setenv("OUTLETPIPE_TEST_INT", tt.val)
		if got := ParseIntEnv("OUTLETPIPE_TEST_INT", 16); got != tt.want {
			t.Errorf("ParseIntEnv(%q) = %d, want %d", tt.val, got, tt.want)
		}
	}
}
