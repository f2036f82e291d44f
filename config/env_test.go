package config

import "testing"

func TestBoolEnv(t *testing.T) {
	const name = "SCREENREC_TEST_BOOL"
	cases := []struct {
		value string
		def   bool
		want  bool
	}{
		{"", true, true},
		{"1", false, true},
		{" Yes ", false, true},
		{"off", true, false},
		{"maybe", true, true},
	}
	for _, tc := range cases {
		t.Setenv(name, tc.value)
		if got := BoolEnv(name, tc.def); got != tc.want {
			t.Fatalf("BoolEnv(%q, %v) = %v, want %v", tc.value, tc.def, got, tc.want)
		}
	}
}

func TestIntEnvClamped(t *testing.T) {
	const name = "SCREENREC_TEST_INT"
	cases := []struct {
		value string
		want  int
	}{
		{"", 30},
		{"abc", 30},
		{"0", 1},
		{"60", 60},
		{"1000", 120},
	}
	for _, tc := range cases {
		t.Setenv(name, tc.value)
		if got := IntEnvClamped(name, 30, 1, 120); got != tc.want {
			t.Fatalf("IntEnvClamped(%q) = %d, want %d", tc.value, got, tc.want)
		}
	}
}

func TestStringEnv(t *testing.T) {
	const name = "SCREENREC_TEST_STRING"
	t.Setenv(name, "  ")
	if got := StringEnv(name, "def"); got != "def" {
		t.Fatalf("got %q", got)
	}
	t.Setenv(name, " /opt/ffmpeg ")
	if got := StringEnv(name, "def"); got != "/opt/ffmpeg" {
		t.Fatalf("got %q", got)
	}
}
