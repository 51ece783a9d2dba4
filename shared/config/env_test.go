package config

import (
	"testing"
	"time"
)

func TestGetEnvFallbacks(t *testing.T) {
	t.Setenv("VIVA_TEST_STR", "set")

	if got := GetEnv("VIVA_TEST_STR", "fallback"); got != "set" {
		t.Errorf("GetEnv = %q", got)
	}
	if got := GetEnv("VIVA_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("GetEnv fallback = %q", got)
	}
}

func TestTypedGetters(t *testing.T) {
	t.Setenv("VIVA_TEST_INT", "42")
	t.Setenv("VIVA_TEST_FLOAT", "0.25")
	t.Setenv("VIVA_TEST_BOOL", "true")
	t.Setenv("VIVA_TEST_DUR", "1500ms")
	t.Setenv("VIVA_TEST_BAD_INT", "not a number")

	if got := GetEnvInt("VIVA_TEST_INT", 7); got != 42 {
		t.Errorf("GetEnvInt = %d", got)
	}
	if got := GetEnvInt("VIVA_TEST_BAD_INT", 7); got != 7 {
		t.Errorf("GetEnvInt with garbage = %d, want fallback", got)
	}
	if got := GetEnvFloat("VIVA_TEST_FLOAT", 1); got != 0.25 {
		t.Errorf("GetEnvFloat = %v", got)
	}
	if got := GetEnvBool("VIVA_TEST_BOOL", false); !got {
		t.Error("GetEnvBool = false")
	}
	if got := GetEnvDuration("VIVA_TEST_DUR", time.Second); got != 1500*time.Millisecond {
		t.Errorf("GetEnvDuration = %v", got)
	}
}
