package relay

import (
	"net/http"
	"testing"
	"time"
)

func TestParseRetryAfter(t *testing.T) {
	if got := ParseRetryAfter(""); got != 0 {
		t.Fatalf("empty = %s", got)
	}
	if got := ParseRetryAfter("30"); got != 30*time.Second {
		t.Fatalf("seconds = %s", got)
	}
	if got := ParseRetryAfter("-5"); got != 0 {
		t.Fatalf("negative = %s", got)
	}
	if got := ParseRetryAfter("garbage"); got != 0 {
		t.Fatalf("garbage = %s", got)
	}

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	got := ParseRetryAfter(future)
	if got < 80*time.Second || got > 91*time.Second {
		t.Fatalf("http date = %s, want about 90s", got)
	}

	past := time.Now().Add(-time.Hour).UTC().Format(http.TimeFormat)
	if got := ParseRetryAfter(past); got != 0 {
		t.Fatalf("past date = %s", got)
	}
}
