package research

import (
	"strings"
	"testing"
)

func TestTruncateMiddle(t *testing.T) {
	if got := TruncateMiddle("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	got := TruncateMiddle("abcdefghijklmnop", 9)
	if len(got) != 9 {
		t.Errorf("len = %d, want 9", len(got))
	}
	if !strings.Contains(got, "...") {
		t.Errorf("got %q", got)
	}
	if !strings.HasPrefix(got, "abc") || !strings.HasSuffix(got, "op") {
		t.Errorf("got %q", got)
	}
}

func TestFormatDurationShort(t *testing.T) {
	cases := []struct {
		ms   int64
		want string
	}{
		{500, "0.5s"},
		{12300, "12.3s"},
		{90000, "1m30s"},
		{7260000, "2h1m"},
	}
	for _, c := range cases {
		if got := FormatDurationShort(c.ms); got != c.want {
			t.Errorf("FormatDurationShort(%d) = %q, want %q", c.ms, got, c.want)
		}
	}
}
