package transport

import (
	"reflect"
	"testing"
)

func TestCanonicalFlag(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`\Seen`, `\Seen`},
		{`\seen`, `\Seen`},
		{`SEEN`, `\Seen`},
		{`flagged`, `\Flagged`},
		{`\ANSWERED`, `\Answered`},
		{`Junk`, `\Junk`},
		{`\Custom`, `\Custom`},
	}
	for _, tc := range cases {
		if got := CanonicalFlag(tc.in); got != tc.want {
			t.Errorf("CanonicalFlag(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestHasFlag(t *testing.T) {
	flags := []string{`\Seen`, `Flagged`}
	cases := []struct {
		flag string
		want bool
	}{
		{`\Seen`, true},
		{`seen`, true},
		{`\Flagged`, true},
		{`\Deleted`, false},
	}
	for _, tc := range cases {
		if got := HasFlag(flags, tc.flag); got != tc.want {
			t.Errorf("HasFlag(%q) = %v, want %v", tc.flag, got, tc.want)
		}
	}
}

func TestAddFlag(t *testing.T) {
	flags := AddFlag(nil, "seen")
	if !reflect.DeepEqual(flags, []string{`\Seen`}) {
		t.Errorf("AddFlag(nil, seen) = %v", flags)
	}
	flags = AddFlag(flags, `\SEEN`)
	if len(flags) != 1 {
		t.Errorf("flags = %v, want no duplicate", flags)
	}
	flags = AddFlag(flags, `\Flagged`)
	if !reflect.DeepEqual(flags, []string{`\Seen`, `\Flagged`}) {
		t.Errorf("flags = %v", flags)
	}
}

func TestRemoveFlag(t *testing.T) {
	flags := []string{`\Seen`, `Flagged`, `\Draft`}
	got := RemoveFlag(flags, `\flagged`)
	if !reflect.DeepEqual(got, []string{`\Seen`, `\Draft`}) {
		t.Errorf("RemoveFlag = %v", got)
	}
	got = RemoveFlag(got, `\Answered`)
	if !reflect.DeepEqual(got, []string{`\Seen`, `\Draft`}) {
		t.Errorf("removing an absent flag changed %v", got)
	}
}
