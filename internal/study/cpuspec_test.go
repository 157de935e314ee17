package study

import (
	"reflect"
	"testing"
)

func TestParseCPUSpec(t *testing.T) {
	cases := map[string][]int{
		"0":        {0},
		"0,2,4":    {0, 2, 4},
		"0-3":      {0, 1, 2, 3},
		"4, 0-1,4": {4, 0, 1},
	}
	for spec, want := range cases {
		got, err := ParseCPUSpec(spec)
		if err != nil {
			t.Fatalf("ParseCPUSpec(%q): %v", spec, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("ParseCPUSpec(%q) = %v, want %v", spec, got, want)
		}
	}

	for _, bad := range []string{"", "a", "3-1", "1-2-3", "-1"} {
		if _, err := ParseCPUSpec(bad); err == nil {
			t.Fatalf("ParseCPUSpec(%q): expected error", bad)
		}
	}
}

func TestFormatCPUSpec(t *testing.T) {
	cases := []struct {
		cpus []int
		want string
	}{
		{nil, ""},
		{[]int{3}, "3"},
		{[]int{3, 1, 2, 0}, "0-3"},
		{[]int{0, 1, 2, 3, 8, 10, 11}, "0-3,8,10-11"},
		{[]int{5, 5, 6}, "5-6"},
	}
	for _, tc := range cases {
		if got := FormatCPUSpec(tc.cpus); got != tc.want {
			t.Fatalf("FormatCPUSpec(%v) = %q, want %q", tc.cpus, got, tc.want)
		}
	}
}
