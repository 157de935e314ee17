package study

import "testing"

func TestChecksum_DeterministicAcrossMapOrder(t *testing.T) {
	st1 := &Study{
		SampleSize: 2,
		CPUConfigs: map[string]CPUList{"a": {1}, "b": {2, 4}},
		Sites:      map[string]Site{"x": {URL: "http://x"}, "y": {URL: "http://y"}},
		Engines:    map[string]Engine{"servo": {Kind: ServoLike, Path: "/s"}},
	}
	st2 := &Study{
		SampleSize: 2,
		CPUConfigs: map[string]CPUList{"b": {4, 2}, "a": {1}},
		Sites:      map[string]Site{"y": {URL: "http://y"}, "x": {URL: "http://x"}},
		Engines:    map[string]Engine{"servo": {Kind: ServoLike, Path: "/s"}},
	}

	s1, err := Checksum(st1)
	if err != nil {
		t.Fatalf("Checksum(st1): %v", err)
	}
	s2, err := Checksum(st2)
	if err != nil {
		t.Fatalf("Checksum(st2): %v", err)
	}
	if s1 != s2 {
		t.Fatalf("expected same checksum, got %q vs %q", s1, s2)
	}
	if len(s1) != 6 {
		t.Fatalf("expected 6-char checksum, got %q", s1)
	}

	st2.SampleSize = 3
	s3, err := Checksum(st2)
	if err != nil {
		t.Fatalf("Checksum(st2'): %v", err)
	}
	if s3 == s1 {
		t.Fatalf("expected checksum to change with sample size")
	}
}
