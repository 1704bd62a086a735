package main

import "testing"

func TestDecodeMetafileName(t *testing.T) {
	cases := map[string]string{
		"%home%user%docs.xml": "/home/user/docs",
		"root.xml":            "/root",
		"%.xml":               "/",
	}
	for in, want := range cases {
		if got := decodeMetafileName(in); got != want {
			t.Errorf("decodeMetafileName(%q) = %q, want %q", in, got, want)
		}
	}
}
