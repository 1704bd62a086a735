package metatree

import "testing"

func TestResolveTree(t *testing.T) {
	cases := []struct {
		path, tree, inTree string
	}{
		{"/", "root", "/"},
		{"/home", "home", "/"},
		{"/home/user/docs", "home", "/user/docs"},
		{"home/user", "home", "/user"},
	}
	for _, c := range cases {
		tree, inTree := ResolveTree(c.path)
		if tree != c.tree || inTree != c.inTree {
			t.Errorf("ResolveTree(%q) = (%q, %q), want (%q, %q)", c.path, tree, inTree, c.tree, c.inTree)
		}
	}
}
