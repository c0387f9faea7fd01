package knowledge

import (
	"context"
	"testing"

	"github.com/fabfab/botkb/store"
)

func TestNilDriverErrors(t *testing.T) {
	g := NewGraph(nil)
	ctx := context.Background()

	if err := g.SyncSource(ctx, store.Bot{}, store.Source{}, 0); err == nil {
		t.Error("SyncSource with nil driver should error")
	}
	if err := g.RemoveSource(ctx, "id"); err == nil {
		t.Error("RemoveSource with nil driver should error")
	}
	if _, err := g.SourceInsights(ctx, []string{"id"}); err == nil {
		t.Error("SourceInsights with nil driver should error")
	}
}

func TestHostOf(t *testing.T) {
	cases := map[string]string{
		"https://docs.example.com/page": "docs.example.com",
		"http://example.com":            "example.com",
		"":                              "",
		"not a url":                     "",
	}
	for in, want := range cases {
		if got := hostOf(in); got != want {
			t.Errorf("hostOf(%q) = %q, want %q", in, got, want)
		}
	}
}
