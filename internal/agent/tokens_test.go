package agent

import (
	"context"
	"strings"
	"testing"

	"github.com/anteroom/anteroom/internal/tools"
	"github.com/anteroom/anteroom/pkg/models"
)

func TestEstimateTokens(t *testing.T) {
	short := []*models.Message{{Role: models.RoleUser, Content: "hi"}}
	long := []*models.Message{
		{Role: models.RoleUser, Content: strings.Repeat("the quick brown fox ", 50)},
		{Role: models.RoleAssistant, Content: strings.Repeat("jumped over the lazy dog ", 50)},
	}

	a, b := EstimateTokens(short), EstimateTokens(long)
	if a <= 0 {
		t.Errorf("short estimate = %d", a)
	}
	if b <= a {
		t.Errorf("longer history estimated smaller: %d vs %d", b, a)
	}
}

func TestEstimateTokensEmpty(t *testing.T) {
	if got := EstimateTokens(nil); got != 0 {
		t.Errorf("empty estimate = %d", got)
	}
}

func TestCompactTooShort(t *testing.T) {
	st := newTestStore(t)
	provider := &scriptedProvider{}
	engine := NewEngine(provider, st, tools.NewRegistry(nil, nil, nil), EngineConfig{}, nil)

	msgs := []*models.Message{
		{Role: models.RoleUser, Content: "a"},
		{Role: models.RoleAssistant, Content: "b"},
	}
	if _, err := engine.Compact(context.Background(), msgs); err == nil {
		t.Fatal("expected error for short history")
	}
}

func TestCompactReplacesHistory(t *testing.T) {
	st := newTestStore(t)
	provider := &scriptedProvider{completions: []string{"They discussed file layouts and agreed on a plan."}}
	engine := NewEngine(provider, st, tools.NewRegistry(nil, nil, nil), EngineConfig{}, nil)

	msgs := []*models.Message{
		{Role: models.RoleUser, Content: "how should we lay out the files?"},
		{Role: models.RoleAssistant, Content: "one package per concern"},
		{Role: models.RoleUser, Content: "sounds good"},
		{Role: models.RoleAssistant, Content: "writing it up now"},
	}
	out, err := engine.Compact(context.Background(), msgs)
	if err != nil {
		t.Fatalf("compact: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("compacted length = %d", len(out))
	}
	if out[0].Role != models.RoleSystem {
		t.Errorf("role = %v", out[0].Role)
	}
	if !strings.Contains(out[0].Content, "auto-compacted from 4 messages") {
		t.Errorf("content = %q", out[0].Content)
	}
	if !strings.Contains(out[0].Content, "agreed on a plan") {
		t.Errorf("summary missing: %q", out[0].Content)
	}
}

func TestCleanTitle(t *testing.T) {
	cases := map[string]string{
		"\"Fixing The Build\"":        "Fixing The Build",
		"'Quoted Title'":              "Quoted Title",
		"A Title.":                    "A Title",
		"  Spaced Out  ":              "Spaced Out",
		"First Line\nSecond Line":     "First Line",
		"Plain Title With Five Words": "Plain Title With Five Words",
	}
	for in, want := range cases {
		if got := cleanTitle(in); got != want {
			t.Errorf("cleanTitle(%q) = %q, want %q", in, got, want)
		}
	}
}
