package memory

import (
	"errors"
	"strings"
	"testing"

	"github.com/msai-amin/Ryzomatic-sub006/pkg/models"
)

func TestParseExtraction(t *testing.T) {
	t.Run("valid output", func(t *testing.T) {
		out, err := parseExtraction(`{
			"entities": [
				{"type": "concept", "content": "fixed effects"},
				{"type": "question", "content": "which estimator?"}
			],
			"relationships": [
				{"source": 0, "target": 1, "description": "the question is about the concept"}
			]
		}`)
		if err != nil {
			t.Fatalf("parseExtraction: %v", err)
		}
		if len(out.Entities) != 2 || len(out.Relationships) != 1 {
			t.Errorf("parsed %d entities, %d relationships", len(out.Entities), len(out.Relationships))
		}
	})

	t.Run("code-fenced output", func(t *testing.T) {
		out, err := parseExtraction("```json\n{\"entities\": [{\"type\": \"insight\", \"content\": \"x\"}], \"relationships\": []}\n```")
		if err != nil {
			t.Fatalf("parseExtraction: %v", err)
		}
		if len(out.Entities) != 1 {
			t.Errorf("parsed %d entities, want 1", len(out.Entities))
		}
	})

	invalid := map[string]string{
		"not json":            "the model rambled instead",
		"no entities":         `{"entities": [], "relationships": []}`,
		"unknown entity type": `{"entities": [{"type": "vibe", "content": "x"}], "relationships": []}`,
		"document type":       `{"entities": [{"type": "document", "content": "x"}], "relationships": []}`,
		"empty content":       `{"entities": [{"type": "concept", "content": "  "}], "relationships": []}`,
		"index out of range":  `{"entities": [{"type": "concept", "content": "x"}], "relationships": [{"source": 0, "target": 5}]}`,
		"self relation":       `{"entities": [{"type": "concept", "content": "x"}], "relationships": [{"source": 0, "target": 0}]}`,
	}
	for name, raw := range invalid {
		t.Run(name, func(t *testing.T) {
			if _, err := parseExtraction(raw); !errors.Is(err, ErrExtractionParse) {
				t.Errorf("expected ErrExtractionParse, got %v", err)
			}
		})
	}
}

func TestBuildExtractionPrompt(t *testing.T) {
	prompt := buildExtractionPrompt([]models.ConversationTurn{
		{Role: "user", Content: "what is a p-value?"},
		{Role: "assistant", Content: "the probability of..."},
	})
	if !strings.Contains(prompt, "user: what is a p-value?") {
		t.Errorf("prompt missing user turn:\n%s", prompt)
	}
	if !strings.Contains(prompt, "assistant: the probability of...") {
		t.Errorf("prompt missing assistant turn:\n%s", prompt)
	}
}

func TestStripCodeFence(t *testing.T) {
	cases := map[string]string{
		"{\"a\":1}":                    `{"a":1}`,
		"```json\n{\"a\":1}\n```":      `{"a":1}`,
		"```\n{\"a\":1}\n```":          `{"a":1}`,
		"  \n```json\n{\"a\":1}\n``` ": `{"a":1}`,
	}
	for in, want := range cases {
		if got := stripCodeFence(in); got != want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestEmbeddingCache(t *testing.T) {
	c := newEmbeddingCache(2)

	c.set("a", []float32{1})
	c.set("b", []float32{2})

	if _, ok := c.get("a"); !ok {
		t.Error("a missing")
	}

	// a was just used, so inserting c evicts b.
	c.set("c", []float32{3})
	if _, ok := c.get("b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := c.get("a"); !ok {
		t.Error("a evicted despite recent use")
	}
	if _, ok := c.get("c"); !ok {
		t.Error("c missing")
	}

	t.Run("overwrite keeps one slot", func(t *testing.T) {
		c := newEmbeddingCache(1)
		c.set("k", []float32{1})
		c.set("k", []float32{2})
		v, ok := c.get("k")
		if !ok || v[0] != 2 {
			t.Errorf("get(k) = %v, %v", v, ok)
		}
	})
}
