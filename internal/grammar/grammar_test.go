package grammar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/loqalabs/loqa-grammar/internal/config"
)

func testConfig(endpoint string) config.GrammarConfig {
	return config.GrammarConfig{
		Enabled:         true,
		Endpoint:        endpoint,
		Language:        "en-US",
		TimeoutMS:       2000,
		MaxReplacements: 5,
	}
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestApply(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		matches []Match
		want    string
		applied int
	}{
		{
			name: "rightmost first keeps offsets valid",
			text: "She go to school yesterday.",
			matches: []Match{
				{Offset: 4, Length: 2, Replacements: []string{"went", "goes"}},
				{Offset: 17, Length: 9, Replacements: []string{"today"}},
			},
			want:    "She went to school today.",
			applied: 2,
		},
		{
			name:    "diagnostic only",
			text:    "Fine text.",
			matches: []Match{{Offset: 0, Length: 4, Message: "style"}},
			want:    "Fine text.",
		},
		{
			name: "out of range skipped",
			text: "short",
			matches: []Match{
				{Offset: 3, Length: 10, Replacements: []string{"x"}},
				{Offset: -1, Length: 1, Replacements: []string{"x"}},
				{Offset: 99, Length: 0, Replacements: []string{"x"}},
			},
			want: "short",
		},
		{
			name: "overlap skipped",
			text: "a bb ccc",
			matches: []Match{
				{Offset: 2, Length: 4, Replacements: []string{"XX"}},
				{Offset: 5, Length: 3, Replacements: []string{"YYY"}},
			},
			want:    "a bb YYY",
			applied: 1,
		},
		{
			name:    "utf16 offsets after astral rune",
			text:    "😀 i am",
			matches: []Match{{Offset: 3, Length: 1, Replacements: []string{"I"}}},
			want:    "😀 I am",
			applied: 1,
		},
		{
			name:    "surrogate split skipped",
			text:    "😀x",
			matches: []Match{{Offset: 1, Length: 2, Replacements: []string{"y"}}},
			want:    "😀x",
		},
		{
			name: "huge offset skipped",
			text: "short text",
			matches: []Match{
				{Offset: math.MaxInt - 1, Length: 10, Replacements: []string{"x"}},
				{Offset: 2, Length: math.MaxInt, Replacements: []string{"x"}},
			},
			want: "short text",
		},
		{
			name: "empty first replacement skipped",
			text: "It is is fine.",
			matches: []Match{
				{Offset: 2, Length: 3, Replacements: []string{"", " is"}},
				{Offset: 0, Length: 2, Replacements: []string{"This"}},
			},
			want:    "This is is fine.",
			applied: 1,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, applied := Apply(tc.text, tc.matches)
			if got != tc.want || applied != tc.applied {
				t.Fatalf("Apply = %q (%d applied), want %q (%d)", got, applied, tc.want, tc.applied)
			}
		})
	}
}

func TestCorrectBlankMakesNoRequest(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := NewCorrector(testConfig(srv.URL), discard())
	for _, text := range []string{"", "   ", "\n\t"} {
		got, err := c.Correct(context.Background(), text, "en-US")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Corrected != "" || len(got.Matches) != 0 || got.Matches == nil {
			t.Fatalf("unexpected blank result %+v", got)
		}
	}
	if calls.Load() != 0 {
		t.Fatalf("expected no requests, got %d", calls.Load())
	}
}

func TestCorrectAppliesMatches(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("text") != "He go home." || r.PostForm.Get("language") != "en-GB" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"matches":[
			{"message":"Verb agreement","offset":3,"length":2,
			 "replacements":[{"value":"goes"},{"value":"went"},{"value":"a"},{"value":"b"},{"value":"c"},{"value":"d"},{"value":"e"}],
			 "rule":{"id":"HE_VERB_AGR"}},
			{"message":"Consider rephrasing","offset":0,"length":2,"replacements":[]}
		]}`)
	}))
	defer srv.Close()

	c := NewCorrector(testConfig(srv.URL), discard())
	got, err := c.Correct(context.Background(), "He go home.", "en-GB")
	if err != nil {
		t.Fatalf("correct: %v", err)
	}
	if got.Corrected != "He goes home." {
		t.Fatalf("corrected = %q", got.Corrected)
	}
	if got.Mode != ModeLanguageTool || got.Applied != 1 || len(got.Matches) != 2 {
		t.Fatalf("unexpected result %+v", got)
	}
	if n := len(got.Matches[0].Replacements); n != 5 {
		t.Fatalf("expected replacements capped at 5, got %d", n)
	}
	if got.Matches[0].RuleID != "HE_VERB_AGR" {
		t.Fatalf("rule id not carried: %+v", got.Matches[0])
	}
}

func TestCorrectServerErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewCorrector(testConfig(srv.URL), discard())
	got, err := c.Correct(context.Background(), "She go.", "")
	var cErr *CorrectionError
	if !errors.As(err, &cErr) {
		t.Fatalf("expected CorrectionError, got %v", err)
	}
	if cErr.Status != http.StatusTooManyRequests {
		t.Fatalf("expected status 429, got %d", cErr.Status)
	}
	if got.Corrected != "She go." {
		t.Fatalf("expected input text fallback, got %q", got.Corrected)
	}
}

func TestCorrectTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	cfg := testConfig(srv.URL)
	cfg.TimeoutMS = 50
	c := NewCorrector(cfg, discard())

	start := time.Now()
	got, err := c.Correct(context.Background(), "slow text", "")
	var cErr *CorrectionError
	if !errors.As(err, &cErr) {
		t.Fatalf("expected CorrectionError, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Fatal("timeout not enforced")
	}
	if got.Corrected != "slow text" {
		t.Fatalf("expected fallback text, got %q", got.Corrected)
	}
}

func TestCorrectMalformedJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"matches": [`)
	}))
	defer srv.Close()

	c := NewCorrector(testConfig(srv.URL), discard())
	if _, err := c.Correct(context.Background(), "text", ""); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestCorrectDisabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Enabled = false
	c := NewCorrector(cfg, discard())
	got, err := c.Correct(context.Background(), "leave me alone", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Corrected != "leave me alone" || got.Mode != ModeDisabled {
		t.Fatalf("unexpected disabled result %+v", got)
	}
}
