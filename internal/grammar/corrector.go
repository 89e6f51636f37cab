// Package grammar corrects transcripts with a remote LanguageTool server.
package grammar

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loqalabs/loqa-grammar/internal/config"
	"golang.org/x/time/rate"
)

const (
	ModeLanguageTool = "languagetool"
	ModeDisabled     = "disabled"
)

// CorrectionError reports a failed grammar check. The text is left as it was.
type CorrectionError struct {
	Endpoint string
	Status   int
	Err      error
}

func (e *CorrectionError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("grammar check at %s returned HTTP %d: %v", e.Endpoint, e.Status, e.Err)
	}
	return fmt.Sprintf("grammar check at %s failed: %v", e.Endpoint, e.Err)
}

func (e *CorrectionError) Unwrap() error { return e.Err }

// Match is one issue reported for the exact text that was checked.
type Match struct {
	Offset       int      `json:"offset"`
	Length       int      `json:"length"`
	Message      string   `json:"message"`
	Replacements []string `json:"replacements"`
	RuleID       string   `json:"rule_id,omitempty"`
}

// Correction is the outcome of a grammar check.
type Correction struct {
	Corrected string
	Matches   []Match
	Applied   int
	Mode      string
}

type Corrector struct {
	cfg     config.GrammarConfig
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

func NewCorrector(cfg config.GrammarConfig, log *slog.Logger) *Corrector {
	return NewCorrectorWithClient(cfg, &http.Client{Timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond}, log)
}

func NewCorrectorWithClient(cfg config.GrammarConfig, client *http.Client, log *slog.Logger) *Corrector {
	c := &Corrector{
		cfg:    cfg,
		client: client,
		log:    log.With(slog.String("component", "grammar-corrector")),
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), cfg.RequestsPerMinute)
	}
	return c
}

// Mode names the correction backend in use.
func (c *Corrector) Mode() string {
	if !c.cfg.Enabled {
		return ModeDisabled
	}
	return ModeLanguageTool
}

type checkResponse struct {
	Matches []struct {
		Message      string `json:"message"`
		Offset       int    `json:"offset"`
		Length       int    `json:"length"`
		Replacements []struct {
			Value string `json:"value"`
		} `json:"replacements"`
		Rule struct {
			ID string `json:"id"`
		} `json:"rule"`
	} `json:"matches"`
}

// Correct checks text and applies the first suggestion of every match.
// Blank text returns immediately without a request. On failure the returned
// Correction still carries the input text.
func (c *Corrector) Correct(ctx context.Context, text, language string) (Correction, error) {
	if strings.TrimSpace(text) == "" {
		return Correction{Corrected: "", Matches: []Match{}, Mode: c.Mode()}, nil
	}
	if !c.cfg.Enabled {
		return Correction{Corrected: text, Matches: []Match{}, Mode: ModeDisabled}, nil
	}
	if language == "" {
		language = c.cfg.Language
	}
	fallback := Correction{Corrected: text, Matches: []Match{}, Mode: ModeLanguageTool}

	if c.cfg.TimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(c.cfg.TimeoutMS)*time.Millisecond)
		defer cancel()
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fallback, &CorrectionError{Endpoint: c.cfg.Endpoint, Err: fmt.Errorf("rate limit: %w", err)}
		}
	}

	form := url.Values{}
	form.Set("text", text)
	form.Set("language", language)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return fallback, &CorrectionError{Endpoint: c.cfg.Endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return fallback, &CorrectionError{Endpoint: c.cfg.Endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fallback, &CorrectionError{
			Endpoint: c.cfg.Endpoint,
			Status:   resp.StatusCode,
			Err:      fmt.Errorf("%s", strings.TrimSpace(string(body))),
		}
	}

	var decoded checkResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return fallback, &CorrectionError{Endpoint: c.cfg.Endpoint, Err: fmt.Errorf("decode response: %w", err)}
	}

	matches := make([]Match, 0, len(decoded.Matches))
	for _, m := range decoded.Matches {
		repls := make([]string, 0, len(m.Replacements))
		for _, r := range m.Replacements {
			repls = append(repls, r.Value)
		}
		matches = append(matches, Match{
			Offset:       m.Offset,
			Length:       m.Length,
			Message:      m.Message,
			Replacements: repls,
			RuleID:       m.Rule.ID,
		})
	}

	corrected, applied := Apply(text, matches)
	if skipped := countEditable(matches) - applied; skipped > 0 {
		c.log.Warn("skipped grammar edits with invalid or overlapping ranges", slog.Int("skipped", skipped))
	}
	c.log.Debug("grammar check complete",
		slog.Int("matches", len(matches)),
		slog.Int("applied", applied),
		slog.Duration("elapsed", time.Since(start)),
	)

	return Correction{
		Corrected: corrected,
		Matches:   truncateReplacements(matches, c.cfg.MaxReplacements),
		Applied:   applied,
		Mode:      ModeLanguageTool,
	}, nil
}

func countEditable(matches []Match) int {
	n := 0
	for _, m := range matches {
		if len(m.Replacements) > 0 {
			n++
		}
	}
	return n
}

// truncateReplacements keeps at most limit suggestions per match for display.
func truncateReplacements(matches []Match, limit int) []Match {
	if limit <= 0 {
		return matches
	}
	for i := range matches {
		if len(matches[i].Replacements) > limit {
			matches[i].Replacements = matches[i].Replacements[:limit]
		}
	}
	return matches
}
