package rugcheck

import (
	"context"
	"net/url"
	"strings"
	"sync/atomic"

	"github.com/nexus-trading/alphawatch/internal/fetch"
)

// ---------------------------------------------------------------------------
// Rugcheck — Solana token risk reports
// ---------------------------------------------------------------------------

// Config configures the Rugcheck client.
type Config struct {
	BaseURL string `yaml:"base_url"`
}

func DefaultConfig() Config {
	return Config{BaseURL: "https://api.rugcheck.xyz"}
}

// Risk levels reported by Rugcheck.
const (
	LevelInfo   = "info"
	LevelWarn   = "warn"
	LevelDanger = "danger"
)

// Risk is a single finding in a report.
type Risk struct {
	Name        string `json:"name"`
	Value       string `json:"value"`
	Description string `json:"description"`
	Score       int    `json:"score"`
	Level       string `json:"level"`
}

// RiskReport is the subset of /v1/tokens/{mint}/report used here.
type RiskReport struct {
	Mint            string `json:"mint"`
	Score           int    `json:"score"`
	ScoreNormalised int    `json:"score_normalised"`
	Risks           []Risk `json:"risks"`
	Rugged          bool   `json:"rugged"`
}

// Critical reports whether the token is flagged rugged or carries any
// danger-level risk.
func (r RiskReport) Critical() bool {
	return r.Rugged || len(r.CriticalRisks()) > 0
}

// CriticalRisks returns the names of danger-level risks.
func (r RiskReport) CriticalRisks() []string {
	var names []string
	for _, risk := range r.Risks {
		if strings.EqualFold(risk.Level, LevelDanger) {
			names = append(names, risk.Name)
		}
	}
	return names
}

// Client fetches risk reports through the shared fetch client.
type Client struct {
	config Config
	fetch  *fetch.Client

	reports  atomic.Int64
	unknown  atomic.Int64
	critical atomic.Int64
}

func New(config Config, client *fetch.Client) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	return &Client{config: config, fetch: client}
}

// GetRiskReport returns the report for mint, possibly from the response
// cache. ok is false when no report could be obtained; callers treat that
// as no verdict.
func (c *Client) GetRiskReport(ctx context.Context, mint string) (RiskReport, bool) {
	return c.report(ctx, mint, c.fetch.GetJSON)
}

// GetFreshRiskReport is GetRiskReport without the response cache, for
// re-checking tokens that are already held.
func (c *Client) GetFreshRiskReport(ctx context.Context, mint string) (RiskReport, bool) {
	return c.report(ctx, mint, c.fetch.GetFresh)
}

func (c *Client) report(ctx context.Context, mint string, get func(context.Context, string, url.Values, any) bool) (RiskReport, bool) {
	endpoint := strings.TrimRight(c.config.BaseURL, "/") + "/v1/tokens/" + mint + "/report"

	var report RiskReport
	if !get(ctx, endpoint, nil, &report) {
		c.unknown.Add(1)
		return RiskReport{}, false
	}
	if report.Mint == "" {
		report.Mint = mint
	}
	c.reports.Add(1)
	if report.Critical() {
		c.critical.Add(1)
	}
	return report, true
}

// Stats counts reports by outcome.
type Stats struct {
	Reports  int64 `json:"reports"`
	Unknown  int64 `json:"unknown"`
	Critical int64 `json:"critical"`
}

func (c *Client) Stats() Stats {
	return Stats{
		Reports:  c.reports.Load(),
		Unknown:  c.unknown.Load(),
		Critical: c.critical.Load(),
	}
}
