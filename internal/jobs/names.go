package jobs

import (
	"fmt"
	"strings"
	"time"
)

// Name identifies a job. The set of names is closed: every Name is bound to a
// handler when the registry loads, so a run can never name work that does not exist.
type Name string

const (
	CollectHeadlines      Name = "collect-yfinance-headlines"
	CollectArticles       Name = "collect-articles"
	CollectPriceData      Name = "collect-price-data"
	TechnicalAnalysis     Name = "calculate-store-technical-analysis"
	CollectFundamentals   Name = "collect-store-fundamental-data"
	NewsWordsCount        Name = "populate-news-words-count"
	GenerateNewsSummaries Name = "generate-news-summaries"
	PopulateSentiment     Name = "populate-sentiment-score"
)

var allNames = []Name{
	CollectHeadlines,
	CollectArticles,
	CollectPriceData,
	TechnicalAnalysis,
	CollectFundamentals,
	NewsWordsCount,
	GenerateNewsSummaries,
	PopulateSentiment,
}

// Names returns every known job name in catalogue order.
func Names() []Name { return append([]Name(nil), allNames...) }

func (n Name) String() string { return string(n) }

// Valid reports whether n is part of the catalogue.
func (n Name) Valid() bool {
	for _, k := range allNames {
		if k == n {
			return true
		}
	}
	return false
}

// ParseName validates a user-supplied job name.
func ParseName(raw string) (Name, error) {
	n := Name(strings.TrimSpace(raw))
	if !n.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownJob, raw)
	}
	return n, nil
}

// Default retry policy applied when a job entry leaves it unset.
const (
	DefaultMaxRetries  = 3
	DefaultBackoffBase = time.Second
	DefaultBackoffCap  = 5 * time.Minute
	DefaultTimeout     = 10 * time.Minute
)

// Catalogue returns the default spec for every job: cadence and static args of
// the production beat schedule, with the default retry policy.
func Catalogue() []Spec {
	base := func(name Name, cadence string, args Args) Spec {
		return Spec{
			Name:        name,
			Cadence:     cadence,
			Enabled:     true,
			MaxRetries:  DefaultMaxRetries,
			BackoffBase: DefaultBackoffBase,
			BackoffCap:  DefaultBackoffCap,
			Timeout:     DefaultTimeout,
			Args:        args,
		}
	}
	return []Spec{
		base(CollectHeadlines, "80m", Args{"source": "yfinance"}),
		base(CollectArticles, "170m", Args{"limit": "100"}),
		base(CollectPriceData, "0 22 * * *", Args{"period": "5d"}),
		base(TechnicalAnalysis, "30 22 * * *", Args{"lookback_days": "2", "timezone": "US/Eastern"}),
		base(CollectFundamentals, "0 23 1 * *", nil),
		base(NewsWordsCount, "0 0 * * *", nil),
		base(GenerateNewsSummaries, "6m", Args{"limit": "5", "model": "facebook/bart-large-cnn", "max_tokens": "200"}),
		base(PopulateSentiment, "10m", Args{"limit": "5", "model": "ProsusAI/finbert"}),
	}
}

// CatalogueSpec returns the default spec for name.
func CatalogueSpec(name Name) (Spec, bool) {
	for _, s := range Catalogue() {
		if s.Name == name {
			return s, true
		}
	}
	return Spec{}, false
}
