package cadence

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Kind describes the normalized kind of a cadence string.
type Kind int

const (
	KindCron Kind = iota
	KindInterval
)

func (k Kind) String() string {
	if k == KindInterval {
		return "interval"
	}
	return "cron"
}

// Expr is a parsed cadence string.
//
// Supported forms:
//   - Cron: "*/5 * * * *", "30 22 * * *", "0 0 * * * *" (seconds), "@hourly", "@every 80m"
//   - Interval duration: "80m", "2h50m"
//   - Interval HH:MM: "01:20" (80 minutes)
//
// Optional prefixes:
//   - "cron:" forces cron parsing
//   - "interval:" or "every:" forces interval parsing
type Expr struct {
	Kind   Kind
	Cron   string
	Every  time.Duration
	Source string // "cron" | "duration" | "hhmm"
}

var reHHMM = regexp.MustCompile(`^\s*(\d{1,3}):(\d{2})\s*$`)

// ParseExpr parses a cadence string into either a cron expression or an interval.
// It does not validate cron fields; Parse does.
func ParseExpr(raw string) (Expr, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Expr{}, fmt.Errorf("cadence required")
	}

	low := strings.ToLower(s)
	if strings.HasPrefix(low, "cron:") {
		expr := strings.TrimSpace(s[len("cron:"):])
		if expr == "" {
			return Expr{}, fmt.Errorf("cron expression required after 'cron:'")
		}
		return Expr{Kind: KindCron, Cron: expr, Source: "cron"}, nil
	}
	for _, p := range []string{"interval:", "every:"} {
		if strings.HasPrefix(low, p) {
			d, src, err := parseInterval(s[len(p):])
			if err != nil {
				return Expr{}, err
			}
			return Expr{Kind: KindInterval, Every: d, Source: src}, nil
		}
	}

	// Any whitespace or a leading '@' means cron.
	if strings.ContainsAny(s, " \t\n\r") || strings.HasPrefix(s, "@") {
		return Expr{Kind: KindCron, Cron: s, Source: "cron"}, nil
	}

	if reHHMM.MatchString(s) {
		d, err := parseHHMMDuration(s)
		if err != nil {
			return Expr{}, err
		}
		return Expr{Kind: KindInterval, Every: d, Source: "hhmm"}, nil
	}

	d, err := time.ParseDuration(s)
	if err == nil {
		if d <= 0 {
			return Expr{}, fmt.Errorf("interval must be > 0")
		}
		return Expr{Kind: KindInterval, Every: d, Source: "duration"}, nil
	}

	return Expr{}, fmt.Errorf(
		"invalid cadence %q (use cron like '*/5 * * * *', HH:MM like '02:30', or duration like '80m')",
		raw,
	)
}

func parseInterval(v string) (time.Duration, string, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, "", fmt.Errorf("interval required")
	}
	if reHHMM.MatchString(v) {
		d, err := parseHHMMDuration(v)
		return d, "hhmm", err
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, "", fmt.Errorf("invalid interval %q (use HH:MM or Go duration like '80m'/'2h50m')", v)
	}
	if d <= 0 {
		return 0, "", fmt.Errorf("interval must be > 0")
	}
	return d, "duration", nil
}

func parseHHMMDuration(v string) (time.Duration, error) {
	m := reHHMM.FindStringSubmatch(v)
	if len(m) != 3 {
		return 0, fmt.Errorf("invalid HH:MM %q", v)
	}
	var hh int
	for i := 0; i < len(m[1]); i++ {
		hh = hh*10 + int(m[1][i]-'0')
	}
	mm := int(m[2][0]-'0')*10 + int(m[2][1]-'0')
	if mm > 59 {
		return 0, fmt.Errorf("invalid minutes in %q", v)
	}
	d := time.Duration(hh)*time.Hour + time.Duration(mm)*time.Minute
	if d <= 0 {
		return 0, fmt.Errorf("interval must be > 0")
	}
	return d, nil
}
