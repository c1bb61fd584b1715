package registry

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/nextlevelbuilder/goherd/pkg/protocol"
)

// UsageReport is one context-usage observation. Supervisors report
// either a percentage or a used/total token pair; when both are given
// the percentage wins and tokens are kept as supporting detail.
type UsageReport struct {
	Percent     *float64 // 0..100
	TokensUsed  int64
	TokensTotal int64
}

// normalize returns (usage 0..1, tokensUsed, tokensTotal).
func (u UsageReport) normalize() (float64, int64, int64, error) {
	if u.Percent != nil {
		p := *u.Percent
		if p < 0 || p > 100 {
			return 0, 0, 0, protocol.Errorf(protocol.KindValidation,
				"percent %.2f out of range 0..100", p)
		}
		used, total := u.TokensUsed, u.TokensTotal
		if total > 0 && used == 0 {
			used = int64(p / 100 * float64(total))
		}
		return p / 100, used, total, nil
	}
	if u.TokensTotal > 0 {
		if u.TokensUsed < 0 || u.TokensUsed > u.TokensTotal {
			return 0, 0, 0, protocol.Errorf(protocol.KindValidation,
				"tokens_used %d out of range 0..%d", u.TokensUsed, u.TokensTotal)
		}
		return float64(u.TokensUsed) / float64(u.TokensTotal), u.TokensUsed, u.TokensTotal, nil
	}
	return 0, 0, 0, protocol.Errorf(protocol.KindValidation,
		"usage report needs percent or tokens_used/tokens_total")
}

var (
	percentRe  = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	fractionRe = regexp.MustCompile(`(\d[\d,]*)\s*/\s*(\d[\d,]*)`)
)

// ParseUsage extracts a usage report from free-form text, e.g. a
// captured status line. Recognized forms, in order of preference:
//
//	"67%"  or  "Context: 67.5% used"
//	"142000/200000"  or  "142,000 / 200,000 tokens"
func ParseUsage(s string) (UsageReport, bool) {
	if m := percentRe.FindStringSubmatch(s); m != nil {
		if p, err := strconv.ParseFloat(m[1], 64); err == nil && p >= 0 && p <= 100 {
			rep := UsageReport{Percent: &p}
			if fm := fractionRe.FindStringSubmatch(s); fm != nil {
				rep.TokensUsed = parseTokens(fm[1])
				rep.TokensTotal = parseTokens(fm[2])
			}
			return rep, true
		}
	}
	if m := fractionRe.FindStringSubmatch(s); m != nil {
		used, total := parseTokens(m[1]), parseTokens(m[2])
		if total > 0 && used <= total {
			return UsageReport{TokensUsed: used, TokensTotal: total}, true
		}
	}
	return UsageReport{}, false
}

func parseTokens(s string) int64 {
	n, _ := strconv.ParseInt(strings.ReplaceAll(s, ",", ""), 10, 64)
	return n
}
