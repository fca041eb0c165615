package responsetransformer

import (
	"net/url"
	"strings"

	framer "github.com/always-cache/fresh-proxy/pkg/response-framer"
	"github.com/rs/zerolog/log"
)

type Rules []Rule

// Rule adjusts the Cache-Control of origin responses for matching targets.
// All non-empty match fields must match.
type Rule struct {
	Prefix   string            `yaml:"prefix"`
	Path     string            `yaml:"path"`
	Default  string            `yaml:"default"`
	Override string            `yaml:"override"`
	Query    map[string]string `yaml:"query"`
	Headers  map[string]string `yaml:"headers"`
}

// Apply applies the first rule matching target to the response header.
// Only successful (200) responses are touched.
func (r Rules) Apply(target string, res *framer.Response) {
	if res.StatusCode != 200 {
		return
	}
	if rule := r.find(target); rule != nil {
		res.Header = applyRuleToHeader(*rule, res.Header)
	}
}

func applyRuleToHeader(rule Rule, header framer.Fields) framer.Fields {
	if rule.Override != "" {
		log.Trace().Msg("Overriding Cache-Control header")
		header = header.Set("Cache-Control", rule.Override)
	} else if _, ok := header.Get("Cache-Control"); rule.Default != "" && !ok {
		log.Trace().Msg("Applying default Cache-Control header")
		header = header.Set("Cache-Control", rule.Default)
	}
	for name, value := range rule.Headers {
		log.Trace().Msgf("Setting header %s", name)
		header = header.Set(name, value)
	}
	return header
}

func (r Rules) find(target string) *Rule {
	if len(r) == 0 {
		return nil
	}
	u, err := url.ParseRequestURI(target)
	if err != nil {
		log.Trace().Err(err).Str("target", target).Msg("Cannot match rules for unparseable target")
		return nil
	}
	log.Trace().Msgf("Finding rule for request %s", u.Path)
rulesLoop:
	for i := range r {
		rule := &r[i]
		if rule.Path != "" && rule.Path != u.Path {
			continue
		}
		if rule.Prefix != "" && !strings.HasPrefix(u.Path, rule.Prefix) {
			continue
		}
		if len(rule.Query) > 0 {
			qry := u.Query()
			for name, value := range rule.Query {
				if value == "" && !qry.Has(name) {
					continue rulesLoop
				} else if value != "" && qry.Get(name) != value {
					continue rulesLoop
				}
			}
		}
		return rule
	}
	return nil
}
