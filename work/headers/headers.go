package headers

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/grafana/regexp"

	"dtv-relay/work/config"
)

const (
	// AcceptAny is the baseline Accept value.
	AcceptAny = "*/*"
	// AcceptMedia is used by the live media route.
	AcceptMedia = "video/x-flv,application/octet-stream,*/*"
	// AcceptImage mirrors what a desktop browser sends for <img> loads.
	AcceptImage = "image/avif,image/webp,image/apng,image/*;q=0.8,*/*;q=0.5"
)

// Rule maps a host match to the Referer/Origin pair a platform CDN expects.
// An empty Origin means the header is not sent.
type Rule struct {
	Name    string
	Markers []string
	Pattern *regexp.Regexp
	Referer string
	Origin  string
}

// Matches reports whether host satisfies the rule.
func (r Rule) Matches(host string) bool {
	for _, marker := range r.Markers {
		if marker != "" && strings.Contains(host, marker) {
			return true
		}
	}
	return r.Pattern != nil && r.Pattern.MatchString(host)
}

// BuiltinRules are the known platform families, in match order.
var BuiltinRules = []Rule{
	{
		Name:    "bilibili",
		Markers: []string{"hdslb.com", "bilibili.com", "bilivideo"},
		Referer: "https://live.bilibili.com/",
		Origin:  "https://live.bilibili.com",
	},
	{
		Name:    "huya",
		Markers: []string{"huya.com", "hy-cdn.com", "huyaimg.com"},
		Referer: "https://www.huya.com/",
		Origin:  "https://www.huya.com",
	},
	{
		Name:    "douyin",
		Markers: []string{"douyin", "douyinpic.com"},
		Referer: "https://www.douyin.com/",
	},
}

// Policy decides the outbound headers for an upstream URL. It is immutable after
// construction and safe for concurrent use.
type Policy struct {
	userAgent string
	rules     []Rule
}

// NewPolicy builds a policy from the built-in families followed by the configured rules.
func NewPolicy(cfg *config.Config) (*Policy, error) {
	p := &Policy{
		userAgent: config.DefaultUserAgent,
		rules:     append([]Rule(nil), BuiltinRules...),
	}
	if cfg == nil {
		return p, nil
	}
	if cfg.UserAgent != "" {
		p.userAgent = cfg.UserAgent
	}

	for _, rc := range cfg.HeaderRules {
		rule := Rule{
			Name:    rc.Name,
			Markers: rc.Markers,
			Referer: rc.Referer,
			Origin:  rc.Origin,
		}
		if rc.HostPattern != "" {
			re, err := regexp.Compile(rc.HostPattern)
			if err != nil {
				return nil, fmt.Errorf("header rule %q: invalid hostPattern: %w", rc.Name, err)
			}
			rule.Pattern = re
		}
		if len(rule.Markers) == 0 && rule.Pattern == nil {
			return nil, fmt.Errorf("header rule %q: markers or hostPattern required", rc.Name)
		}
		p.rules = append(p.rules, rule)
	}
	return p, nil
}

// Default returns the policy with only the built-in families.
func Default() *Policy {
	p, _ := NewPolicy(nil)
	return p
}

// UserAgent returns the browser identity sent upstream.
func (p *Policy) UserAgent() string {
	return p.userAgent
}

// Match returns the first rule matching rawURL's host. Unparsable URLs are matched
// against the raw string.
func (p *Policy) Match(rawURL string) (Rule, bool) {
	subject := strings.ToLower(rawURL)
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		subject = strings.ToLower(u.Host)
	}

	for _, rule := range p.rules {
		if rule.Matches(subject) {
			return rule, true
		}
	}
	return Rule{}, false
}

// HeadersFor returns the full outbound header set for rawURL.
func (p *Policy) HeadersFor(rawURL string) http.Header {
	h := make(http.Header, 5)
	h.Set("User-Agent", p.userAgent)
	h.Set("Accept", AcceptAny)
	h.Set("Connection", "keep-alive")

	if rule, ok := p.Match(rawURL); ok {
		h.Set("Referer", rule.Referer)
		if rule.Origin != "" {
			h.Set("Origin", rule.Origin)
		}
	}
	return h
}

// Apply copies the policy headers for the request URL onto req, overriding Accept
// when accept is non-empty.
func (p *Policy) Apply(req *http.Request, accept string) {
	for key, values := range p.HeadersFor(req.URL.String()) {
		req.Header[key] = values
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
}
