// Package linkclass maps a raw link to a platform, content kind and stable
// item id. It performs no I/O.
package linkclass

import (
	"net/url"
	"regexp"
	"strings"

	"linkdigest/internal/model"
)

// Rule is one entry of the ordered classification table. A hosted link is
// matched by exact host and PathPattern; a bare id, or an item id such as
// "bili:BV1xx411c7mD", by BarePattern.
type Rule struct {
	Name        string
	Platform    model.Platform
	Kind        model.ContentKind
	Hosts       []string
	PathPattern *regexp.Regexp
	BarePattern *regexp.Regexp
	ID          func(m []string) string
}

var (
	biliHosts = []string{"bilibili.com", "www.bilibili.com", "m.bilibili.com"}
	xhsHosts  = []string{"xiaohongshu.com", "www.xiaohongshu.com"}
)

// rules is ordered most specific first; first match wins.
var rules = []Rule{
	{
		Name:        "bilibili-space",
		Platform:    model.PlatformBilibili,
		Kind:        model.KindUserCollection,
		Hosts:       []string{"space.bilibili.com"},
		PathPattern: regexp.MustCompile(`^/(\d+)(?:/|$)`),
		BarePattern: regexp.MustCompile(`^bili:space:(\d+)$`),
		ID:          func(m []string) string { return "space:" + m[1] },
	},
	{
		Name:        "bilibili-bv",
		Platform:    model.PlatformBilibili,
		Kind:        model.KindVideo,
		Hosts:       biliHosts,
		PathPattern: regexp.MustCompile(`^/video/(BV[0-9A-Za-z]{10})(?:/|$)`),
		BarePattern: regexp.MustCompile(`^(?:bili:)?(BV[0-9A-Za-z]{10})$`),
		ID:          func(m []string) string { return m[1] },
	},
	{
		Name:        "bilibili-av",
		Platform:    model.PlatformBilibili,
		Kind:        model.KindVideo,
		Hosts:       biliHosts,
		PathPattern: regexp.MustCompile(`(?i)^/video/av(\d+)(?:/|$)`),
		BarePattern: regexp.MustCompile(`(?i)^(?:bili:)?av(\d+)$`),
		ID:          func(m []string) string { return "av" + m[1] },
	},
	{
		Name:        "bilibili-short",
		Platform:    model.PlatformBilibili,
		Kind:        model.KindVideo,
		Hosts:       []string{"b23.tv"},
		PathPattern: regexp.MustCompile(`^/([0-9A-Za-z]+)(?:/|$)`),
		BarePattern: regexp.MustCompile(`^bili:b23:([0-9A-Za-z]+)$`),
		ID:          func(m []string) string { return "b23:" + m[1] },
	},
	{
		Name:        "xiaohongshu-profile",
		Platform:    model.PlatformXiaohongshu,
		Kind:        model.KindUserCollection,
		Hosts:       xhsHosts,
		PathPattern: regexp.MustCompile(`^/user/profile/([0-9A-Za-z]+)(?:/|$)`),
		BarePattern: regexp.MustCompile(`^xhs:user:([0-9A-Za-z]+)$`),
		ID:          func(m []string) string { return "user:" + m[1] },
	},
	{
		Name:        "xiaohongshu-note",
		Platform:    model.PlatformXiaohongshu,
		Kind:        model.KindImageSet,
		Hosts:       xhsHosts,
		PathPattern: regexp.MustCompile(`^/(?:explore|discovery/item|item)/([0-9a-fA-F]{24})(?:/|$)`),
		BarePattern: regexp.MustCompile(`^(?:xhs:)?([0-9a-fA-F]{24})$`),
		ID:          func(m []string) string { return strings.ToLower(m[1]) },
	},
	{
		Name:        "xiaohongshu-short",
		Platform:    model.PlatformXiaohongshu,
		Kind:        model.KindImageSet,
		Hosts:       []string{"xhslink.com", "www.xhslink.com"},
		PathPattern: regexp.MustCompile(`^/(?:[a-z]/)?([0-9A-Za-z]+)(?:/|$)`),
		BarePattern: regexp.MustCompile(`^xhs:short:([0-9A-Za-z]+)$`),
		ID:          func(m []string) string { return "short:" + m[1] },
	},
}

// Rules returns a copy of the ordered rule table.
func Rules() []Rule {
	out := make([]Rule, len(rules))
	copy(out, rules)
	return out
}

type target struct {
	host string
	path string
	bare string
}

func parseTarget(raw string) (target, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return target{}, false
	}
	if !strings.Contains(s, "://") {
		head, _, _ := strings.Cut(s, "/")
		if !strings.Contains(head, ".") {
			return target{bare: s}, true
		}
		s = "https://" + s
	}
	u, err := url.Parse(s)
	if err != nil || u.Host == "" {
		return target{}, false
	}
	host := strings.ToLower(u.Hostname())
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	return target{host: host, path: path}, true
}

func (r Rule) match(t target) []string {
	if t.bare != "" {
		if r.BarePattern == nil {
			return nil
		}
		return r.BarePattern.FindStringSubmatch(t.bare)
	}
	if r.PathPattern == nil || !hostIn(t.host, r.Hosts) {
		return nil
	}
	return r.PathPattern.FindStringSubmatch(t.path)
}

func hostIn(host string, hosts []string) bool {
	for _, h := range hosts {
		if host == h {
			return true
		}
	}
	return false
}

// Classify never fails: links no rule recognises come back with platform and
// kind unknown so callers can report them as unsupported.
func Classify(raw string) model.Item {
	t, ok := parseTarget(raw)
	if !ok {
		return model.UnknownItem(raw)
	}
	for _, r := range rules {
		if m := r.match(t); m != nil {
			return model.NewItem(r.Platform, r.Kind, r.ID(m), raw)
		}
	}
	return model.UnknownItem(raw)
}

// Matches lists every rule that accepts raw, in table order.
func Matches(raw string) []Rule {
	t, ok := parseTarget(raw)
	if !ok {
		return nil
	}
	var out []Rule
	for _, r := range rules {
		if r.match(t) != nil {
			out = append(out, r)
		}
	}
	return out
}

// Ambiguous reports whether rules from more than one platform accept raw.
func Ambiguous(raw string) bool {
	seen := map[model.Platform]bool{}
	for _, r := range Matches(raw) {
		seen[r.Platform] = true
	}
	return len(seen) > 1
}

// Result is one classified entry of a submitted link list.
type Result struct {
	Item      model.Item
	Duplicate bool
	Ambiguous bool
}

// ClassifyAll keeps input order and flags repeated ids after their first occurrence.
func ClassifyAll(links []string) []Result {
	return ClassifyResolved(links, links)
}

// ClassifyResolved is ClassifyAll for links whose short forms were expanded:
// resolved[i] is the expansion of links[i]. The expansion decides the id but
// the submitted link stays the item's SourceURL.
func ClassifyResolved(links, resolved []string) []Result {
	seen := make(map[string]bool, len(links))
	out := make([]Result, 0, len(links))
	for i, l := range links {
		target := l
		if i < len(resolved) && resolved[i] != "" {
			target = resolved[i]
		}
		item := Classify(target)
		if target != l {
			item.SourceURL = l
			item.ResolvedURL = target
		}
		out = append(out, Result{
			Item:      item,
			Duplicate: seen[item.ID],
			Ambiguous: Ambiguous(target),
		})
		seen[item.ID] = true
	}
	return out
}

var linkInText = regexp.MustCompile(`https?://[^\s<>"'，。！？【】]+`)

// ExtractLinks pulls http(s) links out of free text such as a shared chat
// message. Text without any link is split on whitespace so bare ids still
// reach Classify.
func ExtractLinks(text string) []string {
	found := linkInText.FindAllString(text, -1)
	if len(found) > 0 {
		out := make([]string, 0, len(found))
		for _, f := range found {
			out = append(out, strings.TrimRight(f, ".,;)"))
		}
		return out
	}
	return strings.Fields(text)
}
