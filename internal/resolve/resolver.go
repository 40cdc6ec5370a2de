// Package resolve expands share short links (b23.tv, xhslink.com) into the
// canonical page URL so they classify to a stable content id.
package resolve

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var DefaultShortHosts = []string{"b23.tv", "xhslink.com"}

const userAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

type Options struct {
	// PerHostInterval spaces requests to the same host. Zero means 500ms.
	PerHostInterval time.Duration
	Timeout         time.Duration
	CacheSize       int
	ShortHosts      []string
	Client          *http.Client
	Logger          *zap.Logger
}

type Resolver struct {
	client     *http.Client
	interval   time.Duration
	shortHosts map[string]bool
	cache      *lru.Cache[string, string]
	logger     *zap.Logger

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func New(opts Options) (*Resolver, error) {
	if opts.PerHostInterval <= 0 {
		opts.PerHostInterval = 500 * time.Millisecond
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 4096
	}
	if len(opts.ShortHosts) == 0 {
		opts.ShortHosts = DefaultShortHosts
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: opts.Timeout}
	}
	cache, err := lru.New[string, string](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create resolve cache: %w", err)
	}
	hosts := make(map[string]bool, len(opts.ShortHosts))
	for _, h := range opts.ShortHosts {
		hosts[strings.ToLower(strings.TrimSpace(h))] = true
	}
	return &Resolver{
		client:     client,
		interval:   opts.PerHostInterval,
		shortHosts: hosts,
		cache:      cache,
		logger:     opts.Logger,
		limiters:   make(map[string]*rate.Limiter),
	}, nil
}

// IsShort reports whether raw points at a short-link host.
func (r *Resolver) IsShort(raw string) bool {
	u, err := parse(raw)
	if err != nil {
		return false
	}
	return r.shortHosts[strings.ToLower(u.Hostname())]
}

// Resolve returns the redirect target of a short link. Other links come back
// unchanged.
func (r *Resolver) Resolve(ctx context.Context, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := parse(raw)
	if err != nil || !r.shortHosts[strings.ToLower(u.Hostname())] {
		return raw, nil
	}
	if hit, ok := r.cache.Get(u.String()); ok {
		return hit, nil
	}
	if err := r.limiter(u.Host).Wait(ctx); err != nil {
		return raw, err
	}

	final, err := r.follow(ctx, http.MethodHead, u.String())
	if err != nil {
		// Some share hosts reject HEAD.
		final, err = r.follow(ctx, http.MethodGet, u.String())
	}
	if err != nil {
		return raw, fmt.Errorf("resolve %s: %w", raw, err)
	}
	r.cache.Add(u.String(), final)
	r.logger.Debug("resolved short link", zap.String("from", raw), zap.String("to", final))
	return final, nil
}

// ResolveAll resolves every link, keeping the original on failure.
func (r *Resolver) ResolveAll(ctx context.Context, links []string) []string {
	out := make([]string, len(links))
	for i, link := range links {
		resolved, err := r.Resolve(ctx, link)
		if err != nil {
			r.logger.Warn("short link not resolved", zap.String("url", link), zap.Error(err))
		}
		out[i] = resolved
	}
	return out
}

func (r *Resolver) follow(ctx context.Context, method, target string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("http %d", resp.StatusCode)
	}
	return resp.Request.URL.String(), nil
}

func (r *Resolver) limiter(host string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Every(r.interval), 1)
		r.limiters[host] = l
	}
	return l
}

func parse(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	return url.Parse(raw)
}
