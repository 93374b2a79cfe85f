package core

import (
	"context"
	"fmt"
	"net/http"
	nurl "net/url"
	"regexp"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"

	"github.com/KuroShiba3/task-planning-agent/config"
)

const defaultUserAgent = "TaskPlanner/1.0 (+https://github.com/KuroShiba3/task-planning-agent)"

var reSpaces = regexp.MustCompile(`\s+`)

// HTTPFetcher retrieves pages with a plain HTTP GET and extracts readable
// article text. Works for most pages and needs nothing installed.
type HTTPFetcher struct {
	cfg    config.FetchConfig
	client *http.Client
}

func NewHTTPFetcher(cfg config.FetchConfig) *HTTPFetcher {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	return &HTTPFetcher{cfg: cfg, client: &http.Client{Timeout: timeout}}
}

func (f *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	ua := f.cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	req.Header.Set("User-Agent", ua)

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	article, err := readability.FromReader(resp.Body, mustParseURL(url))
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", url, err)
	}
	return cleanArticleText(article.TextContent, max1(f.cfg.MaxChars, 2500)), nil
}

// BrowserFetcher renders pages in headless Chrome before extraction, for
// sites that assemble their content with scripts.
type BrowserFetcher struct {
	cfg config.FetchConfig
}

func NewBrowserFetcher(cfg config.FetchConfig) *BrowserFetcher {
	return &BrowserFetcher{cfg: cfg}
}

func (f *BrowserFetcher) Fetch(ctx context.Context, url string) (string, error) {
	timeout := f.cfg.Timeout
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ua := f.cfg.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(ua),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return "", fmt.Errorf("render %s: %w", url, err)
	}

	article, err := readability.FromReader(strings.NewReader(html), mustParseURL(url))
	if err != nil {
		return "", fmt.Errorf("extract %s: %w", url, err)
	}
	return cleanArticleText(article.TextContent, max1(f.cfg.MaxChars, 2500)), nil
}

func mustParseURL(raw string) *nurl.URL {
	u, err := nurl.Parse(raw)
	if err != nil {
		return &nurl.URL{}
	}
	return u
}

// cleanArticleText collapses whitespace and truncates to maxChars runes so
// one long page cannot flood a summarizer prompt.
func cleanArticleText(text string, maxChars int) string {
	text = strings.TrimSpace(reSpaces.ReplaceAllString(text, " "))
	runes := []rune(text)
	if len(runes) > maxChars {
		return string(runes[:maxChars])
	}
	return text
}
