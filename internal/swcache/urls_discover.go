package swcache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

// discoverManifest walks the sitemaps (following sitemap indexes) and returns
// the same-origin locators they list, in discovery order. Any sitemap that
// cannot be fetched or parsed fails the whole walk.
func discoverManifest(ctx context.Context, f Fetcher, scope *url.URL, sitemaps []string) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	seenURLs := map[string]struct{}{}
	queue := make([]string, 0, len(sitemaps))
	for _, sm := range sitemaps {
		sm = strings.TrimSpace(sm)
		if sm == "" {
			continue
		}
		queue = append(queue, sm)
	}

	var out []string
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		smRef := queue[0]
		queue = queue[1:]
		smURL, err := resolveAgainst(scope, smRef)
		if err != nil {
			return nil, err
		}
		if _, ok := seenSitemaps[smURL.String()]; ok {
			continue
		}
		seenSitemaps[smURL.String()] = struct{}{}

		doc, err := fetchAndParseSitemap(ctx, f, smURL)
		if err != nil {
			return nil, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		queue = append(queue, doc.Sitemaps...)

		for _, loc := range doc.URLs {
			if loc == "" {
				continue
			}
			u, err := resolveAgainst(scope, loc)
			if err != nil || !sameOrigin(scope, u) {
				continue
			}
			u.Fragment = ""
			if _, ok := seenURLs[u.String()]; ok {
				continue
			}
			seenURLs[u.String()] = struct{}{}
			out = append(out, u.String())
		}
	}
	return out, nil
}

func resolveAgainst(base *url.URL, ref string) (*url.URL, error) {
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, fmt.Errorf("locator %q: %w", ref, err)
	}
	return base.ResolveReference(r), nil
}

func fetchAndParseSitemap(ctx context.Context, f Fetcher, u *url.URL) (sitemapDoc, error) {
	resp, err := f.Fetch(ctx, &Request{Method: http.MethodGet, URL: u, Header: make(http.Header)})
	if err != nil {
		return sitemapDoc{}, err
	}
	if !resp.OK() {
		b := resp.Body
		if len(b) > 2048 {
			b = b[:2048]
		}
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.Status, strings.TrimSpace(string(b)))
	}

	body := resp.Body
	// Some servers send .gz sitemaps without Content-Encoding.
	tryGzip := strings.HasSuffix(strings.ToLower(u.Path), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}
