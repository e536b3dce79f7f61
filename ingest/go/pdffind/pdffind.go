// Package pdffind locates a direct PDF URL for a publication landing
// page. It performs at most one HTML hop: either the URL itself is a
// direct PDF, or the landing page is fetched once and scanned for a PDF
// candidate link. Anything deeper is out of scope for ingestion.
package pdffind

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"go.scholarhound.org/scholarhound/go/skerr"
)

const maxBodyBytes = 2 << 20

// IsDirectPDF reports whether the URL points at a PDF without needing a
// page fetch, judged by its path or query suffix.
func IsDirectPDF(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	path := strings.ToLower(u.Path)
	if strings.HasSuffix(path, ".pdf") {
		return true
	}
	// arXiv-style paths lack the extension.
	if strings.Contains(path, "/pdf/") {
		return true
	}
	for _, values := range u.Query() {
		for _, v := range values {
			if strings.HasSuffix(strings.ToLower(v), ".pdf") {
				return true
			}
		}
	}
	return false
}

// Find returns a direct PDF URL for the page, or "" when none was found.
// A fetch or parse failure is an error; a PDF-less page is not.
func Find(ctx context.Context, client *http.Client, pageURL string) (string, error) {
	if IsDirectPDF(pageURL) {
		return pageURL, nil
	}
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return "", skerr.Wrap(err)
	}
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/pdf")
	resp, err := client.Do(req)
	if err != nil {
		return "", skerr.Wrapf(err, "fetching landing page")
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return "", skerr.Fmt("landing page returned HTTP %d", resp.StatusCode)
	}
	final := resp.Request.URL
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/pdf") {
		return final.String(), nil
	}
	doc, err := html.Parse(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", skerr.Wrapf(err, "parsing landing page")
	}
	if href := scanForPDF(doc); href != "" {
		return resolveRef(final, href), nil
	}
	return "", nil
}

// scanForPDF prefers the citation_pdf_url meta tag, then the first anchor
// whose href looks like a direct PDF.
func scanForPDF(doc *html.Node) string {
	var meta, anchor string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "meta":
				if meta == "" && attrVal(n, "name") == "citation_pdf_url" {
					meta = attrVal(n, "content")
				}
			case "a":
				if anchor == "" {
					if href := attrVal(n, "href"); href != "" && IsDirectPDF(href) {
						anchor = href
					}
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	if meta != "" {
		return meta
	}
	return anchor
}

func attrVal(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if a.Key == name {
			return a.Val
		}
	}
	return ""
}

func resolveRef(base *url.URL, href string) string {
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}
