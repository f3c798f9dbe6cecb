// Package tracking injects open and click instrumentation into outgoing
// HTML bodies.
package tracking

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// href pattern for absolute links in the HTML body
var linkPattern = regexp.MustCompile(`href="(https?://[^"]+)"`)

// NewTrackingID returns the identifier stamped on one delivered message.
func NewTrackingID() string {
	return uuid.New().String()
}

// Injector rewrites message bodies to report opens and clicks back to the
// tracking endpoint.
type Injector struct {
	baseURL string
}

// NewInjector creates an injector; baseURL is the public root of the
// tracking endpoint, e.g. https://track.example.org.
func NewInjector(baseURL string) *Injector {
	return &Injector{baseURL: strings.TrimSuffix(baseURL, "/")}
}

// Instrument returns the HTML body with click redirects and an open pixel
// for the given tracking id. An empty body is returned unchanged.
func (i *Injector) Instrument(html, trackingID string) string {
	if html == "" {
		return html
	}
	return i.appendOpenPixel(i.rewriteLinks(html, trackingID), trackingID)
}

// rewriteLinks routes every absolute link through the click endpoint.
func (i *Injector) rewriteLinks(html, trackingID string) string {
	return linkPattern.ReplaceAllStringFunc(html, func(match string) string {
		target := match[len(`href="`) : len(match)-1]
		redirect := fmt.Sprintf("%s/t/click/%s?url=%s", i.baseURL, trackingID, url.QueryEscape(target))
		return `href="` + redirect + `"`
	})
}

// appendOpenPixel places a 1x1 image before </body>, or at the end when the
// body tag is absent.
func (i *Injector) appendOpenPixel(html, trackingID string) string {
	pixel := fmt.Sprintf(`<img src="%s/t/open/%s" width="1" height="1" alt="" style="display:none">`, i.baseURL, trackingID)

	if idx := strings.LastIndex(strings.ToLower(html), "</body>"); idx >= 0 {
		return html[:idx] + pixel + html[idx:]
	}
	return html + pixel
}
