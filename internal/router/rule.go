// Classifies intercepted requests and dispatches them to a caching strategy
package router

import (
	"net/http"
	"net/url"
	"path"
	"slices"
	"strings"

	"github.com/iTrooz/offline-proxy/internal/config"
)

// Route is the outcome of classifying a request
type Route string

const (
	// RouteBypass sends a write outside the API straight to the network
	RouteBypass Route = "bypass"
	// RouteIgnore leaves browser-extension traffic alone
	RouteIgnore  Route = "ignore"
	RouteImage   Route = "image"
	RouteAPI     Route = "api"
	RouteStatic  Route = "static"
	RouteNetwork Route = "network"
)

// Rule matches requests against a routing condition
type Rule interface {
	Match(req *http.Request) bool
}

// RuleFunc adapts a function to the Rule interface
type RuleFunc func(req *http.Request) bool

func (f RuleFunc) Match(req *http.Request) bool { return f(req) }

type routeRule struct {
	route Route
	rule  Rule
}

// Classifier evaluates its rules in order; the first match wins
type Classifier struct {
	apiPrefix       string
	imageHosts      []string
	imageExtensions []string
	blockedSchemes  []string
	origin          *url.URL
	rules           []routeRule
}

func NewClassifier(routing config.RoutingConfig, origin string) (*Classifier, error) {
	o, err := url.Parse(origin)
	if err != nil {
		return nil, err
	}

	c := &Classifier{
		apiPrefix:      routing.APIPrefix,
		imageHosts:     lower(routing.ImageHosts),
		blockedSchemes: lower(routing.BlockedSchemes),
		origin:         o,
	}
	for _, ext := range routing.ImageExtensions {
		ext = strings.ToLower(ext)
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		c.imageExtensions = append(c.imageExtensions, ext)
	}

	// Images come before the API so that API-hosted image proxies are cached as images
	c.rules = []routeRule{
		{RouteBypass, RuleFunc(func(req *http.Request) bool { return !isRead(req.Method) && !c.isAPI(req) })},
		{RouteIgnore, RuleFunc(c.isBlockedScheme)},
		{RouteImage, RuleFunc(c.isImage)},
		{RouteAPI, RuleFunc(c.isAPI)},
		{RouteStatic, RuleFunc(c.isSameOrigin)},
	}
	return c, nil
}

// Classify returns the route for req
func (c *Classifier) Classify(req *http.Request) Route {
	for _, r := range c.rules {
		if r.rule.Match(req) {
			return r.route
		}
	}
	return RouteNetwork
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// isAPI matches the API prefix on a path segment boundary, so "/api" does not match "/apiary"
func (c *Classifier) isAPI(req *http.Request) bool {
	prefix := strings.TrimSuffix(c.apiPrefix, "/")
	return req.URL.Path == prefix || strings.HasPrefix(req.URL.Path, prefix+"/")
}

func (c *Classifier) isBlockedScheme(req *http.Request) bool {
	return slices.Contains(c.blockedSchemes, strings.ToLower(req.URL.Scheme))
}

func (c *Classifier) isImage(req *http.Request) bool {
	if strings.EqualFold(req.Header.Get("Sec-Fetch-Dest"), "image") {
		return true
	}
	if strings.HasPrefix(strings.ToLower(req.Header.Get("Accept")), "image/") {
		return true
	}

	host := strings.ToLower(hostname(req))
	for _, h := range c.imageHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}

	return slices.Contains(c.imageExtensions, strings.ToLower(path.Ext(req.URL.Path)))
}

func (c *Classifier) isSameOrigin(req *http.Request) bool {
	scheme := req.URL.Scheme
	if scheme == "" {
		scheme = "http"
		if req.TLS != nil {
			scheme = "https"
		}
	}
	if !strings.EqualFold(scheme, c.origin.Scheme) {
		return false
	}
	return strings.EqualFold(hostWithPort(hostname(req), port(req, scheme)), hostWithPort(c.origin.Hostname(), originPort(c.origin)))
}

func hostname(req *http.Request) string {
	if req.URL.Host != "" {
		return req.URL.Hostname()
	}
	u := url.URL{Host: req.Host}
	return u.Hostname()
}

func port(req *http.Request, scheme string) string {
	host := req.URL.Host
	if host == "" {
		host = req.Host
	}
	u := url.URL{Host: host}
	if p := u.Port(); p != "" {
		return p
	}
	return defaultPort(scheme)
}

func originPort(o *url.URL) string {
	if p := o.Port(); p != "" {
		return p
	}
	return defaultPort(o.Scheme)
}

func defaultPort(scheme string) string {
	if strings.EqualFold(scheme, "https") {
		return "443"
	}
	return "80"
}

func hostWithPort(host, port string) string {
	return host + ":" + port
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(s))
	}
	return out
}
