package dapi

import (
	"net/http"
	"net/url"
	"strings"
)

// majorParameters keep their value in the bucket key. All other template
// parameters collapse to their placeholder.
var majorParameters = map[string]bool{
	"channel.id":    true,
	"guild.id":      true,
	"webhook.id":    true,
	"webhook.token": true,
}

// Route is one REST endpoint with its parameters bound.
type Route struct {
	Method   string
	Template string
	Path     string
	Query    url.Values

	key          string
	globalExempt bool
}

// NewRoute binds args to the {placeholders} of template in order. Arguments
// are path-escaped. Missing arguments leave the placeholder in the path.
func NewRoute(method string, template string, args ...string) Route {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		method = http.MethodGet
	}

	var path strings.Builder
	var key strings.Builder
	key.WriteString(method)
	key.WriteByte(' ')

	argIndex := 0
	rest := template
	for {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			path.WriteString(rest)
			key.WriteString(rest)
			break
		}
		closeIndex := strings.IndexByte(rest[open:], '}')
		if closeIndex < 0 {
			path.WriteString(rest)
			key.WriteString(rest)
			break
		}
		closeIndex += open

		path.WriteString(rest[:open])
		key.WriteString(rest[:open])
		name := rest[open+1 : closeIndex]
		placeholder := rest[open : closeIndex+1]

		if argIndex < len(args) {
			value := url.PathEscape(args[argIndex])
			argIndex++
			path.WriteString(value)
			if majorParameters[name] {
				key.WriteString(value)
			} else {
				key.WriteString(placeholder)
			}
		} else {
			path.WriteString(placeholder)
			key.WriteString(placeholder)
		}
		rest = rest[closeIndex+1:]
	}

	return Route{
		Method:       method,
		Template:     template,
		Path:         path.String(),
		key:          key.String(),
		globalExempt: isGlobalExempt(template),
	}
}

// WithQuery returns a copy of the route carrying query. The query never
// affects the bucket key.
func (route Route) WithQuery(query url.Values) Route {
	route.Query = query
	return route
}

// Key returns the bucket key: method plus template with major parameters
// substituted.
func (route Route) Key() string {
	if route.key == "" {
		return route.Method + " " + route.Template
	}
	return route.key
}

// ConsumesGlobal reports whether requests on this route count against the
// global quota. Interaction callbacks and token-authenticated webhook calls
// are exempt.
func (route Route) ConsumesGlobal() bool {
	return !route.globalExempt
}

// URL joins the route path and query onto base.
func (route Route) URL(base string) string {
	full := strings.TrimRight(base, "/") + route.Path
	if len(route.Query) > 0 {
		full += "?" + route.Query.Encode()
	}
	return full
}

func isGlobalExempt(template string) bool {
	if strings.HasPrefix(template, "/interactions/") {
		return true
	}
	return strings.Contains(template, "{webhook.token}")
}
