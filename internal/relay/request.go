package relay

import (
	"fmt"
	"strings"
)

// MaxHostLength bounds the origin hostname and the forwarded path
const MaxHostLength = 512

const httpPrefix = "http://"

// RequestLine is a parsed HTTP start line
type RequestLine struct {
	Method  string
	Target  string
	Version string
}

// ParseRequestLine splits a start line on whitespace. All three fields
// must be present.
func ParseRequestLine(line string) (RequestLine, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return RequestLine{}, fmt.Errorf("%w: malformed request line %q", ErrUnsupported, strings.TrimSpace(line))
	}
	return RequestLine{
		Method:  fields[0],
		Target:  fields[1],
		Version: fields[2],
	}, nil
}

// Target is an absolute-URI split into origin host and request path
type Target struct {
	Host string // "name" or "name:port"
	Path string // starts with '/'
}

// ParseTarget splits "http://host/path" into host and path. Any other
// scheme is unsupported. The '/' ending the host must appear within
// MaxHostLength bytes after the scheme, and the path is bounded the same
// way.
func ParseTarget(uri string) (Target, error) {
	if len(uri) < len(httpPrefix) || !strings.EqualFold(uri[:len(httpPrefix)], httpPrefix) {
		return Target{}, fmt.Errorf("%w: unsupported scheme in %q", ErrUnsupported, uri)
	}

	rest := uri[len(httpPrefix):]
	window := rest
	if len(window) > MaxHostLength {
		window = window[:MaxHostLength]
	}

	slash := strings.IndexByte(window, '/')
	if slash < 0 {
		return Target{}, fmt.Errorf("%w: no path in %q", ErrUnsupported, uri)
	}
	if slash == 0 {
		return Target{}, fmt.Errorf("%w: empty host in %q", ErrUnsupported, uri)
	}

	target := Target{
		Host: rest[:slash],
		Path: rest[slash:],
	}
	if len(target.Path) > MaxHostLength {
		return Target{}, fmt.Errorf("%w: path longer than %d bytes", ErrUnsupported, MaxHostLength)
	}

	return target, nil
}
