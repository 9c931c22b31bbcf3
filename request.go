package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// Maximum length of a request URL, excluding CRLF.
const MaxRequestLength = 1024

var (
	ErrRequestTooLong    = fmt.Errorf("%w: request line too long", ErrProtocol)
	ErrMissingTerminator = fmt.Errorf("%w: request line not terminated by CRLF", ErrProtocol)
)

type Request struct {
	RawLine string   // without CRLF
	URL     *url.URL // nil if RawLine did not parse
	Path    string   // escaped path, "/" when empty
	Valid   bool
}

/*
ReadRequest reads exactly one request line.
A line longer than limit bytes, or one that
does not end in CRLF before the reader is
exhausted, is a protocol error.
*/
func ReadRequest(r io.Reader, limit int) (*Request, error) {
	if limit <= 0 {
		limit = MaxRequestLength
	}
	// room for CRLF and one byte to detect overflow
	br := bufio.NewReaderSize(io.LimitReader(r, int64(limit)+3), limit+3)
	line, err := br.ReadString('\n')
	if err != nil {
		if len(line) > limit+1 {
			return &Request{RawLine: line}, ErrRequestTooLong
		}
		if errors.Is(err, io.EOF) {
			return &Request{RawLine: line}, ErrMissingTerminator
		}
		return &Request{RawLine: line}, fmt.Errorf("%w: %s", ErrProtocol, err)
	}
	if !strings.HasSuffix(line, "\r\n") {
		return &Request{RawLine: line}, ErrMissingTerminator
	}
	raw := line[:len(line)-2]
	req := &Request{RawLine: raw}
	if len(raw) > limit {
		return req, ErrRequestTooLong
	}
	if raw == "" || strings.ContainsAny(raw, "\r\n") {
		return req, fmt.Errorf("%w: empty or broken request line", ErrProtocol)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return req, fmt.Errorf("%w: %s", ErrProtocol, err)
	}
	req.URL = u
	req.Path = u.EscapedPath()
	if req.Path == "" {
		req.Path = "/"
	}
	return req, nil
}

/*
Validate checks that the request is for
this server: an absolute gemini URL without
userinfo or fragment, for one of hostnames.
An empty hostnames list accepts any host.
*/
func (req *Request) Validate(hostnames []string) error {
	u := req.URL
	if u == nil {
		return fmt.Errorf("%w: no URL", ErrProtocol)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%w: URL must be absolute", ErrProtocol)
	}
	if u.User != nil {
		return fmt.Errorf("%w: userinfo is not allowed", ErrProtocol)
	}
	if u.Fragment != "" || strings.Contains(req.RawLine, "#") {
		return fmt.Errorf("%w: fragment is not allowed", ErrProtocol)
	}
	if !strings.EqualFold(u.Scheme, "gemini") {
		return fmt.Errorf("%w: scheme %s", ErrProxyRefused, u.Scheme)
	}
	if len(hostnames) > 0 {
		host := u.Hostname()
		found := false
		for _, h := range hostnames {
			if strings.EqualFold(h, host) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("%w: host %s", ErrProxyRefused, host)
		}
	}
	req.Valid = true
	return nil
}
