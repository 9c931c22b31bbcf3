package main

import (
	"errors"

	"codeberg.org/FiskFan1999/gemini"
)

var (
	ErrProtocol         = errors.New("Malformed request")
	ErrNotFound         = errors.New("Not found")
	ErrPermissionDenied = errors.New("Path escapes content root")
	ErrTLS              = errors.New("TLS failure")
	ErrConversion       = errors.New("Markdown conversion failed")
	ErrIO               = errors.New("Temporary failure")
	ErrProxyRefused     = errors.New("Proxy request refused")
)

/*
statusFor maps an error from the request
pipeline onto the status line the client
sees. Escaping the root is reported as a
plain 51 so the response does not reveal
anything about the filesystem.
*/
func statusFor(err error) (gemini.Status, string) {
	switch {
	case err == nil:
		return gemini.Success, ""
	case errors.Is(err, ErrProtocol):
		return gemini.BadRequest, "Bad request"
	case errors.Is(err, ErrProxyRefused):
		return gemini.ProxyRequestRefused, "Proxy request refused"
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPermissionDenied):
		return gemini.NotFound, "Not found"
	default:
		return gemini.TemporaryFailure, "Temporary failure"
	}
}

func errorResponse(err error) gemini.Response {
	status, meta := statusFor(err)
	return status.Response(meta)
}
