package common

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/chanstate/internal/descriptor"
)

// GetAndValidateURLParam extracts, decodes, and validates a URL parameter from the request.
// The decoded value must be non-empty and must not contain whitespace.
func GetAndValidateURLParam(r *http.Request, paramName string) (string, error) {
	decoded, err := url.PathUnescape(chi.URLParam(r, paramName))
	if err != nil {
		return "", fmt.Errorf("invalid URL encoding in %s", paramName)
	}
	if strings.TrimSpace(decoded) == "" {
		return "", fmt.Errorf("%s cannot be empty", paramName)
	}
	if strings.ContainsAny(decoded, " \t\n\r") {
		return "", fmt.Errorf("%s cannot contain whitespace", paramName)
	}
	return decoded, nil
}

// SiteParam reads the {site} parameter.
func SiteParam(r *http.Request) (descriptor.SiteDescriptor, error) {
	site, err := GetAndValidateURLParam(r, "site")
	if err != nil {
		return "", err
	}
	return descriptor.SiteDescriptor(site), nil
}

// BoardParam reads the {site} and {board} parameters.
func BoardParam(r *http.Request) (descriptor.BoardDescriptor, error) {
	site, err := SiteParam(r)
	if err != nil {
		return descriptor.BoardDescriptor{}, err
	}
	code, err := GetAndValidateURLParam(r, "board")
	if err != nil {
		return descriptor.BoardDescriptor{}, err
	}
	return descriptor.BoardDescriptor{Site: site, Code: code}, nil
}

// ThreadParam reads the {site}, {board} and {thread} parameters.
func ThreadParam(r *http.Request) (descriptor.ThreadDescriptor, error) {
	board, err := BoardParam(r)
	if err != nil {
		return descriptor.ThreadDescriptor{}, err
	}
	raw, err := GetAndValidateURLParam(r, "thread")
	if err != nil {
		return descriptor.ThreadDescriptor{}, err
	}
	no, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || no <= 0 {
		return descriptor.ThreadDescriptor{}, fmt.Errorf("thread must be a positive post number, got %q", raw)
	}
	return descriptor.ThreadDescriptor{Board: board, No: no}, nil
}

// BoolQuery reads a boolean query parameter. Missing values are false.
func BoolQuery(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean, got %q", name, raw)
	}
	return v, nil
}
