package http

import (
	"errors"
	"strconv"
	"strings"
	"time"
)

type SameSite int

const (
	SameSiteDefaultMode SameSite = iota + 1
	SameSiteLaxMode
	SameSiteStrictMode
	SameSiteNoneMode
)

var ErrNoCookie = errors.New("http: named cookie not present")

const cookieTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// Cookie is one name=value pair of a request Cookie header, or a response
// cookie with its Set-Cookie attributes.
type Cookie struct {
	Name  string
	Value string

	Path        string
	Domain      string
	Expires     time.Time
	MaxAge      int
	Secure      bool
	HttpOnly    bool
	SameSite    SameSite
	Partitioned bool
}

// String serializes the cookie in Set-Cookie form.
func (c *Cookie) String() string {
	b := make([]byte, 0, 64)
	b = append(b, c.Name...)
	b = append(b, '=')
	b = append(b, c.Value...)

	if c.Path != "" {
		b = append(b, "; Path="...)
		b = append(b, c.Path...)
	}
	if c.Domain != "" {
		b = append(b, "; Domain="...)
		b = append(b, c.Domain...)
	}
	if !c.Expires.IsZero() {
		b = append(b, "; Expires="...)
		b = c.Expires.UTC().AppendFormat(b, cookieTimeFormat)
	}
	if c.MaxAge > 0 {
		b = append(b, "; Max-Age="...)
		b = strconv.AppendInt(b, int64(c.MaxAge), 10)
	} else if c.MaxAge < 0 {
		b = append(b, "; Max-Age=0"...)
	}
	if c.Secure {
		b = append(b, "; Secure"...)
	}
	if c.HttpOnly {
		b = append(b, "; HttpOnly"...)
	}
	switch c.SameSite {
	case SameSiteLaxMode:
		b = append(b, "; SameSite=Lax"...)
	case SameSiteStrictMode:
		b = append(b, "; SameSite=Strict"...)
	case SameSiteNoneMode:
		b = append(b, "; SameSite=None"...)
	}
	if c.Partitioned {
		b = append(b, "; Partitioned"...)
	}

	return string(b)
}

// ParseCookies splits a request Cookie header into its name=value pairs.
// Pairs without a name are skipped rather than failing the whole header.
func ParseCookies(header string) []Cookie {
	var cookies []Cookie
	for _, part := range strings.Split(header, ";") {
		part = strings.TrimSpace(part)
		eq := strings.IndexByte(part, '=')
		if eq <= 0 {
			continue
		}
		cookies = append(cookies, Cookie{
			Name:  part[:eq],
			Value: strings.Trim(part[eq+1:], `"`),
		})
	}
	return cookies
}
