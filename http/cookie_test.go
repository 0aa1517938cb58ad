package http

import (
	"strings"
	"testing"
	"time"
)

func TestCookieString(t *testing.T) {
	cookie := &Cookie{
		Name:     "sid",
		Value:    "abc123",
		Path:     "/",
		Domain:   "example.com",
		MaxAge:   3600,
		Secure:   true,
		HttpOnly: true,
		SameSite: SameSiteLaxMode,
	}

	want := "sid=abc123; Path=/; Domain=example.com; Max-Age=3600; Secure; HttpOnly; SameSite=Lax"
	if got := cookie.String(); got != want {
		t.Fatalf("cookie string:\ngot  %q\nwant %q", got, want)
	}
}

func TestCookieStringExpiresAndDelete(t *testing.T) {
	cookie := &Cookie{
		Name:    "sid",
		Value:   "abc",
		Expires: time.Date(2006, 1, 2, 15, 4, 5, 0, time.UTC),
	}
	if got := cookie.String(); got != "sid=abc; Expires=Mon, 02 Jan 2006 15:04:05 GMT" {
		t.Fatalf("expires serialization: %q", got)
	}

	gone := &Cookie{Name: "sid", MaxAge: -1}
	if got := gone.String(); got != "sid=; Max-Age=0" {
		t.Fatalf("deletion serialization: %q", got)
	}
}

func TestParseCookies(t *testing.T) {
	cookies := ParseCookies(`a=1; b="two" ;=skipme; novalue; c=`)
	if len(cookies) != 3 {
		t.Fatalf("parsed %d cookies, want 3: %v", len(cookies), cookies)
	}
	if cookies[0].Name != "a" || cookies[0].Value != "1" {
		t.Fatalf("first cookie = %+v", cookies[0])
	}
	if cookies[1].Name != "b" || cookies[1].Value != "two" {
		t.Fatalf("quoted cookie = %+v", cookies[1])
	}
	if cookies[2].Name != "c" || cookies[2].Value != "" {
		t.Fatalf("empty value cookie = %+v", cookies[2])
	}
}

func TestRequestCookie(t *testing.T) {
	req := &Request{headers: []Field{{Name: "cookie", Value: "sid=abc; theme=dark"}}}

	cookie, err := req.Cookie("theme")
	if err != nil {
		t.Fatalf("cookie lookup: %v", err)
	}
	if cookie.Value != "dark" {
		t.Fatalf("cookie value = %q", cookie.Value)
	}

	if _, err := req.Cookie("missing"); err != ErrNoCookie {
		t.Fatalf("missing cookie = %v, want ErrNoCookie", err)
	}

	bare := &Request{}
	if _, err := bare.Cookie("sid"); err != ErrNoCookie {
		t.Fatalf("no header = %v, want ErrNoCookie", err)
	}
}

func TestResponseSetCookie(t *testing.T) {
	conn, ch, _ := newTestConnection(Options{})
	conn.server.SetHandler(func(req *Request, res *Response) {
		res.SetCookie(&Cookie{Name: "sid", Value: "abc", Path: "/", HttpOnly: true})
	})

	ch.feed("GET / HTTP/1.1\r\nHost: h\r\n\r\n")
	conn.Process()

	want := "Set-Cookie: sid=abc; Path=/; HttpOnly\r\n"
	if got := ch.output(); !strings.Contains(got, want) {
		t.Fatalf("missing %q in response:\n%q", want, got)
	}
}
