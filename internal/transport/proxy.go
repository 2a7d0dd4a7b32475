package transport

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"unicode"
)

const maxProxyChallenges = 1

// ProxyConfig routes a connection through an HTTP CONNECT proxy.
type ProxyConfig struct {
	Address        string
	Authentication ProxyAuthentication
}

// ProxyChallenge is one 407 response from the proxy.
type ProxyChallenge struct {
	Scheme string
	Realm  string
	Raw    string
}

// ProxyAuthentication answers proxy challenges. Respond is invoked once per
// challenge and returns the Proxy-Authorization header value.
type ProxyAuthentication interface {
	Respond(challenge ProxyChallenge) (string, error)
}

// BasicProxyAuthentication answers Basic challenges with fixed credentials.
type BasicProxyAuthentication struct {
	header string
}

// NewBasicProxyAuthentication rejects malformed credentials with
// ErrInvalidArgument.
func NewBasicProxyAuthentication(username, password string) (*BasicProxyAuthentication, error) {
	if strings.TrimSpace(username) == "" {
		return nil, fmt.Errorf("%w: empty proxy username", ErrInvalidArgument)
	}
	if strings.ContainsRune(username, ':') {
		return nil, fmt.Errorf("%w: proxy username contains ':'", ErrInvalidArgument)
	}
	if hasControl(username) || hasControl(password) {
		return nil, fmt.Errorf("%w: proxy credentials contain control characters", ErrInvalidArgument)
	}
	token := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
	return &BasicProxyAuthentication{header: "Basic " + token}, nil
}

func (b *BasicProxyAuthentication) Respond(challenge ProxyChallenge) (string, error) {
	if challenge.Scheme != "" && !strings.EqualFold(challenge.Scheme, "basic") {
		return "", fmt.Errorf("%w: unsupported proxy auth scheme %q", ErrProxyAuthRequired, challenge.Scheme)
	}
	return b.header, nil
}

func hasControl(s string) bool {
	for _, r := range s {
		if unicode.IsControl(r) {
			return true
		}
	}
	return false
}

// ParseProxyChallenge parses a Proxy-Authenticate header value.
func ParseProxyChallenge(raw string) ProxyChallenge {
	c := ProxyChallenge{Raw: raw}
	raw = strings.TrimSpace(raw)
	scheme, params, _ := strings.Cut(raw, " ")
	c.Scheme = scheme
	for _, part := range strings.Split(params, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if ok && strings.EqualFold(k, "realm") {
			c.Realm = strings.Trim(v, `"`)
		}
	}
	return c
}

// dialProxy opens a CONNECT tunnel to target. A 407 is answered at most
// maxProxyChallenges times, each on a fresh proxy connection.
func dialProxy(ctx context.Context, dialer *net.Dialer, proxy ProxyConfig, target string) (net.Conn, error) {
	authorization := ""
	for challenges := 0; ; challenges++ {
		conn, err := dialer.DialContext(ctx, "tcp", proxy.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: dial proxy %s: %v", ErrProxyConnect, proxy.Address, err)
		}
		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetDeadline(deadline)
		}
		req := &http.Request{
			Method: http.MethodConnect,
			URL:    &url.URL{Opaque: target},
			Host:   target,
			Header: make(http.Header),
		}
		if authorization != "" {
			req.Header.Set("Proxy-Authorization", authorization)
		}
		if err := req.Write(conn); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: write connect: %v", ErrProxyConnect, err)
		}
		br := bufio.NewReader(conn)
		resp, err := http.ReadResponse(br, req)
		if err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: read connect response: %v", ErrProxyConnect, err)
		}
		_ = resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			_ = conn.SetDeadline(noDeadline)
			if br.Buffered() > 0 {
				return &bufferedConn{Conn: conn, r: br}, nil
			}
			return conn, nil
		case http.StatusProxyAuthRequired:
			_ = conn.Close()
			if proxy.Authentication == nil || challenges >= maxProxyChallenges {
				return nil, fmt.Errorf("%w: %s", ErrProxyAuthRequired, resp.Status)
			}
			challenge := ParseProxyChallenge(resp.Header.Get("Proxy-Authenticate"))
			authorization, err = proxy.Authentication.Respond(challenge)
			if err != nil {
				return nil, err
			}
		default:
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s", ErrProxyConnect, resp.Status)
		}
	}
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}
