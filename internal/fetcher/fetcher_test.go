package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"webharvest/internal/dnscache"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testClient(t *testing.T, opts Options) *Client {
	t.Helper()
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "webharvest-test/1.0"
	}
	return NewClient(opts, dnscache.New(0), testLogger())
}

// serve accepts connections and hands each to fn until the listener
// closes.
func serve(t *testing.T, fn func(conn net.Conn, request []byte)) (addr string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				request := readRequest(c)
				fn(c, request)
			}(conn)
		}
	}()
	return ln.Addr().String()
}

func readRequest(conn net.Conn) []byte {
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var request []byte
	buf := make([]byte, 1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			request = append(request, buf[:n]...)
			if idx := strings.Index(string(request), "\r\n\r\n"); idx >= 0 {
				break
			}
		}
		if err != nil {
			break
		}
	}
	_ = conn.SetReadDeadline(time.Time{})
	return request
}

func TestFetchContentLength(t *testing.T) {
	addr := serve(t, func(conn net.Conn, request []byte) {
		req := string(request)
		if !strings.HasPrefix(req, "GET /page HTTP/1.1\r\n") {
			t.Errorf("unexpected request line: %q", req)
		}
		if !strings.Contains(req, "User-Agent: webharvest-test/1.0\r\n") {
			t.Errorf("request missing user agent: %q", req)
		}
		fmt.Fprint(conn, "HTTP/1.1 200 OK\r\nContent-Type: text/html\r\nContent-Length: 11\r\n\r\nhello world")
	})

	client := testClient(t, Options{})
	resp, duration, err := client.Fetch(context.Background(), "http://"+addr+"/page", nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.StatusCode != 200 || string(resp.Body) != "hello world" {
		t.Fatalf("resp = %d %q", resp.StatusCode, resp.Body)
	}
	if resp.HTTPVersion != "HTTP/1.1" {
		t.Fatalf("version = %q", resp.HTTPVersion)
	}
	if duration <= 0 {
		t.Fatal("duration should be positive")
	}
}

func TestFetchChunked(t *testing.T) {
	addr := serve(t, func(conn net.Conn, _ []byte) {
		fmt.Fprint(conn, "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"+
			"7\r\nchunked\r\n5\r\n body\r\n0\r\n\r\n")
	})

	client := testClient(t, Options{})
	resp, _, err := client.Fetch(context.Background(), "http://"+addr+"/", nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(resp.Body) != "chunked body" {
		t.Fatalf("body = %q", resp.Body)
	}
}

func TestFetchReadToClose(t *testing.T) {
	addr := serve(t, func(conn net.Conn, _ []byte) {
		fmt.Fprint(conn, "HTTP/1.1 200 OK\r\n\r\nuntil close")
	})

	client := testClient(t, Options{})
	resp, _, err := client.Fetch(context.Background(), "http://"+addr+"/", nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if string(resp.Body) != "until close" {
		t.Fatalf("body = %q", resp.Body)
	}
}

func TestFetchNonOKStatusIsNotAnError(t *testing.T) {
	addr := serve(t, func(conn net.Conn, _ []byte) {
		fmt.Fprint(conn, "HTTP/1.1 404 Not Found\r\nContent-Length: 9\r\n\r\nnot found")
	})

	client := testClient(t, Options{MaxRetries: 3})
	resp, _, err := client.Fetch(context.Background(), "http://"+addr+"/missing", nil)
	if err != nil {
		t.Fatalf("HTTP errors must not be transport errors: %v", err)
	}
	if resp.StatusCode != 404 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	var connections atomic.Int32
	addr := serve(t, func(conn net.Conn, _ []byte) {
		n := connections.Add(1)
		if n <= 2 {
			// Close without a response; the client retries.
			return
		}
		fmt.Fprint(conn, "HTTP/1.1 200 OK\r\nContent-Length: 2\r\n\r\nok")
	})

	client := testClient(t, Options{MaxRetries: 2, RetryBackoff: 100 * time.Millisecond})
	start := time.Now()
	resp, _, err := client.Fetch(context.Background(), "http://"+addr+"/", nil)
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("fetch after retries: %v", err)
	}
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if got := connections.Load(); got != 3 {
		t.Fatalf("connections = %d, want 3", got)
	}
	// Linear backoff: 100ms after the first failure, 200ms after the second.
	if elapsed < 300*time.Millisecond {
		t.Fatalf("elapsed %s, want >= 300ms of backoff", elapsed)
	}
}

func TestRetriesExhausted(t *testing.T) {
	addr := serve(t, func(conn net.Conn, _ []byte) {
		// Always close before responding.
	})

	client := testClient(t, Options{MaxRetries: 1, RetryBackoff: 10 * time.Millisecond})
	_, _, err := client.Fetch(context.Background(), "http://"+addr+"/", nil)
	if err == nil {
		t.Fatal("expected transport error after exhausting retries")
	}
	if !errors.Is(err, ErrInvalidResponse) {
		t.Fatalf("err = %v, want ErrInvalidResponse", err)
	}
}

func TestRedirectChainFollowed(t *testing.T) {
	addr := serve(t, func(conn net.Conn, request []byte) {
		req := string(request)
		switch {
		case strings.HasPrefix(req, "GET /a "):
			fmt.Fprint(conn, "HTTP/1.1 301 Moved Permanently\r\nLocation: /b\r\nContent-Length: 0\r\n\r\n")
		case strings.HasPrefix(req, "GET /b "):
			fmt.Fprint(conn, "HTTP/1.1 200 OK\r\nContent-Length: 5\r\n\r\nfinal")
		default:
			fmt.Fprint(conn, "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")
		}
	})

	client := testClient(t, Options{FollowRedirects: true, MaxRedirects: 5})
	resp, _, err := client.Fetch(context.Background(), "http://"+addr+"/a", nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.StatusCode != 200 || string(resp.Body) != "final" {
		t.Fatalf("resp = %d %q", resp.StatusCode, resp.Body)
	}
	if !strings.HasSuffix(resp.FinalURL, "/b") {
		t.Fatalf("final url = %q, want .../b", resp.FinalURL)
	}
}

func TestRedirectLimitBounds(t *testing.T) {
	var hops atomic.Int32
	addr := serve(t, func(conn net.Conn, _ []byte) {
		hops.Add(1)
		fmt.Fprint(conn, "HTTP/1.1 302 Found\r\nLocation: /loop\r\nContent-Length: 0\r\n\r\n")
	})

	client := testClient(t, Options{FollowRedirects: true, MaxRedirects: 3})
	resp, _, err := client.Fetch(context.Background(), "http://"+addr+"/loop", nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.StatusCode != 302 {
		t.Fatalf("status = %d, want the last redirect returned", resp.StatusCode)
	}
	if got := hops.Load(); got != 4 {
		t.Fatalf("hops = %d, want initial request + 3 redirects", got)
	}
}

func TestRedirectsDisabled(t *testing.T) {
	addr := serve(t, func(conn net.Conn, _ []byte) {
		fmt.Fprint(conn, "HTTP/1.1 301 Moved Permanently\r\nLocation: /b\r\nContent-Length: 0\r\n\r\n")
	})

	client := testClient(t, Options{FollowRedirects: false})
	resp, _, err := client.Fetch(context.Background(), "http://"+addr+"/a", nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if resp.StatusCode != 301 || resp.Location != "/b" {
		t.Fatalf("resp = %d location %q", resp.StatusCode, resp.Location)
	}
}

func TestFetchTimeout(t *testing.T) {
	addr := serve(t, func(conn net.Conn, _ []byte) {
		time.Sleep(2 * time.Second)
	})

	client := testClient(t, Options{Timeout: 300 * time.Millisecond, MaxRetries: 0})
	start := time.Now()
	_, _, err := client.Fetch(context.Background(), "http://"+addr+"/slow", nil)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("timeout enforcement took %s", elapsed)
	}
}

func TestConnectRefused(t *testing.T) {
	// Grab a port and release it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	client := testClient(t, Options{MaxRetries: 0, Timeout: 2 * time.Second})
	_, _, err = client.Fetch(context.Background(), "http://"+addr+"/", nil)
	if err == nil {
		t.Fatal("expected connect failure")
	}
}

func TestSplitURL(t *testing.T) {
	cases := []struct {
		in     string
		scheme string
		host   string
		port   int
		path   string
		ok     bool
	}{
		{"http://example.com", "http", "example.com", 80, "/", true},
		{"https://example.com/a/b?q=1", "https", "example.com", 443, "/a/b?q=1", true},
		{"http://example.com:8080/x", "http", "example.com", 8080, "/x", true},
		{"http://example.com?q=1", "http", "example.com", 80, "/?q=1", true},
		{"ftp://example.com/", "", "", 0, "", false},
		{"http://", "", "", 0, "", false},
	}
	for _, tc := range cases {
		got, ok := splitURL(tc.in)
		if ok != tc.ok {
			t.Errorf("splitURL(%q) ok = %v, want %v", tc.in, ok, tc.ok)
			continue
		}
		if !ok {
			continue
		}
		if got.scheme != tc.scheme || got.host != tc.host || got.port != tc.port || got.path != tc.path {
			t.Errorf("splitURL(%q) = %+v", tc.in, got)
		}
	}
}
