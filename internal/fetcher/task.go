package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"webharvest/internal/dnscache"
)

// idleSleep is how long the scheduler parks when every task yielded
// without progress.
const idleSleep = 5 * time.Millisecond

// ioSlice bounds a single send/recv attempt so one task cannot stall the
// scheduler pass.
const ioSlice = 10 * time.Millisecond

// task is one cooperatively scheduled unit of work. step performs a single
// bounded attempt and reports whether the task wants another pass.
type task interface {
	step() bool
	done() bool
}

// scheduler round-robins tasks, removing each as it completes. With a
// single outstanding request it degenerates to a polling loop, but the
// structure admits concurrent tasks unchanged.
type scheduler struct {
	tasks []task
}

func newScheduler() *scheduler {
	return &scheduler{}
}

func (s *scheduler) add(t task) {
	s.tasks = append(s.tasks, t)
}

func (s *scheduler) run(ctx context.Context) {
	for len(s.tasks) > 0 {
		if ctx.Err() != nil {
			for _, t := range s.tasks {
				if ft, ok := t.(*fetchTask); ok {
					ft.fail(ctx.Err())
				}
			}
			return
		}
		for i := 0; i < len(s.tasks); {
			t := s.tasks[i]
			again := t.step()
			if t.done() || !again {
				s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
				continue
			}
			i++
		}
		if len(s.tasks) > 0 {
			time.Sleep(idleSleep)
		}
	}
}

type taskState int

const (
	stateInit taskState = iota
	stateConnecting
	stateSending
	stateReading
)

type dialResult struct {
	conn net.Conn
	err  error
}

// fetchTask drives one HTTP exchange: Init resolves and starts the
// connection, Connecting polls for it, Sending writes the request, Reading
// consumes the response until framing declares it complete.
type fetchTask struct {
	url      string
	parsed   parsedURL
	opts     Options
	dns      *dnscache.Cache
	deadline time.Time

	state    taskState
	dialCh   chan dialResult
	conn     net.Conn
	request  []byte
	sent     int
	buf      []byte
	raw      []byte
	framing  framingState
	response Response
	err      error
	complete bool
}

func newFetchTask(rawURL string, headers map[string]string, opts Options, dns *dnscache.Cache) *fetchTask {
	t := &fetchTask{
		url:      rawURL,
		opts:     opts,
		dns:      dns,
		deadline: time.Now().Add(opts.Timeout),
		buf:      make([]byte, 4096),
	}

	parsed, ok := splitURL(rawURL)
	if !ok {
		t.fail(fmt.Errorf("unsupported url %q", rawURL))
		return t
	}
	t.parsed = parsed
	t.request = buildRequest(parsed, opts.UserAgent, headers)
	return t
}

func (t *fetchTask) done() bool {
	return t.complete
}

func (t *fetchTask) fail(err error) {
	t.err = err
	t.finish()
}

func (t *fetchTask) finish() {
	t.complete = true
	if t.conn != nil {
		_ = t.conn.Close()
		t.conn = nil
	}
	// A dial that raced task completion still owns a socket.
	if t.dialCh != nil {
		select {
		case result := <-t.dialCh:
			if result.conn != nil {
				_ = result.conn.Close()
			}
		default:
		}
	}
}

func (t *fetchTask) step() bool {
	if t.complete {
		return false
	}
	if time.Now().After(t.deadline) {
		t.fail(ErrTimeout)
		return false
	}

	switch t.state {
	case stateInit:
		return t.stepInit()
	case stateConnecting:
		return t.stepConnecting()
	case stateSending:
		return t.stepSending()
	case stateReading:
		return t.stepReading()
	}
	return false
}

// stepInit resolves the host through the DNS cache and launches the dial
// (plus TLS handshake for https) off-thread; subsequent passes poll it.
func (t *fetchTask) stepInit() bool {
	ctx, cancel := context.WithDeadline(context.Background(), t.deadline)
	addr, err := t.dns.Resolve(ctx, t.parsed.host, t.parsed.port)
	cancel()
	if err != nil {
		t.fail(err)
		return false
	}

	t.dialCh = make(chan dialResult, 1)
	useTLS := t.parsed.scheme == "https"
	serverName := t.parsed.host
	verify := t.opts.VerifyTLS
	deadline := t.deadline

	go func() {
		dialer := net.Dialer{Deadline: deadline}
		conn, err := dialer.Dial("tcp", addr)
		if err != nil {
			t.dialCh <- dialResult{err: err}
			return
		}
		if useTLS {
			tlsConn := tls.Client(conn, &tls.Config{
				ServerName:         serverName,
				InsecureSkipVerify: !verify,
			})
			_ = tlsConn.SetDeadline(deadline)
			if err := tlsConn.Handshake(); err != nil {
				_ = conn.Close()
				t.dialCh <- dialResult{err: fmt.Errorf("tls handshake: %w", err)}
				return
			}
			_ = tlsConn.SetDeadline(time.Time{})
			conn = tlsConn
		}
		t.dialCh <- dialResult{conn: conn}
	}()

	t.state = stateConnecting
	return true
}

// stepConnecting polls the pending dial without blocking.
func (t *fetchTask) stepConnecting() bool {
	select {
	case result := <-t.dialCh:
		if result.err != nil {
			t.fail(result.err)
			return false
		}
		t.conn = result.conn
		t.state = stateSending
		return true
	default:
		return true
	}
}

// stepSending writes at most one bounded chunk of the request.
func (t *fetchTask) stepSending() bool {
	if t.sent >= len(t.request) {
		t.state = stateReading
		return true
	}

	_ = t.conn.SetWriteDeadline(time.Now().Add(ioSlice))
	n, err := t.conn.Write(t.request[t.sent:])
	t.sent += n
	if err != nil {
		if isWouldBlock(err) {
			return true
		}
		t.fail(fmt.Errorf("send request: %w", err))
		return false
	}
	if t.sent >= len(t.request) {
		t.state = stateReading
	}
	return true
}

// stepReading performs one bounded recv and re-evaluates framing.
func (t *fetchTask) stepReading() bool {
	_ = t.conn.SetReadDeadline(time.Now().Add(ioSlice))
	n, err := t.conn.Read(t.buf)
	if n > 0 {
		t.raw = append(t.raw, t.buf[:n]...)
		if t.opts.MaxBodyBytes > 0 && int64(len(t.raw)) > t.opts.MaxBodyBytes {
			t.fail(fmt.Errorf("response exceeds %d bytes", t.opts.MaxBodyBytes))
			return false
		}
		if complete, ferr := t.framing.advance(t.raw); ferr != nil {
			t.fail(ferr)
			return false
		} else if complete {
			t.finalize(false)
			return false
		}
	}

	if err != nil {
		switch {
		case isWouldBlock(err):
			return true
		case errors.Is(err, io.EOF):
			t.finalize(true)
			return false
		default:
			t.fail(fmt.Errorf("read response: %w", err))
			return false
		}
	}
	return true
}

// finalize parses whatever arrived into the response. eof reports whether
// the peer closed the connection.
func (t *fetchTask) finalize(eof bool) {
	resp, err := t.framing.finalize(t.raw, eof)
	if err != nil {
		t.fail(err)
		return
	}
	resp.FinalURL = t.url
	t.response = resp
	t.finish()
}

func isWouldBlock(err error) bool {
	return errors.Is(err, os.ErrDeadlineExceeded)
}

type parsedURL struct {
	scheme string
	host   string
	port   int
	path   string
}

func (p parsedURL) hostPort() string {
	if (p.scheme == "http" && p.port == 80) || (p.scheme == "https" && p.port == 443) {
		return p.host
	}
	return net.JoinHostPort(p.host, strconv.Itoa(p.port))
}

func splitURL(rawURL string) (parsedURL, bool) {
	var p parsedURL
	rest, ok := strings.CutPrefix(rawURL, "http://")
	if ok {
		p.scheme = "http"
		p.port = 80
	} else if rest, ok = strings.CutPrefix(rawURL, "https://"); ok {
		p.scheme = "https"
		p.port = 443
	} else {
		return p, false
	}

	hostPort := rest
	p.path = "/"
	if idx := strings.IndexAny(rest, "/?"); idx >= 0 {
		hostPort = rest[:idx]
		if rest[idx] == '?' {
			p.path = "/" + rest[idx:]
		} else {
			p.path = rest[idx:]
		}
	}

	if host, portStr, err := net.SplitHostPort(hostPort); err == nil {
		port, perr := strconv.Atoi(portStr)
		if perr != nil || port <= 0 {
			return p, false
		}
		p.host = host
		p.port = port
	} else {
		p.host = hostPort
	}

	if p.host == "" {
		return p, false
	}
	return p, true
}

// buildRequest renders the HTTP/1.1 request exactly once per task.
func buildRequest(p parsedURL, userAgent string, headers map[string]string) []byte {
	var b strings.Builder
	b.WriteString("GET ")
	b.WriteString(p.path)
	b.WriteString(" HTTP/1.1\r\n")
	b.WriteString("Host: ")
	b.WriteString(p.hostPort())
	b.WriteString("\r\n")
	b.WriteString("Connection: keep-alive\r\n")
	b.WriteString("User-Agent: ")
	b.WriteString(userAgent)
	b.WriteString("\r\n")
	keys := make([]string, 0, len(headers))
	for k := range headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(": ")
		b.WriteString(headers[k])
		b.WriteString("\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}
