package fetcher

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
)

type framingMode int

const (
	modeUnknown framingMode = iota
	modeLength
	modeChunked
	modeClose
)

// framingState incrementally tracks how much of an HTTP/1.1 response has
// arrived: first the header block, then the body per Transfer-Encoding,
// Content-Length, or read-to-close semantics.
type framingState struct {
	headersParsed bool
	headerEnd     int

	status          int
	version         string
	contentType     string
	contentEncoding string
	location        string
	mode            framingMode
	contentLength   int64
}

// advance re-evaluates raw and reports whether the response is complete.
// For read-to-close responses it never reports completion; the caller
// finalizes on EOF.
func (f *framingState) advance(raw []byte) (bool, error) {
	if !f.headersParsed {
		idx := bytes.Index(raw, []byte("\r\n\r\n"))
		if idx < 0 {
			return false, nil
		}
		if err := f.parseHeaders(raw[:idx]); err != nil {
			return false, err
		}
		f.headersParsed = true
		f.headerEnd = idx + 4
	}

	switch f.mode {
	case modeLength:
		return int64(len(raw)-f.headerEnd) >= f.contentLength, nil
	case modeChunked:
		_, complete, err := decodeChunked(raw[f.headerEnd:])
		return complete, err
	default:
		return false, nil
	}
}

func (f *framingState) parseHeaders(block []byte) error {
	lines := strings.Split(string(block), "\r\n")
	if len(lines) == 0 {
		return ErrInvalidResponse
	}

	statusLine := lines[0]
	f.version = parseHTTPVersion(statusLine)
	fields := strings.Fields(statusLine)
	if len(fields) < 2 {
		return ErrInvalidResponse
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil || status <= 0 {
		return ErrInvalidResponse
	}
	f.status = status

	f.mode = modeClose
	for _, line := range lines[1:] {
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		value := strings.TrimSpace(line[idx+1:])
		switch key {
		case "content-type":
			f.contentType = value
		case "content-encoding":
			f.contentEncoding = strings.ToLower(value)
		case "location":
			f.location = value
		case "transfer-encoding":
			if strings.Contains(strings.ToLower(value), "chunked") {
				f.mode = modeChunked
			}
		case "content-length":
			if f.mode == modeChunked {
				continue
			}
			n, err := strconv.ParseInt(value, 10, 64)
			if err != nil || n < 0 {
				return fmt.Errorf("bad content-length %q", value)
			}
			f.mode = modeLength
			f.contentLength = n
		}
	}
	return nil
}

// finalize assembles the Response once framing declares completion or the
// peer closes.
func (f *framingState) finalize(raw []byte, eof bool) (Response, error) {
	if !f.headersParsed {
		return Response{}, ErrInvalidResponse
	}

	var body []byte
	switch f.mode {
	case modeLength:
		available := int64(len(raw) - f.headerEnd)
		if available < f.contentLength {
			return Response{}, fmt.Errorf("short body: got %d of %d bytes", available, f.contentLength)
		}
		body = raw[f.headerEnd : int64(f.headerEnd)+f.contentLength]
	case modeChunked:
		decoded, complete, err := decodeChunked(raw[f.headerEnd:])
		if err != nil {
			return Response{}, err
		}
		if !complete {
			return Response{}, fmt.Errorf("truncated chunked body")
		}
		body = decoded
	default:
		if !eof {
			return Response{}, fmt.Errorf("read-to-close body finalized before close")
		}
		body = raw[f.headerEnd:]
	}

	body, err := decodeContentEncoding(body, f.contentEncoding)
	if err != nil {
		return Response{}, err
	}

	return Response{
		StatusCode:  f.status,
		Body:        body,
		ContentType: f.contentType,
		HTTPVersion: f.version,
		Location:    f.location,
	}, nil
}

// decodeChunked consumes hex-length chunks until the zero-length chunk.
// complete is false while more bytes are needed.
func decodeChunked(raw []byte) (body []byte, complete bool, err error) {
	rest := raw
	for {
		idx := bytes.Index(rest, []byte("\r\n"))
		if idx < 0 {
			return body, false, nil
		}
		sizeLine := string(rest[:idx])
		if ext := strings.Index(sizeLine, ";"); ext >= 0 {
			sizeLine = sizeLine[:ext]
		}
		size, perr := strconv.ParseInt(strings.TrimSpace(sizeLine), 16, 64)
		if perr != nil || size < 0 {
			return nil, false, fmt.Errorf("bad chunk size %q", sizeLine)
		}
		rest = rest[idx+2:]

		if size == 0 {
			// Trailers, if any, end with a blank line; we do not need them.
			return body, true, nil
		}
		if int64(len(rest)) < size+2 {
			return body, false, nil
		}
		body = append(body, rest[:size]...)
		rest = rest[size+2:]
	}
}

func parseHTTPVersion(statusLine string) string {
	switch {
	case strings.HasPrefix(statusLine, "HTTP/1.0"):
		return "HTTP/1.0"
	case strings.HasPrefix(statusLine, "HTTP/1.1"):
		return "HTTP/1.1"
	case strings.HasPrefix(statusLine, "HTTP/2"):
		return "HTTP/2"
	}
	return ""
}

// decodeContentEncoding unwraps gzip, deflate, or brotli bodies.
func decodeContentEncoding(body []byte, encoding string) ([]byte, error) {
	if len(body) == 0 {
		return body, nil
	}
	var reader io.Reader
	switch encoding {
	case "", "identity":
		return body, nil
	case "gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("gzip decode: %w", err)
		}
		defer gz.Close()
		reader = gz
	case "deflate":
		fl := flate.NewReader(bytes.NewReader(body))
		defer fl.Close()
		reader = fl
	case "br":
		reader = brotli.NewReader(bytes.NewReader(body))
	default:
		return body, nil
	}

	decoded, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("decode %s body: %w", encoding, err)
	}
	return decoded, nil
}
