package probe

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/Jigsaw-Code/outline-sdk/transport"
	"github.com/Jigsaw-Code/outline-sdk/x/configurl"
)

// FetchOptions configures a single HTTP request through a proxy.
type FetchOptions struct {
	// Transport is an outline-sdk config string, e.g. socks5://u:p@host:port.
	// Ignored when HTTPProxy or Dialer is set.
	Transport string
	// Dialer replaces the dialer built from Transport.
	Dialer transport.StreamDialer
	// HTTPProxy routes the request through an HTTP proxy instead.
	HTTPProxy *url.URL
	// Raw HTTP header lines such as "User-Agent: curl/8.0", without \r\n
	Headers []string
	Timeout time.Duration
}

type FetchResult struct {
	StatusCode int
	Body       []byte
	Latency    time.Duration
}

// Fetch GETs target through the configured proxy and reads the body.
// Redirects are not followed.
func Fetch(ctx context.Context, target string, opts FetchOptions) (*FetchResult, error) {
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}

	httpTransport := &http.Transport{}
	if opts.HTTPProxy != nil {
		httpTransport.Proxy = http.ProxyURL(opts.HTTPProxy)
	} else {
		dialer := opts.Dialer
		if dialer == nil {
			var err error
			dialer, err = configurl.NewDefaultConfigToDialer().NewStreamDialer(opts.Transport)
			if err != nil {
				return nil, fmt.Errorf("could not create dialer: %w", err)
			}
		}
		httpTransport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if !strings.HasPrefix(network, "tcp") {
				return nil, fmt.Errorf("protocol not supported: %v", network)
			}
			return dialer.DialStream(ctx, addr)
		}
	}
	defer httpTransport.CloseIdleConnections()

	httpClient := &http.Client{
		Transport: httpTransport,
		Timeout:   opts.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if len(opts.Headers) > 0 {
		headerText := strings.Join(opts.Headers, "\r\n") + "\r\n\r\n"
		h, err := textproto.NewReader(bufio.NewReader(strings.NewReader(headerText))).ReadMIMEHeader()
		if err != nil {
			return nil, fmt.Errorf("invalid header line: %w", err)
		}
		for name, values := range h {
			for _, value := range values {
				req.Header.Add(name, value)
			}
		}
	}

	start := time.Now()
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read of page body failed: %w", err)
	}

	return &FetchResult{
		StatusCode: resp.StatusCode,
		Body:       body,
		Latency:    time.Since(start),
	}, nil
}
