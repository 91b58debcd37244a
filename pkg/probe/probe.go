// Package probe checks that a rented proxy actually forwards traffic by
// fetching a page through it with the rental's credentials.
package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"proxy-rental/pkg/models"
)

type Options struct {
	URL     string
	Timeout time.Duration
	Headers []string
}

type Result struct {
	RentalID   int64
	Proxy      string
	StatusCode int
	Latency    time.Duration
	Err        error
}

func (r Result) OK() bool {
	return r.Err == nil && r.StatusCode > 0 && r.StatusCode < 500
}

// ProxyURL renders the address a customer configures for the rental.
func ProxyURL(view models.RentalView) (*url.URL, error) {
	var scheme string
	switch strings.ToUpper(view.Protocol) {
	case "SOCKS5":
		scheme = "socks5"
	case "HTTP":
		scheme = "http"
	default:
		return nil, fmt.Errorf("unsupported protocol %q", view.Protocol)
	}
	return &url.URL{
		Scheme: scheme,
		User:   url.UserPassword(view.Login, view.Password),
		Host:   net.JoinHostPort(view.ServerIP, strconv.Itoa(view.Port)),
	}, nil
}

// Probe fetches opts.URL through the rented proxy.
func Probe(ctx context.Context, view models.RentalView, opts Options) Result {
	res := Result{RentalID: view.RentalID}

	proxyURL, err := ProxyURL(view)
	if err != nil {
		res.Err = err
		return res
	}
	res.Proxy = proxyURL.Redacted()

	fetchOpts := FetchOptions{Timeout: opts.Timeout, Headers: opts.Headers}
	if proxyURL.Scheme == "http" {
		fetchOpts.HTTPProxy = proxyURL
	} else {
		fetchOpts.Transport = proxyURL.String()
	}

	fr, err := Fetch(ctx, opts.URL, fetchOpts)
	if err != nil {
		res.Err = err
		return res
	}
	res.StatusCode = fr.StatusCode
	res.Latency = fr.Latency
	return res
}

// ProbeAll probes the rentals with a pool of workers. Results come back in
// the order of views.
func ProbeAll(ctx context.Context, views []models.RentalView, workers int, opts Options, logger *slog.Logger) []Result {
	if workers < 1 {
		workers = 1
	}

	type job struct {
		index int
		view  models.RentalView
	}
	jobs := make(chan job, len(views))
	results := make([]Result, len(views))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				res := Probe(ctx, j.view, opts)
				if res.Err != nil {
					logger.Warn("Probe failed", "rental_id", res.RentalID, "proxy", res.Proxy, "error", res.Err)
				} else {
					logger.Debug("Probe completed", "rental_id", res.RentalID, "status", res.StatusCode, "latency", res.Latency)
				}
				results[j.index] = res
			}
		}()
	}

	for i, v := range views {
		jobs <- job{index: i, view: v}
	}
	close(jobs)
	wg.Wait()

	return results
}
