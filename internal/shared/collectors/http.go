package collectors

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

type HTTPCollector struct {
	base
	client *http.Client
}

func NewHTTPCollector() *HTTPCollector {
	return &HTTPCollector{
		base: base{
			typ:         "http",
			version:     "1.2.0",
			protocols:   []string{"http", "https"},
			metricTypes: []string{"response_time", "status_code", "content_length", "up"},
		},
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}
}

func (c *HTTPCollector) Collect(ctx context.Context, spec DeviceSpec) (*Measurement, error) {
	opts := c.options(spec.Params)

	fullURL, err := normalizeURL(spec.Target, spec.Protocol)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedTarget, err)
	}

	client := c.configureClient(opts.Bool("follow_redirects", true), opts.Bool("verify_ssl", true), opts.Duration("timeout", 30*time.Second))

	req, err := http.NewRequestWithContext(ctx, opts.String("method", http.MethodGet), fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	for key, value := range opts.Headers("headers") {
		req.Header.Set(key, value)
	}
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", "NetPulse-Agent/1.0")
	}

	start := time.Now()
	resp, err := client.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	data := map[string]any{
		"status_code":    resp.StatusCode,
		"proto":          resp.Proto,
		"content_type":   resp.Header.Get("Content-Type"),
		"content_length": len(body),
		"url":            fullURL,
	}
	if final := resp.Request.URL.String(); final != fullURL {
		data["final_url"] = final
	}
	if resp.TLS != nil && len(resp.TLS.PeerCertificates) > 0 {
		cert := resp.TLS.PeerCertificates[0]
		data["ssl_expires_at"] = cert.NotAfter.Format(time.RFC3339)
		data["ssl_days_left"] = int(time.Until(cert.NotAfter).Hours() / 24)
	}

	expected := opts.Int("expected_status", 0)
	up := resp.StatusCode < 400
	if expected != 0 {
		up = resp.StatusCode == expected
	}

	m := &Measurement{Data: data, Duration: elapsed}
	switch spec.MetricType {
	case "status_code":
		m.RawValue = strconv.Itoa(resp.StatusCode)
		m.Value = floatPtr(float64(resp.StatusCode))
		m.ResultType = "gauge"
	case "content_length":
		m.RawValue = strconv.Itoa(len(body))
		m.Value = floatPtr(float64(len(body)))
		m.ResultType = "gauge"
	case "up":
		v := 0.0
		if up {
			v = 1
		}
		m.RawValue = strconv.FormatBool(up)
		m.Value = floatPtr(v)
		m.ResultType = "boolean"
	default:
		ms := float64(elapsed.Microseconds()) / 1000
		m.RawValue = strconv.FormatFloat(ms, 'f', 3, 64)
		m.Value = floatPtr(ms)
		m.ResultType = "duration_ms"
	}

	if !up && opts.Bool("fail_on_status", false) {
		return m, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return m, nil
}

func normalizeURL(target, protocol string) (string, error) {
	if u, err := url.ParseRequestURI(target); err == nil && u.Scheme != "" && u.Host != "" {
		return target, nil
	}
	scheme := "http"
	if protocol == "https" {
		scheme = "https"
	}
	u, err := url.Parse(scheme + "://" + target)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid URL format: %s", target)
	}
	return u.String(), nil
}

func (c *HTTPCollector) configureClient(followRedirects, verifySSL bool, timeout time.Duration) *http.Client {
	transport := c.client.Transport.(*http.Transport).Clone()
	transport.TLSClientConfig.InsecureSkipVerify = !verifySSL

	client := *c.client
	client.Transport = transport
	client.Timeout = timeout

	if !followRedirects {
		client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}
	return &client
}
