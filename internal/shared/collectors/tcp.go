package collectors

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

type TCPCollector struct {
	base
}

func NewTCPCollector() *TCPCollector {
	return &TCPCollector{
		base: base{
			typ:         "tcp",
			version:     "1.1.0",
			protocols:   []string{"tcp"},
			metricTypes: []string{"connect_time", "port_open"},
		},
	}
}

func (c *TCPCollector) Collect(ctx context.Context, spec DeviceSpec) (*Measurement, error) {
	opts := c.options(spec.Params)

	host, port := splitTarget(spec.Target, opts.Int("port", 0))
	if port == 0 {
		port = defaultPort(spec.Target)
	}
	if host == "" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedTarget, spec.Target)
	}
	if !validPort(port) {
		return nil, fmt.Errorf("%w: tcp port %d out of range", ErrUnsupportedTarget, port)
	}
	address := net.JoinHostPort(host, strconv.Itoa(port))

	ctx, cancel := context.WithTimeout(ctx, opts.Duration("timeout", 10*time.Second))
	defer cancel()

	start := time.Now()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	elapsed := time.Since(start)

	data := map[string]any{"address": address, "connect_time_ms": elapsed.Milliseconds()}
	open := err == nil
	if err != nil {
		data["error"] = err.Error()
	} else {
		defer conn.Close()
		data["remote_address"] = conn.RemoteAddr().String()
		if opts.Bool("banner_grab", false) {
			if banner, bErr := readBanner(conn, opts.Duration("banner_timeout", 2*time.Second)); bErr == nil {
				data["banner"] = banner
			}
		}
	}

	if spec.MetricType == "port_open" {
		v := 0.0
		if open {
			v = 1
		}
		return &Measurement{RawValue: strconv.FormatBool(open), Value: floatPtr(v), ResultType: "boolean", Data: data, Duration: elapsed}, nil
	}

	if !open {
		return nil, fmt.Errorf("tcp connect to %s failed: %w", address, err)
	}
	ms := float64(elapsed.Microseconds()) / 1000
	return &Measurement{RawValue: strconv.FormatFloat(ms, 'f', 3, 64), Value: floatPtr(ms), ResultType: "duration_ms", Data: data, Duration: elapsed}, nil
}

func readBanner(conn net.Conn, timeout time.Duration) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(buf[:n])), nil
}

// splitTarget accepts host, host:port or scheme://host[:port].
func splitTarget(target string, port int) (string, int) {
	if i := strings.Index(target, "://"); i >= 0 {
		target = target[i+3:]
	}
	target = strings.TrimSuffix(strings.SplitN(target, "/", 2)[0], "/")

	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return target, port
	}
	if port == 0 {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}
	return host, port
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

func defaultPort(target string) int {
	switch {
	case strings.HasPrefix(target, "https"):
		return 443
	case strings.HasPrefix(target, "ssh"):
		return 22
	case strings.HasPrefix(target, "smtp"):
		return 25
	case strings.HasPrefix(target, "mysql"):
		return 3306
	case strings.HasPrefix(target, "postgres"):
		return 5432
	case strings.HasPrefix(target, "redis"):
		return 6379
	default:
		return 80
	}
}
