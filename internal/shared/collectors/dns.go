package collectors

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/miekg/dns"
)

type DNSCollector struct {
	base
}

func NewDNSCollector() *DNSCollector {
	return &DNSCollector{
		base: base{
			typ:         "dns",
			version:     "1.0.3",
			protocols:   []string{"dns"},
			metricTypes: []string{"response_time", "answer_count"},
		},
	}
}

func (c *DNSCollector) Collect(ctx context.Context, spec DeviceSpec) (*Measurement, error) {
	opts := c.options(spec.Params)

	recordType := strings.ToUpper(opts.String("record_type", "A"))
	server := opts.String("server", "8.8.8.8:53")

	client := &dns.Client{Timeout: opts.Duration("timeout", 5*time.Second)}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(spec.Target), recordTypeToDNSType(recordType))

	response, rtt, err := client.ExchangeContext(ctx, msg, server)
	if err != nil {
		return nil, fmt.Errorf("dns query failed: %w", err)
	}
	if response.Rcode != dns.RcodeSuccess {
		return nil, fmt.Errorf("dns error: %s", dns.RcodeToString[response.Rcode])
	}

	records := make([]string, 0, len(response.Answer))
	for _, answer := range response.Answer {
		records = append(records, answer.String())
	}

	data := map[string]any{
		"records":     records,
		"server":      server,
		"record_type": recordType,
	}
	if ttl := minTTL(response.Answer); ttl > 0 {
		data["ttl"] = ttl
	}

	if spec.MetricType == "answer_count" {
		n := len(response.Answer)
		return &Measurement{RawValue: strconv.Itoa(n), Value: floatPtr(float64(n)), ResultType: "gauge", Data: data, Duration: rtt}, nil
	}

	ms := float64(rtt.Microseconds()) / 1000
	return &Measurement{RawValue: strconv.FormatFloat(ms, 'f', 3, 64), Value: floatPtr(ms), ResultType: "duration_ms", Data: data, Duration: rtt}, nil
}

func recordTypeToDNSType(recordType string) uint16 {
	if t, ok := dns.StringToType[recordType]; ok {
		return t
	}
	return dns.TypeA
}

func minTTL(answers []dns.RR) uint32 {
	if len(answers) == 0 {
		return 0
	}
	ttl := answers[0].Header().Ttl
	for _, answer := range answers[1:] {
		if answer.Header().Ttl < ttl {
			ttl = answer.Header().Ttl
		}
	}
	return ttl
}
