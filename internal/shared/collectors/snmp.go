package collectors

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
)

// well-known OIDs addressable by metric type
var snmpMetricOIDs = map[string]string{
	"sys_uptime":  ".1.3.6.1.2.1.1.3.0",
	"sys_descr":   ".1.3.6.1.2.1.1.1.0",
	"if_number":   ".1.3.6.1.2.1.2.1.0",
	"cpu_load_1m": ".1.3.6.1.4.1.2021.10.1.3.1",
}

var errSNMPNoValue = errors.New("snmp: no such object")

type SNMPCollector struct {
	base
}

func NewSNMPCollector() *SNMPCollector {
	return &SNMPCollector{
		base: base{
			typ:         "snmp",
			version:     "2.0.1",
			protocols:   []string{"snmp"},
			metricTypes: []string{"oid", "sys_uptime", "sys_descr", "if_number", "cpu_load_1m"},
		},
	}
}

// Init validates the default SNMP version before storing the config.
func (c *SNMPCollector) Init(ctx context.Context, cfg map[string]any) error {
	if _, err := parseSNMPVersion(options{defaults: cfg}.String("version", "2c")); err != nil {
		return err
	}
	return c.base.Init(ctx, cfg)
}

func (c *SNMPCollector) Collect(ctx context.Context, spec DeviceSpec) (*Measurement, error) {
	opts := c.options(spec.Params)

	oid := opts.String("oid", snmpMetricOIDs[spec.MetricType])
	if oid == "" {
		return nil, fmt.Errorf("snmp: no oid for metric type %q", spec.MetricType)
	}

	version, err := parseSNMPVersion(opts.String("version", "2c"))
	if err != nil {
		return nil, err
	}

	host, port := splitTarget(spec.Target, opts.Int("port", 0))
	if port == 0 {
		port = 161
	}
	if !validPort(port) {
		return nil, fmt.Errorf("%w: snmp port %d out of range", ErrUnsupportedTarget, port)
	}
	g := &gosnmp.GoSNMP{
		Target:    host,
		Port:      uint16(port),
		Community: opts.String("community", "public"),
		Version:   version,
		Timeout:   opts.Duration("timeout", 5*time.Second),
		Retries:   opts.Int("retries", 1),
		Context:   ctx,
	}

	start := time.Now()
	if err := g.Connect(); err != nil {
		return nil, fmt.Errorf("snmp connect %s: %w", host, err)
	}
	defer g.Conn.Close()

	packet, err := g.Get([]string{oid})
	elapsed := time.Since(start)
	if err != nil {
		return nil, fmt.Errorf("snmp get %s: %w", oid, err)
	}
	if len(packet.Variables) == 0 {
		return nil, errSNMPNoValue
	}

	m, err := pduToMeasurement(packet.Variables[0])
	if err != nil {
		return nil, err
	}
	m.Duration = elapsed
	m.Data = map[string]any{"oid": oid, "host": host, "port": port}
	return m, nil
}

func pduToMeasurement(pdu gosnmp.SnmpPDU) (*Measurement, error) {
	switch pdu.Type {
	case gosnmp.NoSuchObject, gosnmp.NoSuchInstance, gosnmp.EndOfMibView, gosnmp.Null:
		return nil, fmt.Errorf("%w: %s", errSNMPNoValue, pdu.Name)
	case gosnmp.OctetString:
		raw := string(pdu.Value.([]byte))
		m := &Measurement{RawValue: raw, ResultType: "string"}
		if f, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
			m.Value = floatPtr(f)
		}
		return m, nil
	case gosnmp.ObjectIdentifier, gosnmp.IPAddress:
		return &Measurement{RawValue: fmt.Sprint(pdu.Value), ResultType: "string"}, nil
	default:
		n := gosnmp.ToBigInt(pdu.Value)
		f, _ := new(big.Float).SetInt(n).Float64()
		return &Measurement{RawValue: n.String(), Value: floatPtr(f), ResultType: snmpResultType(pdu.Type)}, nil
	}
}

func snmpResultType(t gosnmp.Asn1BER) string {
	switch t {
	case gosnmp.Counter32, gosnmp.Counter64:
		return "counter"
	case gosnmp.TimeTicks:
		return "timeticks"
	default:
		return "gauge"
	}
}

func parseSNMPVersion(v string) (gosnmp.SnmpVersion, error) {
	switch strings.ToLower(v) {
	case "1", "v1":
		return gosnmp.Version1, nil
	case "2c", "v2c", "2":
		return gosnmp.Version2c, nil
	default:
		return 0, fmt.Errorf("snmp: unsupported version %q", v)
	}
}
