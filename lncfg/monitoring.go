package lncfg

import (
	"fmt"
	"net"
)

// Prometheus configures the Prometheus exporter.
//
//nolint:ll
type Prometheus struct {
	// Listen is the address the exporter serves /metrics on. An empty
	// address disables the exporter.
	Listen string `long:"listen" description:"the interface we should listen on for Prometheus"`

	// PerfHistograms enables the latency histograms of the channel links.
	PerfHistograms bool `long:"perfhistograms" description:"enable additional histogram to track latency of event processing and persistence"`
}

// DefaultPrometheus is the default configuration for the Prometheus metrics
// exporter.
func DefaultPrometheus() Prometheus {
	return Prometheus{}
}

// Enabled returns whether or not Prometheus monitoring is enabled.
func (p *Prometheus) Enabled() bool {
	return p.Listen != ""
}

// Validate checks that the listen address, if set, can be parsed.
func (p *Prometheus) Validate() error {
	if !p.Enabled() {
		return nil
	}

	if _, _, err := net.SplitHostPort(p.Listen); err != nil {
		return fmt.Errorf("invalid prometheus listen address %q: %w",
			p.Listen, err)
	}

	return nil
}

// Compile-time constraint to ensure Prometheus implements the Validator
// interface.
var _ Validator = (*Prometheus)(nil)
