package conf

import (
	"fmt"
	"net"
)

type Listen struct {
	TCP     string `yaml:"tcp"`
	UDP     string `yaml:"udp"`
	Backlog int    `yaml:"backlog"`
}

func (l *Listen) setDefaults() {
	if l.TCP == "" {
		l.TCP = ":25005"
	}
	if l.UDP == "" {
		// Same port unless configured otherwise.
		l.UDP = l.TCP
	}
	if l.Backlog == 0 {
		l.Backlog = 511
	}
}

func (l *Listen) validate() []error {
	var errors []error

	if _, _, err := net.SplitHostPort(l.TCP); err != nil {
		errors = append(errors, fmt.Errorf("listen.tcp %q is not host:port", l.TCP))
	}
	if _, _, err := net.SplitHostPort(l.UDP); err != nil {
		errors = append(errors, fmt.Errorf("listen.udp %q is not host:port", l.UDP))
	}
	if l.Backlog < 1 {
		errors = append(errors, fmt.Errorf("listen.backlog must be positive"))
	}

	return errors
}
