package conf

import "fmt"

type Limits struct {
	MaxFDs      int `yaml:"max_fds"`
	MaxBodySize int `yaml:"max_body_size"`
	UDPPoolSize int `yaml:"udp_pool_size"`
	MaxEvents   int `yaml:"max_events"`
}

func (l *Limits) setDefaults() {
	if l.MaxFDs == 0 {
		l.MaxFDs = 65535
	}
	if l.MaxBodySize == 0 {
		l.MaxBodySize = 64 * 1024
	}
	if l.UDPPoolSize == 0 {
		l.UDPPoolSize = 4096
	}
	if l.MaxEvents == 0 {
		l.MaxEvents = 10000
	}
}

func (l *Limits) validate() []error {
	var errors []error

	if l.MaxFDs < 1 {
		errors = append(errors, fmt.Errorf("limits.max_fds must be positive"))
	}
	if l.MaxBodySize < 1 {
		errors = append(errors, fmt.Errorf("limits.max_body_size must be positive"))
	}
	if l.UDPPoolSize < 1 {
		errors = append(errors, fmt.Errorf("limits.udp_pool_size must be positive"))
	}
	if l.MaxEvents < 1 || l.MaxEvents > 1<<20 {
		errors = append(errors, fmt.Errorf("limits.max_events must be between 1 and %d", 1<<20))
	}

	return errors
}
