package conf

import (
	"fmt"
	"time"
)

type Timeouts struct {
	// Idle is the socket idle timeout after which a connection is reclaimed.
	Idle time.Duration `yaml:"idle"`

	// Poll bounds each readiness wait so channel draining and idle sweeps
	// make progress with no I/O activity.
	Poll time.Duration `yaml:"poll"`
}

func (t *Timeouts) setDefaults() {
	if t.Idle == 0 {
		t.Idle = 2 * time.Second
	}
	if t.Poll == 0 {
		t.Poll = 10 * time.Second
	}
}

func (t *Timeouts) validate() []error {
	var errors []error

	if t.Idle < 100*time.Millisecond {
		errors = append(errors, fmt.Errorf("timeouts.idle must be at least 100ms"))
	}
	if t.Poll < 10*time.Millisecond {
		errors = append(errors, fmt.Errorf("timeouts.poll must be at least 10ms"))
	}

	return errors
}
