package conf

import (
	"fmt"
	"runtime"
)

type Workers struct {
	Count int `yaml:"count"`
	Queue int `yaml:"queue"`
}

func (w *Workers) setDefaults() {
	if w.Count == 0 {
		w.Count = runtime.NumCPU()
	}
	if w.Queue == 0 {
		w.Queue = 1024
	}
}

func (w *Workers) validate() []error {
	var errors []error

	if w.Count < 1 || w.Count > 1024 {
		errors = append(errors, fmt.Errorf("workers.count must be between 1 and 1024"))
	}
	if w.Queue < 1 {
		errors = append(errors, fmt.Errorf("workers.queue must be positive"))
	}

	return errors
}
