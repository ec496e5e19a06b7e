// Package noop provides a MetricsCollector that discards everything.
package noop

import (
	"time"

	"github.com/aescanero/regorch/pkg/ports"
)

type Collector struct{}

func (Collector) RecordSessionCreated(string) {}
func (Collector) RecordTransition(string, string, string) {}
func (Collector) RecordStepAttempt(string, string) {}
func (Collector) RecordCommit(string, string, time.Duration) {}
func (Collector) RecordCompensation(string, int) {}
func (Collector) RecordLockContention(string) {}
func (Collector) RecordSchedulerRun(string, int, int, bool, time.Duration) {}
func (Collector) RecordWorkerPoolStatus(int, int, int, int) {}

var _ ports.MetricsCollector = Collector{}
