package progress

import (
	"bytes"
	"testing"
)

func TestReporterCountsToTotal(t *testing.T) {
	var out bytes.Buffer
	reporter := NewReporter(1024, &out, "sample.bin")

	for i := 0; i < 4; i++ {
		reporter.Add(256)
	}
	reporter.Stop()
}

func TestReporterStopIsIdempotent(t *testing.T) {
	var out bytes.Buffer
	reporter := NewReporter(100, &out, "sample.bin")

	reporter.Add(10)
	reporter.Stop()
	reporter.Stop()
}

func TestNilReporter(t *testing.T) {
	var reporter *Reporter

	// a transfer loop without a reporter still calls through
	reporter.Add(10)
	reporter.Stop()
}
