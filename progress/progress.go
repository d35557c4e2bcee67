package progress

import (
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
)

const REPORT_INTERVAL = 5 * time.Second

// Reporter tracks transferred bytes for one file and periodically renders
// percent complete, throughput and an ETA. It is driven purely through
// byte-count callbacks from the transfer loop.
type Reporter struct {
	bar      *progressbar.ProgressBar
	stopOnce sync.Once
}

func NewReporter(total int64, w io.Writer, label string) *Reporter {
	bar := progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(label),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(REPORT_INTERVAL),
		progressbar.OptionClearOnFinish(),
	)
	return &Reporter{bar: bar}
}

// Add records n more transferred bytes. Reaching the announced total finishes
// the rendering automatically.
func (r *Reporter) Add(n int) {
	if r == nil {
		return
	}
	r.bar.Add(n)
}

// Stop cancels the periodic reporting. Safe to call more than once, and safe
// on an already finished reporter.
func (r *Reporter) Stop() {
	if r == nil {
		return
	}
	r.stopOnce.Do(func() {
		r.bar.Exit()
	})
}
