package cli

import (
	"fmt"
	"io"
	"strings"
	"time"

	zerr "github.com/ourdigitalworld/zipit/pkg/errors"
	"github.com/ourdigitalworld/zipit/pkg/tiles"
)

var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Spinner animates on w while a tile job runs, showing the elapsed time.
// It clears its line once the job is done and reports failed jobs.
type Spinner struct {
	w       io.Writer
	job     *tiles.Job
	label   string
	width   int
	stopped chan struct{}
}

// watchJob starts a spinner for job.
func watchJob(w io.Writer, job *tiles.Job) *Spinner {
	s := &Spinner{
		w:       w,
		job:     job,
		label:   "Fetching " + job.Path,
		stopped: make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Spinner) run() {
	defer close(s.stopped)
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	for i := 0; ; i++ {
		select {
		case <-s.job.Done():
			s.clearLine()
			if res := s.job.Wait(); res.Outcome == tiles.OutcomeFailed {
				printError(s.w, "%s: %s", s.job.Path, zerr.UserMessage(res.Err))
			}
			return
		case <-ticker.C:
			line := fmt.Sprintf("%s %s", s.label, time.Since(s.job.Started).Round(100*time.Millisecond))
			s.width = max(s.width, len(line)+2)
			fmt.Fprintf(s.w, "\r%s %s", styleIconSpinner.Render(spinnerFrames[i%len(spinnerFrames)]), styleDim.Render(line))
		}
	}
}

// Wait blocks until the job is done and the line is cleared.
func (s *Spinner) Wait() tiles.Result {
	<-s.stopped
	return s.job.Wait()
}

func (s *Spinner) clearLine() {
	if s.width == 0 {
		return
	}
	fmt.Fprintf(s.w, "\r%s\r", strings.Repeat(" ", s.width))
}
