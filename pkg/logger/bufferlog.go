package logger

import (
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Journal buffers detail lines per job while the job runs.
//
//   - If the job fails, the buffer is replayed and the final error is logged.
//   - If it succeeds, the buffer is dropped and one summary line is written.
//
// All state lives in a dedicated goroutine fed by a command channel.
type Journal struct {
	log  *zap.Logger
	ch   chan cmd
	done chan struct{}
	once sync.Once
}

type action int

const (
	actBegin action = iota
	actAppend
	actSuccess
	actFlushErr
)

type cmd struct {
	act     action
	job     string
	message string // for Append and Success
	err     error  // for FlushErr
}

// NewJournal starts the journal goroutine. Call Close to stop it.
func NewJournal(log *zap.Logger) *Journal {
	if log == nil {
		log = zap.NewNop()
	}
	j := &Journal{
		log:  log,
		ch:   make(chan cmd, 128),
		done: make(chan struct{}),
	}
	go j.runloop()
	return j
}

// Begin enables buffering for job.
func (j *Journal) Begin(job string) { j.ch <- cmd{act: actBegin, job: job} }

// Append adds a detail line.
func (j *Journal) Append(job, msg string) { j.ch <- cmd{act: actAppend, job: job, message: msg} }

// Success drops the buffer and writes a single summary line.
func (j *Journal) Success(job, summary string) {
	j.ch <- cmd{act: actSuccess, job: job, message: summary}
}

// FlushError replays the buffered lines followed by the final error.
func (j *Journal) FlushError(job string, err error) {
	j.ch <- cmd{act: actFlushErr, job: job, err: err}
}

// Close drains pending commands and stops the goroutine.
func (j *Journal) Close() {
	j.once.Do(func() {
		close(j.ch)
		<-j.done
	})
}

func (j *Journal) runloop() {
	defer close(j.done)
	buffers := make(map[string]*strings.Builder)

	for c := range j.ch {
		switch c.act {
		case actBegin:
			buffers[c.job] = &strings.Builder{}

		case actAppend:
			if b := buffers[c.job]; b != nil {
				b.WriteString(c.message)
				b.WriteByte('\n')
			} else {
				j.log.Info(c.message, zap.String("job", c.job))
			}

		case actSuccess:
			j.log.Info(c.message, zap.String("job", c.job))
			delete(buffers, c.job)

		case actFlushErr:
			if b := buffers[c.job]; b != nil {
				for _, ln := range strings.Split(strings.TrimRight(b.String(), "\n"), "\n") {
					if ln != "" {
						j.log.Info(ln, zap.String("job", c.job))
					}
				}
				delete(buffers, c.job)
			}
			j.log.Error("job failed", zap.String("job", c.job), zap.Error(c.err))
		}
	}
}
