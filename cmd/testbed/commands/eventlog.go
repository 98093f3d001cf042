package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/openfroyo/testbed/pkg/engine"
	"github.com/openfroyo/testbed/pkg/eventlog"
)

// eventLogFile is the --event-log output of one run.
type eventLogFile struct {
	f   *os.File
	enc *eventlog.Encoder
}

// createEventLog creates path and writes the header of exp.
func createEventLog(path string, exp *experiment) (*eventLogFile, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create event log: %w", err)
	}

	enc := eventlog.NewEncoder(f)
	header := &eventlog.Header{
		ExperimentID: exp.ctrl.ID(),
		Name:         exp.file.Name,
		Source:       exp.file.Source,
		Resources:    len(exp.file.Resources),
		Version:      serviceVersion,
	}
	if err := enc.EncodeHeader(header); err != nil {
		_ = f.Close()
		return nil, err
	}
	return &eventLogFile{f: f, enc: enc}, nil
}

// close writes report, when the run produced one, and closes the file.
func (l *eventLogFile) close(report *engine.Report) error {
	var werr error
	if report != nil {
		werr = l.enc.EncodeReport(report)
	}
	return errors.Join(werr, l.f.Close())
}
