package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/openfroyo/testbed/pkg/engine"
	"github.com/openfroyo/testbed/pkg/telemetry"
)

// maxLineSize bounds one record; reports of large experiments are the
// longest lines.
const maxLineSize = 10 * 1024 * 1024

// Encoder writes log records to an io.Writer. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewEncoder creates a new log encoder.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{
		w: bufio.NewWriter(w),
	}
}

// Encode writes one record and flushes it.
func (e *Encoder) Encode(recordType RecordType, data interface{}) error {
	if err := recordType.Validate(); err != nil {
		return fmt.Errorf("invalid record type: %w", err)
	}

	var dataBytes []byte
	var err error
	if data != nil {
		dataBytes, err = json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal data: %w", err)
		}
	}

	rec := Record{
		Type:      recordType,
		Timestamp: time.Now().UTC(),
		Data:      dataBytes,
	}

	recBytes, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.w.Write(recBytes); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := e.w.WriteByte('\n'); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}
	if err := e.w.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

// EncodeHeader writes the HEADER record.
func (e *Encoder) EncodeHeader(h *Header) error {
	if err := h.Validate(); err != nil {
		return fmt.Errorf("invalid header: %w", err)
	}
	return e.Encode(RecordTypeHeader, h)
}

// EncodeEvent writes an EVENT record.
func (e *Encoder) EncodeEvent(event telemetry.Event) error {
	if event.Type == "" {
		return fmt.Errorf("invalid event: type is required")
	}
	return e.Encode(RecordTypeEvent, event)
}

// EncodeReport writes the REPORT record.
func (e *Encoder) EncodeReport(report *engine.Report) error {
	if report == nil {
		return fmt.Errorf("invalid report: nil")
	}
	return e.Encode(RecordTypeReport, report)
}

// Subscriber returns an event subscriber writing every event to the log.
// Write failures are logged.
func (e *Encoder) Subscriber(logger *telemetry.Logger) telemetry.EventSubscriber {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return func(event telemetry.Event) {
		if err := e.EncodeEvent(event); err != nil {
			logger.WithError(err).Warnf("dropping event %s from the event log", event.Type)
		}
	}
}

// Decoder reads log records from an io.Reader.
type Decoder struct {
	r    *bufio.Scanner
	line int
}

// NewDecoder creates a new log decoder.
func NewDecoder(r io.Reader) *Decoder {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &Decoder{
		r: scanner,
	}
}

// Decode reads the next record. It returns io.EOF at the end of the input.
func (d *Decoder) Decode() (*Record, error) {
	if !d.r.Scan() {
		if err := d.r.Err(); err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
		return nil, io.EOF
	}
	d.line++

	line := d.r.Bytes()
	if len(line) == 0 {
		return nil, fmt.Errorf("line %d: empty line", d.line)
	}

	var rec Record
	if err := json.Unmarshal(line, &rec); err != nil {
		return nil, fmt.Errorf("line %d: failed to unmarshal record: %w", d.line, err)
	}
	if err := rec.Type.Validate(); err != nil {
		return nil, fmt.Errorf("line %d: invalid record: %w", d.line, err)
	}

	return &rec, nil
}

// ReadAll decodes a whole log. The first record must be the header and
// nothing may follow the report.
func ReadAll(r io.Reader) (*Log, error) {
	d := NewDecoder(r)
	log := &Log{}

	for {
		rec, err := d.Decode()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		if log.Header == nil && rec.Type != RecordTypeHeader {
			return nil, fmt.Errorf("line %d: expected %s record, got %s", d.line, RecordTypeHeader, rec.Type)
		}
		if log.Report != nil {
			return nil, fmt.Errorf("line %d: %s record after the report", d.line, rec.Type)
		}

		switch rec.Type {
		case RecordTypeHeader:
			if log.Header != nil {
				return nil, fmt.Errorf("line %d: duplicate header", d.line)
			}
			var h Header
			if err := unmarshalData(rec, &h); err != nil {
				return nil, fmt.Errorf("line %d: %w", d.line, err)
			}
			if err := h.Validate(); err != nil {
				return nil, fmt.Errorf("line %d: invalid header: %w", d.line, err)
			}
			log.Header = &h

		case RecordTypeEvent:
			var event telemetry.Event
			if err := unmarshalData(rec, &event); err != nil {
				return nil, fmt.Errorf("line %d: %w", d.line, err)
			}
			log.Events = append(log.Events, event)

		case RecordTypeReport:
			var report engine.Report
			if err := unmarshalData(rec, &report); err != nil {
				return nil, fmt.Errorf("line %d: %w", d.line, err)
			}
			log.Report = &report
		}
	}

	if log.Header == nil {
		return nil, fmt.Errorf("empty event log")
	}
	return log, nil
}

func unmarshalData(rec *Record, target interface{}) error {
	if len(rec.Data) == 0 {
		return fmt.Errorf("%s record has no data", rec.Type)
	}
	if err := json.Unmarshal(rec.Data, target); err != nil {
		return fmt.Errorf("failed to parse %s data: %w", rec.Type, err)
	}
	return nil
}
