// Package sink writes pulled data points to the downstream consumer.
package sink

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/nicktill/histqueue/pkg/datapoint"
	"github.com/nicktill/histqueue/pkg/queue"
)

// Sink consumes the points of one extraction cycle.
type Sink interface {
	Write(ctx context.Context, cycle *queue.Cycle) error
}

// Format names an output encoding.
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

// New creates a sink for format writing to w.
func New(format Format, w io.Writer) (Sink, error) {
	switch format {
	case FormatJSON, "":
		return NewJSONLines(w), nil
	case FormatCSV:
		return NewCSV(w), nil
	default:
		return nil, fmt.Errorf("unsupported output format %q (use 'json' or 'csv')", format)
	}
}

// JSONLines writes one JSON object per data point.
type JSONLines struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewJSONLines creates a JSON lines sink.
func NewJSONLines(w io.Writer) *JSONLines {
	return &JSONLines{enc: json.NewEncoder(w)}
}

// line is the JSON shape of one point.
type line struct {
	datapoint.Record
	WindowStart int64 `json:"window_start"`
	WindowEnd   int64 `json:"window_end"`
}

// Write encodes every point of cycle in order.
func (s *JSONLines) Write(ctx context.Context, cycle *queue.Cycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, p := range cycle.Points {
		if i%100 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		l := line{
			Record:      datapoint.ToRecord(p),
			WindowStart: cycle.Window.Start,
			WindowEnd:   cycle.Window.End,
		}
		if err := s.enc.Encode(l); err != nil {
			return fmt.Errorf("failed to encode JSON: %w", err)
		}
	}
	return nil
}

// CSV writes one row per data point, with a header before the first row.
type CSV struct {
	mu            sync.Mutex
	writer        *csv.Writer
	headerWritten bool
}

// NewCSV creates a CSV sink.
func NewCSV(w io.Writer) *CSV {
	return &CSV{writer: csv.NewWriter(w)}
}

var csvHeader = []string{"timestamp", "raw_time", "name", "type", "value", "window_start", "window_end"}

// Write appends every point of cycle and flushes.
func (s *CSV) Write(ctx context.Context, cycle *queue.Cycle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.headerWritten {
		if err := s.writer.Write(csvHeader); err != nil {
			return fmt.Errorf("failed to write CSV header: %w", err)
		}
		s.headerWritten = true
	}

	start := fmt.Sprint(cycle.Window.Start)
	end := fmt.Sprint(cycle.Window.End)
	for i, p := range cycle.Points {
		if i%100 == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		row := []string{
			p.Time().Format(time.RFC3339),
			p.RawTime(),
			p.TagName(),
			string(p.Type()),
			p.ValueString(),
			start,
			end,
		}
		if err := s.writer.Write(row); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	s.writer.Flush()
	if err := s.writer.Error(); err != nil {
		return fmt.Errorf("failed to flush CSV: %w", err)
	}
	return nil
}

// Discard drops every cycle.
type Discard struct{}

// Write does nothing.
func (Discard) Write(context.Context, *queue.Cycle) error { return nil }
