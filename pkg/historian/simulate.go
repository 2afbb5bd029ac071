package historian

import (
	"context"
	"fmt"
	"log"
	"math"
	"strconv"
	"time"

	"github.com/nicktill/histqueue/pkg/datapoint"
	"github.com/nicktill/histqueue/pkg/tags"
)

// Simulator logs predictable values for a fixed tag list, standing in for a
// device when none is reachable.
type Simulator struct {
	historian *Historian
	tags      []tags.Info
	interval  time.Duration
	now       func() time.Time
	tick      int
}

// NewSimulator creates a simulator that logs every tag once per interval.
func NewSimulator(h *Historian, tagList []tags.Info, interval time.Duration) *Simulator {
	if interval <= 0 {
		interval = time.Second
	}
	return &Simulator{
		historian: h,
		tags:      tagList,
		interval:  interval,
		now:       time.Now,
	}
}

// Run logs samples until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Printf("Historian simulator started (%d tags every %v)", len(s.tags), s.interval)
	for {
		select {
		case <-ctx.Done():
			log.Println("Historian simulator stopped")
			return
		case <-ticker.C:
			if err := s.Step(ctx); err != nil {
				log.Printf("Historian simulator failed to record: %v", err)
			}
		}
	}
}

// Step records one sample per tag at the current time.
func (s *Simulator) Step(ctx context.Context) error {
	s.tick++
	ts := s.now().UnixMilli()

	samples := make([]Sample, 0, len(s.tags))
	for _, info := range s.tags {
		value, err := simulatedValue(info.Type, s.tick)
		if err != nil {
			return fmt.Errorf("tag %q: %w", info.Name, err)
		}
		samples = append(samples, Sample{
			TagID:     info.ID,
			Timestamp: ts,
			Value:     value,
			Initial:   s.tick == 1,
			Quality:   3,
		})
	}
	return s.historian.Record(ctx, samples...)
}

// simulatedValue cycles through values in a fixed order so exports are easy
// to eyeball.
func simulatedValue(t datapoint.TagType, tick int) (string, error) {
	switch t {
	case datapoint.BooleanType:
		if tick%2 == 0 {
			return "0", nil
		}
		return "1", nil
	case datapoint.FloatType:
		v := 50 + 25*math.Sin(float64(tick)/10)
		return strconv.FormatFloat(v, 'f', 2, 32), nil
	case datapoint.IntegerType:
		return strconv.Itoa(tick % 1000), nil
	case datapoint.DwordType:
		return strconv.FormatInt(int64(tick)*1000, 10), nil
	case datapoint.StringType:
		return fmt.Sprintf("state %d; step %d", tick%4, tick), nil
	default:
		return "", fmt.Errorf("unsupported tag type %q", t)
	}
}
