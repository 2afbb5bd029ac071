package historian

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"
)

// logHeader is the first line of every exported historical log.
const logHeader = `"TagId";"TimeInt";"TimeStr";"IsInitValue";"Value";"IQuality"`

// timeStrLayout matches the device's human readable TimeStr column.
const timeStrLayout = "02/01/2006 15:04:05"

// WriteLog writes samples in the device's historical log text layout:
//
//	"TagId";"TimeInt";"TimeStr";"IsInitValue";"Value";"IQuality"
//	247;1582557658;"24/02/2020 15:20:58";0;0;3
//
// TimeInt is epoch seconds. String values are quoted and may contain the
// delimiter.
func WriteLog(w io.Writer, samples []Sample, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}

	bw := bufio.NewWriter(w)
	if _, err := fmt.Fprintln(bw, logHeader); err != nil {
		return fmt.Errorf("failed to write log header: %w", err)
	}

	for _, s := range samples {
		ts := time.UnixMilli(s.Timestamp).In(loc)
		initial := 0
		if s.Initial {
			initial = 1
		}
		_, err := fmt.Fprintf(bw, "%d;%d;%s;%d;%s;%d\n",
			s.TagID,
			ts.Unix(),
			quote(ts.Format(timeStrLayout)),
			initial,
			formatValue(s.Value),
			s.Quality,
		)
		if err != nil {
			return fmt.Errorf("failed to write log record: %w", err)
		}
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush log: %w", err)
	}
	return nil
}

// formatValue quotes values that would otherwise break the record.
func formatValue(v string) string {
	if v == "" || strings.ContainsAny(v, ";\"\r\n") || strings.TrimSpace(v) != v {
		return quote(v)
	}
	return v
}

func quote(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
