package tags

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/nicktill/histqueue/pkg/datapoint"
	"github.com/nicktill/histqueue/pkg/ebd"
)

// FileSource reads a semicolon-delimited tag list export. The header row
// must name "Id", "Name" and "Type" columns; a "Group" column is optional.
//
//	"Id";"Name";"Type";"Group"
//	247;"Pump_Running";"boolean";"A"
type FileSource struct {
	Path string
}

// Tags reads and parses the tag list file.
func (s FileSource) Tags(ctx context.Context) ([]Info, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadList(ctx, f)
}

// ReadList parses a tag list from r.
func ReadList(ctx context.Context, r io.Reader) ([]Info, error) {
	reader := csv.NewReader(r)
	reader.Comma = ';'
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("tag list is empty")
		}
		return nil, fmt.Errorf("failed to read tag list header: %w", err)
	}

	cols := map[string]int{}
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"id", "name", "type"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("tag list header missing %q column", required)
		}
	}
	groupCol, hasGroup := cols["group"]

	var list []Info
	for line := 2; ; line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("tag list line %d: %w", line, err)
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}

		field := func(name string) string {
			idx := cols[name]
			if idx >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[idx])
		}

		id, err := strconv.Atoi(field("id"))
		if err != nil {
			return nil, fmt.Errorf("tag list line %d: invalid id %q", line, field("id"))
		}
		tagType, err := datapoint.ParseTagType(field("type"))
		if err != nil {
			return nil, fmt.Errorf("tag list line %d: %w", line, err)
		}

		info := Info{ID: id, Name: field("name"), Type: tagType}
		if hasGroup && groupCol < len(record) && strings.TrimSpace(record[groupCol]) != "" {
			g, err := ebd.ParseGroup(record[groupCol])
			if err != nil {
				return nil, fmt.Errorf("tag list line %d: %w", line, err)
			}
			info.Group = g
		}
		list = append(list, info)
	}

	return list, nil
}
