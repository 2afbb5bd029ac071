package parser

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/nicktill/histqueue/pkg/datapoint"
	"github.com/nicktill/histqueue/pkg/tags"
)

// ErrParse marks a record that could not be turned into a data point.
var ErrParse = errors.New("historical log parse error")

// Column layout of an exported historical log record:
//
//	"TagId";"TimeInt";"TimeStr";"IsInitValue";"Value";"IQuality"
//	247;1582557658;"24/02/2020 15:20:58";0;0;3
const (
	ColTagID = iota
	ColTimeInt
	ColTimeStr
	ColIsInitValue
	ColValue
	ColQuality

	NumColumns
)

// Delimiter separates columns in a record.
const Delimiter = ';'

// Tokenize splits one record into fields. Quoted fields may contain the
// delimiter and are returned without their surrounding quotes; a doubled
// quote inside a quoted field is a literal quote. Unterminated or stray
// quotes are an error.
func Tokenize(line string) ([]string, error) {
	r := newReader(strings.NewReader(line))
	fields, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return fields, nil
}

func newReader(r io.Reader) *csv.Reader {
	reader := csv.NewReader(r)
	reader.Comma = Delimiter
	reader.FieldsPerRecord = -1
	return reader
}

// Options configures a Parser.
type Options struct {
	// LinesPerSecond paces ParseArtifact so long parses yield to other
	// work. Zero disables pacing.
	LinesPerSecond float64
	// Burst is the number of lines parsed back to back before pacing kicks in.
	Burst int
}

// Parser converts exported historical log records into data points.
type Parser struct {
	registry tags.Registry
	limiter  *rate.Limiter
}

// New creates a parser resolving tags through registry.
func New(registry tags.Registry, opts Options) *Parser {
	p := &Parser{registry: registry}
	if opts.LinesPerSecond > 0 {
		burst := opts.Burst
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(opts.LinesPerSecond), burst)
	}
	return p
}

// ParseLine parses a single record.
func (p *Parser) ParseLine(ctx context.Context, line string) (datapoint.DataPoint, error) {
	fields, err := Tokenize(line)
	if err != nil {
		return nil, err
	}
	return p.parseFields(ctx, fields)
}

// ParseArtifact parses every record of an export artifact in file order.
// The first line is a header and is skipped. Any bad record aborts the
// whole parse, since a partial window can't be trusted.
func (p *Parser) ParseArtifact(ctx context.Context, r io.Reader) ([]datapoint.DataPoint, error) {
	reader := newReader(r)
	reader.ReuseRecord = true

	var points []datapoint.DataPoint
	for n := 0; ; n++ {
		fields, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParse, err)
		}
		if n == 0 {
			continue
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		} else if err := ctx.Err(); err != nil {
			return nil, err
		}

		point, err := p.parseFields(ctx, fields)
		if err != nil {
			line, _ := reader.FieldPos(0)
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		points = append(points, point)
	}

	return points, nil
}

// parseFields builds a data point once every column of the record is known.
func (p *Parser) parseFields(ctx context.Context, fields []string) (datapoint.DataPoint, error) {
	if len(fields) != NumColumns {
		return nil, fmt.Errorf("%w: expected %d columns, got %d", ErrParse, NumColumns, len(fields))
	}

	rawID := strings.TrimSpace(fields[ColTagID])
	tagID, err := strconv.Atoi(rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid tag id %q", ErrParse, rawID)
	}
	timeInt := strings.TrimSpace(fields[ColTimeInt])
	value := fields[ColValue]

	info, err := p.resolve(ctx, tagID)
	if err != nil {
		return nil, err
	}

	switch info.Type {
	case datapoint.BooleanType:
		return datapoint.NewBoolean(info.Name, strings.TrimSpace(value) == "1", timeInt), nil
	case datapoint.FloatType:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 32)
		if err != nil {
			return nil, fmt.Errorf("%w: tag %q: invalid float %q", ErrParse, info.Name, value)
		}
		return datapoint.NewFloat(info.Name, float32(f), timeInt), nil
	case datapoint.IntegerType:
		i, err := strconv.ParseInt(strings.TrimSpace(value), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("%w: tag %q: invalid integer %q", ErrParse, info.Name, value)
		}
		return datapoint.NewInteger(info.Name, int32(i), timeInt), nil
	case datapoint.DwordType:
		d, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: tag %q: invalid dword %q", ErrParse, info.Name, value)
		}
		return datapoint.NewDword(info.Name, d, timeInt), nil
	case datapoint.StringType:
		return datapoint.NewString(info.Name, value, timeInt), nil
	default:
		return nil, fmt.Errorf("%w: tag %q has unsupported type %q", ErrParse, info.Name, info.Type)
	}
}

// resolve looks a tag up, loading the registry on first use.
func (p *Parser) resolve(ctx context.Context, id int) (tags.Info, error) {
	if !p.registry.IsPopulated() {
		if err := p.registry.Refresh(ctx); err != nil {
			return tags.Info{}, err
		}
	}
	info, ok := p.registry.Lookup(id)
	if !ok {
		return tags.Info{}, fmt.Errorf("%w: unknown tag id %d (lowest id %d)", ErrParse, id, p.registry.LowestID())
	}
	return info, nil
}
