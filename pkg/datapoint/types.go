package datapoint

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TagType is the declared type of a device tag.
type TagType string

const (
	BooleanType TagType = "boolean"
	FloatType   TagType = "float"
	IntegerType TagType = "integer"
	DwordType   TagType = "dword"
	StringType  TagType = "string"
)

// ParseTagType parses a tag type name. Device tag lists use either the
// names above or the numeric codes 0-3 (boolean, float, integer, dword)
// and 6 (string).
func ParseTagType(s string) (TagType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "boolean", "bool", "0":
		return BooleanType, nil
	case "float", "1":
		return FloatType, nil
	case "integer", "int", "2":
		return IntegerType, nil
	case "dword", "3":
		return DwordType, nil
	case "string", "6":
		return StringType, nil
	}
	return "", fmt.Errorf("unknown tag type %q", s)
}

// DataPoint is a single typed value read from the historical log.
// Values are immutable once constructed.
type DataPoint interface {
	TagName() string
	Type() TagType
	// Value returns the typed value: bool, float32, int32, int64 or string.
	Value() any
	// RawTime is the integer timestamp text exactly as exported.
	RawTime() string
	// Time converts RawTime (epoch seconds) to a time.Time. The zero time is
	// returned if RawTime is not numeric.
	Time() time.Time
	// ValueString formats the value the way the device exports it.
	ValueString() string
}

type base struct {
	name    string
	rawTime string
}

func (b base) TagName() string { return b.name }
func (b base) RawTime() string { return b.rawTime }

func (b base) Time() time.Time {
	secs, err := strconv.ParseInt(b.rawTime, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(secs, 0).UTC()
}

// Boolean is a data point for a boolean tag.
type Boolean struct {
	base
	value bool
}

// NewBoolean creates a boolean data point.
func NewBoolean(name string, value bool, rawTime string) Boolean {
	return Boolean{base: base{name: name, rawTime: rawTime}, value: value}
}

func (p Boolean) Type() TagType { return BooleanType }
func (p Boolean) Value() any    { return p.value }
func (p Boolean) Bool() bool    { return p.value }

func (p Boolean) ValueString() string {
	if p.value {
		return "1"
	}
	return "0"
}

// Float is a data point for a float tag.
type Float struct {
	base
	value float32
}

// NewFloat creates a float data point.
func NewFloat(name string, value float32, rawTime string) Float {
	return Float{base: base{name: name, rawTime: rawTime}, value: value}
}

func (p Float) Type() TagType       { return FloatType }
func (p Float) Value() any          { return p.value }
func (p Float) Float32() float32    { return p.value }
func (p Float) ValueString() string { return strconv.FormatFloat(float64(p.value), 'f', -1, 32) }

// Integer is a data point for an integer tag.
type Integer struct {
	base
	value int32
}

// NewInteger creates an integer data point.
func NewInteger(name string, value int32, rawTime string) Integer {
	return Integer{base: base{name: name, rawTime: rawTime}, value: value}
}

func (p Integer) Type() TagType       { return IntegerType }
func (p Integer) Value() any          { return p.value }
func (p Integer) Int32() int32        { return p.value }
func (p Integer) ValueString() string { return strconv.FormatInt(int64(p.value), 10) }

// Dword is a data point for a dword tag.
type Dword struct {
	base
	value int64
}

// NewDword creates a dword data point.
func NewDword(name string, value int64, rawTime string) Dword {
	return Dword{base: base{name: name, rawTime: rawTime}, value: value}
}

func (p Dword) Type() TagType       { return DwordType }
func (p Dword) Value() any          { return p.value }
func (p Dword) Int64() int64        { return p.value }
func (p Dword) ValueString() string { return strconv.FormatInt(p.value, 10) }

// String is a data point for a string tag.
type String struct {
	base
	value string
}

// NewString creates a string data point.
func NewString(name string, value string, rawTime string) String {
	return String{base: base{name: name, rawTime: rawTime}, value: value}
}

func (p String) Type() TagType       { return StringType }
func (p String) Value() any          { return p.value }
func (p String) Text() string        { return p.value }
func (p String) ValueString() string { return p.value }

// Record is the serialisable form of a DataPoint.
type Record struct {
	Name      string    `json:"name"`
	Type      TagType   `json:"type"`
	Value     any       `json:"value"`
	RawTime   string    `json:"raw_time"`
	Timestamp time.Time `json:"timestamp"`
}

// ToRecord converts a data point for encoding.
func ToRecord(p DataPoint) Record {
	return Record{
		Name:      p.TagName(),
		Type:      p.Type(),
		Value:     p.Value(),
		RawTime:   p.RawTime(),
		Timestamp: p.Time(),
	}
}

// ToRecords converts a slice of data points for encoding.
func ToRecords(points []DataPoint) []Record {
	records := make([]Record, len(points))
	for i, p := range points {
		records[i] = ToRecord(p)
	}
	return records
}
