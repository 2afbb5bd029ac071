package ebd

import (
	"fmt"
	"time"
)

// Channel selects which historical log an export reads.
type Channel int

const (
	// Standard covers boolean, float, integer and dword tags.
	Standard Channel = iota
	// StringHistory covers string tags.
	StringHistory
)

func (c Channel) String() string {
	switch c {
	case Standard:
		return "standard"
	case StringHistory:
		return "string"
	default:
		return fmt.Sprintf("Channel(%d)", int(c))
	}
}

// TimeLayout is the device's required timestamp format for export descriptors.
const TimeLayout = "02/01/2006_15:04:05"

// FormatTime converts epoch milliseconds to the device export time format.
// A nil location formats in UTC.
func FormatTime(ms int64, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	return time.UnixMilli(ms).In(loc).Format(TimeLayout)
}

// Descriptor builds the export block descriptor for a historical log slice.
//
//	$dtHL  data type historical log ($dtHT for string history)
//	$ftT   file type text
//	$st    start time
//	$et    end time
//	$fl    tag group filter, e.g. ABCD
func Descriptor(start, end string, groups GroupMask, channel Channel) (string, error) {
	if groups.Empty() {
		return "", ErrNoTagGroups
	}

	dataType := "HL"
	if channel == StringHistory {
		dataType = "HT"
	}

	return fmt.Sprintf("$dt%s$ftT$st%s$et%s$fl%s", dataType, start, end, groups), nil
}
