package ebd

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrNoTagGroups is returned when an export is requested with no tag groups selected.
var ErrNoTagGroups = errors.New("cannot export historical logs with no tag groups selected")

// Group is one of the four independent tag partitions on the device.
type Group uint8

const (
	GroupA Group = 1 << iota
	GroupB
	GroupC
	GroupD
)

var groupLetters = []struct {
	group  Group
	letter byte
}{
	{GroupA, 'A'},
	{GroupB, 'B'},
	{GroupC, 'C'},
	{GroupD, 'D'},
}

// String returns the group letter.
func (g Group) String() string {
	for _, gl := range groupLetters {
		if gl.group == g {
			return string(gl.letter)
		}
	}
	return fmt.Sprintf("Group(%d)", uint8(g))
}

// ParseGroup parses a single group letter.
func ParseGroup(s string) (Group, error) {
	mask, err := ParseGroupMask(s)
	if err != nil {
		return 0, err
	}
	for _, gl := range groupLetters {
		if GroupMask(gl.group) == mask {
			return gl.group, nil
		}
	}
	return 0, fmt.Errorf("expected a single tag group, got %q", s)
}

// GroupMask is a set of tag groups.
type GroupMask uint8

// AllGroups selects groups A through D.
const AllGroups = GroupMask(GroupA | GroupB | GroupC | GroupD)

// NewGroupMask builds a mask from the four include flags.
func NewGroupMask(a, b, c, d bool) GroupMask {
	var m GroupMask
	if a {
		m |= GroupMask(GroupA)
	}
	if b {
		m |= GroupMask(GroupB)
	}
	if c {
		m |= GroupMask(GroupC)
	}
	if d {
		m |= GroupMask(GroupD)
	}
	return m
}

// ParseGroupMask parses letters like "ABD" (case-insensitive). An empty
// result is reported as ErrNoTagGroups.
func ParseGroupMask(s string) (GroupMask, error) {
	var m GroupMask
	for _, r := range strings.ToUpper(strings.TrimSpace(s)) {
		switch r {
		case 'A':
			m |= GroupMask(GroupA)
		case 'B':
			m |= GroupMask(GroupB)
		case 'C':
			m |= GroupMask(GroupC)
		case 'D':
			m |= GroupMask(GroupD)
		case ',', ' ':
		default:
			return 0, fmt.Errorf("unknown tag group %q", r)
		}
	}
	if m.Empty() {
		return 0, ErrNoTagGroups
	}
	return m, nil
}

// Empty reports whether no group is selected.
func (m GroupMask) Empty() bool {
	return m&AllGroups == 0
}

// Has reports whether g is in the mask.
func (m GroupMask) Has(g Group) bool {
	return m&GroupMask(g) != 0
}

// String returns the selected group letters in A-D order, e.g. "ABD".
func (m GroupMask) String() string {
	var b strings.Builder
	for _, gl := range groupLetters {
		if m.Has(gl.group) {
			b.WriteByte(gl.letter)
		}
	}
	return b.String()
}

// MarshalJSON encodes the mask as its letter string.
func (m GroupMask) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON decodes a letter string such as "ABCD".
func (m *GroupMask) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseGroupMask(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
