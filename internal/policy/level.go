// Package policy holds the layered permission tables that decide how much
// human involvement a tool call needs. The admin layer is set by the operator;
// the user layer only ever tightens in response to observed rejections.
package policy

import (
	"fmt"
	"strings"
)

// Level is an ordered risk tier. Higher values need more human involvement.
type Level int

const (
	Auto Level = iota
	Notify
	Confirm
	Approve
)

var levelNames = [...]string{"auto", "notify", "confirm", "approve"}

func (l Level) String() string {
	if l < Auto || l > Approve {
		return fmt.Sprintf("level(%d)", int(l))
	}
	return levelNames[l]
}

// Valid reports whether l is one of the four defined levels.
func (l Level) Valid() bool {
	return l >= Auto && l <= Approve
}

// ParseLevel converts a config string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto":
		return Auto, nil
	case "notify":
		return Notify, nil
	case "confirm":
		return Confirm, nil
	case "approve":
		return Approve, nil
	}
	return Confirm, fmt.Errorf("unknown permission level %q", s)
}

// ParseLevelOrConfirm is ParseLevel that fails closed to Confirm.
func ParseLevelOrConfirm(s string) Level {
	l, _ := ParseLevel(s)
	return l
}

// Max returns the stricter of a and b.
func Max(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(b []byte) error {
	v, err := ParseLevel(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}
