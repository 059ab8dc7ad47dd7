// Package measurement defines the fixed set of supported measurement types.
// Each type has a stable numeric ID that is mirrored into the database
// reference table at startup; the persisted set must never diverge from the
// set defined here.
package measurement

import (
	"errors"
	"fmt"
)

// Type identifies a kind of sensor measurement. The string value is stable
// and URL-safe.
type Type string

const (
	AmbientTemperature Type = "ambient_temperature"
	RelativeHumidity   Type = "relative_humidity"
)

// ErrUnknownType reports a measurement type outside the supported set.
var ErrUnknownType = errors.New("unknown measurement type")

// ordered list defines the stable IDs: position+1.
var ordered = []Type{
	AmbientTemperature,
	RelativeHumidity,
}

var idByType = func() map[Type]int {
	m := make(map[Type]int, len(ordered))
	for i, t := range ordered {
		m[t] = i + 1
	}
	return m
}()

// All returns every supported measurement type in stable ID order.
func All() []Type {
	out := make([]Type, len(ordered))
	copy(out, ordered)
	return out
}

// ID returns the stable numeric ID of the type.
func (t Type) ID() (int, error) {
	id, ok := idByType[t]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownType, string(t))
	}
	return id, nil
}

// Valid reports whether t is part of the supported set.
func (t Type) Valid() bool {
	_, ok := idByType[t]
	return ok
}

// FromID returns the type with the given stable ID.
func FromID(id int) (Type, error) {
	if id < 1 || id > len(ordered) {
		return "", fmt.Errorf("%w: id %d", ErrUnknownType, id)
	}
	return ordered[id-1], nil
}

// Parse converts a raw string into a supported type.
func Parse(raw string) (Type, error) {
	t := Type(raw)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, raw)
	}
	return t, nil
}

// ParseList converts raw strings into supported types, failing on the first
// unknown entry. An empty input yields nil, which callers treat as "all
// types".
func ParseList(raw []string) ([]Type, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	types := make([]Type, 0, len(raw))
	for _, r := range raw {
		t, err := Parse(r)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
	}
	return types, nil
}
