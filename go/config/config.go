// Package config provides JSON5 config file loading with reflection-based
// validation of required fields.
package config

import (
	"encoding/json"
	"io"
	"reflect"
	"time"

	"github.com/flynn/json5"

	"go.scholarhound.org/scholarhound/go/skerr"
	"go.scholarhound.org/scholarhound/go/util"
)

// Duration allows us to supply a duration as a human readable string, e.g.
// "5m" or "2h" in config files.
type Duration struct {
	time.Duration
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return skerr.Wrap(err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return skerr.Wrapf(err, "parsing duration %q", s)
	}
	d.Duration = parsed
	return nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// LoadFromJSON5 reads the contents of path and tries to decode the JSON5
// there into the provided struct. The passed in struct pointer is expected
// to have "json" struct tags for all fields. An error will be returned if
// any non-struct, non-bool field is its zero value *unless* it is tagged
// with `optional:"true"`.
func LoadFromJSON5(dst interface{}, path string) error {
	rType := reflect.TypeOf(dst).Elem()
	if rType.Kind() != reflect.Struct {
		return skerr.Fmt("Input must be a pointer to a struct, got %T", dst)
	}
	err := util.WithReadFile(path, func(r io.Reader) error {
		return json5.NewDecoder(r).Decode(&dst)
	})
	if err != nil {
		return skerr.Wrapf(err, "reading config at %s", path)
	}
	rValue := reflect.Indirect(reflect.ValueOf(dst))
	return checkRequired(rValue)
}

// checkRequired returns an error if any non-struct, non-bool fields of the
// given value have a zero value *unless* they have an optional tag with
// value true.
func checkRequired(rValue reflect.Value) error {
	rType := rValue.Type()
	for i := 0; i < rValue.NumField(); i++ {
		field := rType.Field(i)
		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(Duration{}) {
			if err := checkRequired(rValue.Field(i)); err != nil {
				return err
			}
			continue
		}
		if field.Type.Kind() == reflect.Bool {
			// For ease of use, booleans aren't compared against their zero
			// value, since that would effectively make them required to be
			// true always.
			continue
		}
		isJSON := field.Tag.Get("json")
		if isJSON == "" {
			continue
		}
		isOptional := field.Tag.Get("optional")
		if isOptional == "true" {
			continue
		}
		// defaults to being required
		if rValue.Field(i).IsZero() {
			return skerr.Fmt("Required %s to be non-zero", field.Name)
		}
	}
	return nil
}
