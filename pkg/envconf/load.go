// Package envconf fills a struct from environment variables.
//
// Fields are bound with `env:"NAME"`. A field without an `envDefault`
// tag is required. Nested structs (and pointers to structs) without an
// env tag are loaded recursively. Supported kinds: string, bool, ints,
// uints, floats, time.Duration, slices of those (comma separated), and
// anything implementing encoding.TextUnmarshaler.
package envconf

import (
	"encoding"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var (
	ErrMissingRequired = errors.New("missing required environment variable")
	ErrUnsupportedType = errors.New("unsupported field type")
)

var (
	durationType        = reflect.TypeOf(time.Duration(0))
	textUnmarshalerType = reflect.TypeOf((*encoding.TextUnmarshaler)(nil)).Elem()
)

// Load populates dst, which must be a non-nil pointer to a struct.
//
//nolint:gocognit
func Load(dst any) error {
	if dst == nil {
		return errors.New("destination is nil")
	}

	v := reflect.ValueOf(dst)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return errors.New("destination must be a non-nil pointer to a struct")
	}

	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return errors.New("destination must point to a struct")
	}

	t := v.Type()
	for i := range v.NumField() {
		sf := t.Field(i)
		fv := v.Field(i)

		if !sf.IsExported() {
			continue
		}

		tag := sf.Tag.Get("env")
		if tag == "-" {
			continue
		}

		if tag == "" {
			err := loadNested(sf, fv)
			if err != nil {
				return err
			}

			continue
		}

		raw, ok := os.LookupEnv(tag)
		if !ok || raw == "" {
			def, hasDefault := sf.Tag.Lookup("envDefault")
			if !hasDefault {
				if ok {
					return fmt.Errorf("%w: %s is empty (field %q)", ErrMissingRequired, tag, sf.Name)
				}

				return fmt.Errorf("%w: %s (field %q)", ErrMissingRequired, tag, sf.Name)
			}

			raw = def
		}

		err := setValue(fv, raw)
		if err != nil {
			return fmt.Errorf("parse %q for field %q: %w", tag, sf.Name, err)
		}
	}

	return nil
}

func loadNested(sf reflect.StructField, fv reflect.Value) error {
	switch {
	case fv.Kind() == reflect.Struct && sf.Type != durationType:
		err := Load(fv.Addr().Interface())
		if err != nil {
			return fmt.Errorf("load recursively %q: %w", sf.Name, err)
		}
	case fv.Kind() == reflect.Pointer && fv.Type().Elem().Kind() == reflect.Struct:
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}

		err := Load(fv.Interface())
		if err != nil {
			return fmt.Errorf("load recursively %q: %w", sf.Name, err)
		}
	}

	return nil
}

//nolint:gocognit,cyclop
func setValue(fv reflect.Value, raw string) error {
	if !fv.CanSet() {
		return fmt.Errorf("field not settable: %w", ErrUnsupportedType)
	}

	if fv.CanAddr() && fv.Addr().Type().Implements(textUnmarshalerType) {
		u, _ := fv.Addr().Interface().(encoding.TextUnmarshaler)

		err := u.UnmarshalText([]byte(raw))
		if err != nil {
			return fmt.Errorf("unmarshal text: %w", err)
		}

		return nil
	}

	switch fv.Kind() {
	case reflect.String:
		fv.SetString(raw)

		return nil
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("parse bool: %w", err)
		}

		fv.SetBool(b)

		return nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		if fv.Type() == durationType {
			d, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("parse duration: %w", err)
			}

			fv.SetInt(int64(d))

			return nil
		}

		i, err := strconv.ParseInt(raw, 10, fv.Type().Bits())
		if err != nil {
			return fmt.Errorf("parse int: %w", err)
		}

		fv.SetInt(i)

		return nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(raw, 10, fv.Type().Bits())
		if err != nil {
			return fmt.Errorf("parse uint: %w", err)
		}

		fv.SetUint(u)

		return nil
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(raw, fv.Type().Bits())
		if err != nil {
			return fmt.Errorf("parse float: %w", err)
		}

		fv.SetFloat(f)

		return nil
	case reflect.Slice:
		parts := strings.Split(raw, ",")
		out := reflect.MakeSlice(fv.Type(), 0, len(parts))

		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p == "" {
				continue
			}

			elem := reflect.New(fv.Type().Elem()).Elem()

			err := setValue(elem, p)
			if err != nil {
				return fmt.Errorf("parse slice element %q: %w", p, err)
			}

			out = reflect.Append(out, elem)
		}

		fv.Set(out)

		return nil
	case reflect.Pointer:
		if fv.IsNil() {
			fv.Set(reflect.New(fv.Type().Elem()))
		}

		err := setValue(fv.Elem(), raw)
		if err != nil {
			return fmt.Errorf("parse pointer: %w", err)
		}

		return nil
	default:
		return fmt.Errorf("unsupported type: %w", ErrUnsupportedType)
	}
}
