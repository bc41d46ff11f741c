package config

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
)

type field struct {
	get func() string
	set func(string) error
}

func jsonName(f reflect.StructField) string {
	tag := f.Tag.Get("json")
	if tag == "" || tag == "-" {
		return ""
	}
	return strings.Split(tag, ",")[0]
}

func optionNames() []string {
	t := reflect.TypeOf(HeapConfig{})
	names := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		if t.Field(i).Type.Kind() == reflect.Struct {
			continue
		}
		if n := jsonName(t.Field(i)); n != "" {
			names = append(names, n)
		}
	}
	return names
}

// fields maps option names onto accessors of c's scalar fields
func (c *HeapConfig) fields() map[string]field {
	v := reflect.ValueOf(c).Elem()
	t := v.Type()
	out := make(map[string]field, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		name := jsonName(t.Field(i))
		if name == "" {
			continue
		}
		fv := v.Field(i)
		switch fv.Kind() {
		case reflect.String:
			out[name] = field{
				get: fv.String,
				set: func(s string) error { fv.SetString(s); return nil },
			}
		case reflect.Bool:
			out[name] = field{
				get: func() string { return strconv.FormatBool(fv.Bool()) },
				set: func(s string) error {
					b, err := strconv.ParseBool(s)
					if err != nil {
						return fmt.Errorf("%s: %w", name, err)
					}
					fv.SetBool(b)
					return nil
				},
			}
		case reflect.Int:
			out[name] = field{
				get: func() string { return strconv.FormatInt(fv.Int(), 10) },
				set: func(s string) error {
					n, err := strconv.Atoi(s)
					if err != nil {
						return fmt.Errorf("%s: %w", name, err)
					}
					fv.SetInt(int64(n))
					return nil
				},
			}
		case reflect.Uint64:
			out[name] = field{
				get: func() string { return strconv.FormatUint(fv.Uint(), 10) },
				set: func(s string) error {
					n, err := ParseSize(s)
					if err != nil {
						return fmt.Errorf("%s: %w", name, err)
					}
					fv.SetUint(n)
					return nil
				},
			}
		case reflect.Float64:
			out[name] = field{
				get: func() string { return strconv.FormatFloat(fv.Float(), 'g', -1, 64) },
				set: func(s string) error {
					f, err := strconv.ParseFloat(s, 64)
					if err != nil {
						return fmt.Errorf("%s: %w", name, err)
					}
					fv.SetFloat(f)
					return nil
				},
			}
		}
	}
	return out
}
