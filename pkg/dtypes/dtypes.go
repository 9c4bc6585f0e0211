package dtypes

import (
	"fmt"
	"strings"
)

// DataType tags the element type of a tensor.
type DataType int

const (
	Invalid DataType = iota
	Float32
	Float16
	Int32
	Int64
	Uint8
)

var names = map[DataType]string{
	Float32: "float32",
	Float16: "float16",
	Int32:   "int32",
	Int64:   "int64",
	Uint8:   "uint8",
}

// Size returns the number of bytes of one element.
func (d DataType) Size() int {
	switch d {
	case Float32, Int32:
		return 4
	case Float16:
		return 2
	case Int64:
		return 8
	case Uint8:
		return 1
	default:
		return 0
	}
}

func (d DataType) String() string {
	if name, ok := names[d]; ok {
		return name
	}
	return fmt.Sprintf("DataType(%d)", int(d))
}

// Parse maps a lower-case type name (as produced by String) back to a DataType.
func Parse(s string) (DataType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for d, name := range names {
		if name == s {
			return d, nil
		}
	}
	return Invalid, fmt.Errorf("unknown data type %q", s)
}

func (d DataType) MarshalText() ([]byte, error) {
	if _, ok := names[d]; !ok {
		return nil, fmt.Errorf("cannot marshal %v", d)
	}
	return []byte(d.String()), nil
}

func (d *DataType) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}
