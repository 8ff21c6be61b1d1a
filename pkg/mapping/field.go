package mapping

import (
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/mesh-intelligence/ledger/pkg/types"
)

// Kind is the storage kind of a scalar field.
type Kind int

// Scalar kinds.
const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	default:
		return "unknown"
	}
}

// Field maps one scalar struct field to one column.
type Field struct {
	Name   string
	Column string
	Kind   Kind

	owner reflect.Type
	get   func(e any) any
	set   func(e any, v any) error
}

// Get returns the current Go value of the field on e.
func (f *Field) Get(e any) any { return f.get(e) }

// Set assigns a stored value to the field on e, converting from the value
// types database drivers return.
func (f *Field) Set(e any, v any) error {
	if err := f.set(e, v); err != nil {
		return fmt.Errorf("field %s: %w", f.Name, err)
	}
	return nil
}

// Equal reports whether two values of this field's kind are the same.
func (f *Field) Equal(a, b any) bool {
	return Equal(f.Kind, a, b)
}

// Equal compares two field values of the given kind. Times compare by
// instant, ignoring location and monotonic readings.
func Equal(k Kind, a, b any) bool {
	if k == KindTime {
		ta, aok := a.(time.Time)
		tb, bok := b.(time.Time)
		if aok && bok {
			return ta.Equal(tb)
		}
	}
	return a == b
}

func newField[T any, V any](name, column string, kind Kind, ptr func(*T) *V, conv func(any) (V, error)) *Field {
	return &Field{
		Name:   name,
		Column: column,
		Kind:   kind,
		owner:  reflect.TypeFor[*T](),
		get: func(e any) any {
			return *ptr(e.(*T))
		},
		set: func(e any, v any) error {
			val, err := conv(v)
			if err != nil {
				return err
			}
			*ptr(e.(*T)) = val
			return nil
		},
	}
}

func toString(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "", nil
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case fmt.Stringer:
		return x.String(), nil
	default:
		return "", fmt.Errorf("%w: cannot convert %T to string", types.ErrInvalidEntity, v)
	}
}

func toInt(v any) (int64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	default:
		return 0, fmt.Errorf("%w: cannot convert %T to int", types.ErrInvalidEntity, v)
	}
}

func toFloat(v any) (float64, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case int:
		return float64(x), nil
	case string:
		return strconv.ParseFloat(x, 64)
	case []byte:
		return strconv.ParseFloat(string(x), 64)
	default:
		return 0, fmt.Errorf("%w: cannot convert %T to float", types.ErrInvalidEntity, v)
	}
}

func toBool(v any) (bool, error) {
	switch x := v.(type) {
	case nil:
		return false, nil
	case bool:
		return x, nil
	case int64:
		return x != 0, nil
	case int:
		return x != 0, nil
	case string:
		return strconv.ParseBool(x)
	case []byte:
		return strconv.ParseBool(string(x))
	default:
		return false, fmt.Errorf("%w: cannot convert %T to bool", types.ErrInvalidEntity, v)
	}
}

func toTime(v any) (time.Time, error) {
	switch x := v.(type) {
	case nil:
		return time.Time{}, nil
	case time.Time:
		return x, nil
	case string:
		if x == "" {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, x)
	case []byte:
		if len(x) == 0 {
			return time.Time{}, nil
		}
		return time.Parse(time.RFC3339Nano, string(x))
	default:
		return time.Time{}, fmt.Errorf("%w: cannot convert %T to time", types.ErrInvalidEntity, v)
	}
}
