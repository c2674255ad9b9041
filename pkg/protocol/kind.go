package protocol

import (
	"fmt"
	"strings"
)

// Kind is the primitive kind of a message argument.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindBool
	KindInt8
	KindInt16
	KindInt32
	KindInt64
	KindUint8
	KindUint16
	KindUint32
	KindUint64
	KindFloat32
	KindFloat64
	KindString
)

var kindNames = map[Kind]string{
	KindBool:    "bool",
	KindInt8:    "int8",
	KindInt16:   "int16",
	KindInt32:   "int32",
	KindInt64:   "int64",
	KindUint8:   "uint8",
	KindUint16:  "uint16",
	KindUint32:  "uint32",
	KindUint64:  "uint64",
	KindFloat32: "float32",
	KindFloat64: "float64",
	KindString:  "string",
}

// kindAliases accepts legacy schema kind names.
var kindAliases = map[string]Kind{
	"boolean": KindBool,
	"byte":    KindInt8,
	"short":   KindInt16,
	"int":     KindInt32,
	"long":    KindInt64,
	"float":   KindFloat32,
	"double":  KindFloat64,
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// ParseKind parses a schema kind such as "int32", "string" or "float64[]".
func ParseKind(s string) (kind Kind, array bool, err error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if strings.HasSuffix(s, "[]") {
		array = true
		s = strings.TrimSuffix(s, "[]")
	}
	if k, ok := kindAliases[s]; ok {
		return k, array, nil
	}
	for k, name := range kindNames {
		if name == s {
			return k, array, nil
		}
	}
	return KindInvalid, false, fmt.Errorf("unknown argument kind %q", s)
}

// ArgSpec describes one argument of a message type.
type ArgSpec struct {
	Name    string
	Kind    Kind
	Array   bool
	Encrypt bool
}

func (a ArgSpec) String() string {
	if a.Array {
		return a.Name + ":" + a.Kind.String() + "[]"
	}
	return a.Name + ":" + a.Kind.String()
}

// Accepts reports whether v has the Go type this argument carries.
func (a ArgSpec) Accepts(v any) bool {
	if a.Array {
		switch a.Kind {
		case KindBool:
			_, ok := v.([]bool)
			return ok
		case KindInt8:
			_, ok := v.([]int8)
			return ok
		case KindInt16:
			_, ok := v.([]int16)
			return ok
		case KindInt32:
			_, ok := v.([]int32)
			return ok
		case KindInt64:
			_, ok := v.([]int64)
			return ok
		case KindUint8:
			_, ok := v.([]uint8)
			return ok
		case KindUint16:
			_, ok := v.([]uint16)
			return ok
		case KindUint32:
			_, ok := v.([]uint32)
			return ok
		case KindUint64:
			_, ok := v.([]uint64)
			return ok
		case KindFloat32:
			_, ok := v.([]float32)
			return ok
		case KindFloat64:
			_, ok := v.([]float64)
			return ok
		case KindString:
			_, ok := v.([]string)
			return ok
		}
		return false
	}

	switch a.Kind {
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindInt8:
		_, ok := v.(int8)
		return ok
	case KindInt16:
		_, ok := v.(int16)
		return ok
	case KindInt32:
		_, ok := v.(int32)
		return ok
	case KindInt64:
		_, ok := v.(int64)
		return ok
	case KindUint8:
		_, ok := v.(uint8)
		return ok
	case KindUint16:
		_, ok := v.(uint16)
		return ok
	case KindUint32:
		_, ok := v.(uint32)
		return ok
	case KindUint64:
		_, ok := v.(uint64)
		return ok
	case KindFloat32:
		_, ok := v.(float32)
		return ok
	case KindFloat64:
		_, ok := v.(float64)
		return ok
	case KindString:
		_, ok := v.(string)
		return ok
	}
	return false
}
