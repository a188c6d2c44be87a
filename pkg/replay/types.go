package replay

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

type ExprType int

const (
	ExprTypeUnknown ExprType = iota
	ExprTypeBool
	ExprTypeInt
	ExprTypeUint
	ExprTypeString
	ExprTypeBytes
	ExprTypeList
	ExprTypeMap
	ExprTypeDyn
)

func (t ExprType) String() string {
	switch t {
	case ExprTypeBool:
		return "bool"
	case ExprTypeInt:
		return "int"
	case ExprTypeUint:
		return "uint"
	case ExprTypeString:
		return "string"
	case ExprTypeBytes:
		return "bytes"
	case ExprTypeList:
		return "list"
	case ExprTypeMap:
		return "map"
	case ExprTypeDyn:
		return "dyn"
	default:
		return "unknown"
	}
}

type CompiledExpr struct {
	source     string
	program    cel.Program
	outputType ExprType
}

func (c *CompiledExpr) Source() string       { return c.source }
func (c *CompiledExpr) OutputType() ExprType { return c.outputType }

func exprTypeFromCEL(t *cel.Type) ExprType {
	if t == nil {
		return ExprTypeUnknown
	}
	switch t {
	case cel.BoolType:
		return ExprTypeBool
	case cel.IntType:
		return ExprTypeInt
	case cel.UintType:
		return ExprTypeUint
	case cel.StringType:
		return ExprTypeString
	case cel.BytesType:
		return ExprTypeBytes
	case cel.DynType:
		return ExprTypeDyn
	default:
		switch t.Kind() {
		case cel.ListKind:
			return ExprTypeList
		case cel.MapKind:
			return ExprTypeMap
		default:
			return ExprTypeDyn
		}
	}
}

func asBool(v any) (bool, error) {
	if b, ok := v.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("expected bool, got %T", v)
}
