package replay

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// PayloadFuncs returns CEL environment options for looking inside record
// payloads.
//
// Functions:
//   - u8(bytes, int) -> int: byte at offset
//   - u16le(bytes, int) -> int: little endian uint16 at offset
//   - u32le(bytes, int) -> int: little endian uint32 at offset
//   - hex(bytes) -> string
//   - xxhash(bytes) -> string: xxHash64 as hex
//
// Reads past the end of the payload are evaluation errors, which a Filter
// treats as no match.
func PayloadFuncs() cel.EnvOption {
	return cel.Lib(&payloadLib{})
}

type payloadLib struct{}

func (l *payloadLib) LibraryName() string {
	return "flashlog.payload"
}

func (l *payloadLib) CompileOptions() []cel.EnvOption {
	return []cel.EnvOption{
		cel.Function("u8",
			cel.Overload("u8_bytes_int",
				[]*cel.Type{cel.BytesType, cel.IntType},
				cel.IntType,
				cel.BinaryBinding(func(b, off ref.Val) ref.Val {
					p, ok := window(b, off, 1)
					if !ok {
						return types.NewErr("u8: offset %d out of range", int64(off.(types.Int)))
					}
					return types.Int(p[0])
				}),
			),
		),
		cel.Function("u16le",
			cel.Overload("u16le_bytes_int",
				[]*cel.Type{cel.BytesType, cel.IntType},
				cel.IntType,
				cel.BinaryBinding(func(b, off ref.Val) ref.Val {
					p, ok := window(b, off, 2)
					if !ok {
						return types.NewErr("u16le: offset %d out of range", int64(off.(types.Int)))
					}
					return types.Int(binary.LittleEndian.Uint16(p))
				}),
			),
		),
		cel.Function("u32le",
			cel.Overload("u32le_bytes_int",
				[]*cel.Type{cel.BytesType, cel.IntType},
				cel.IntType,
				cel.BinaryBinding(func(b, off ref.Val) ref.Val {
					p, ok := window(b, off, 4)
					if !ok {
						return types.NewErr("u32le: offset %d out of range", int64(off.(types.Int)))
					}
					return types.Int(binary.LittleEndian.Uint32(p))
				}),
			),
		),
		cel.Function("hex",
			cel.Overload("hex_bytes",
				[]*cel.Type{cel.BytesType},
				cel.StringType,
				cel.UnaryBinding(func(b ref.Val) ref.Val {
					return types.String(hex.EncodeToString([]byte(b.(types.Bytes))))
				}),
			),
		),
		cel.Function("xxhash",
			cel.Overload("xxhash_bytes",
				[]*cel.Type{cel.BytesType},
				cel.StringType,
				cel.UnaryBinding(func(b ref.Val) ref.Val {
					sum := xxhash.Sum64([]byte(b.(types.Bytes)))
					return types.String(strconv.FormatUint(sum, 16))
				}),
			),
		),
	}
}

func (l *payloadLib) ProgramOptions() []cel.ProgramOption {
	return nil
}

func window(b, off ref.Val, n int64) ([]byte, bool) {
	p := []byte(b.(types.Bytes))
	o := int64(off.(types.Int))
	if o < 0 || o+n > int64(len(p)) {
		return nil, false
	}
	return p[o : o+n], true
}
