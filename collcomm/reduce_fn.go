package collcomm

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/unixpickle/blinkplus/simulator"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// FlopTime is the amount of virtual time it takes to
// perform a single element-wise operation.
const FlopTime = 1e-9

// ErrUnsupported is wrapped by NewReduceFn errors.
var ErrUnsupported = errors.New("unsupported reduction")

// A ReduceOp is an element-wise reduction operator.
type ReduceOp int

const (
	Sum ReduceOp = iota
	Prod
	Max
	Min
)

func (r ReduceOp) String() string {
	switch r {
	case Sum:
		return "sum"
	case Prod:
		return "prod"
	case Max:
		return "max"
	case Min:
		return "min"
	}
	return fmt.Sprintf("ReduceOp(%d)", int(r))
}

// A ReduceFn is an operation that reduces many vectors
// into a single vector.
//
// Vectors are raw bytes holding elements of one data type.
// The result is a new vector; inputs are never modified.
type ReduceFn func(h *simulator.Handle, vecs ...[]byte) []byte

// ElemSize returns the size in bytes of one element of a
// data type, or 0 if the type has no fixed size.
func ElemSize(dtype dtypes.DType) int {
	switch dtype {
	case dtypes.Bool, dtypes.S8, dtypes.U8:
		return 1
	case dtypes.S16, dtypes.U16, dtypes.F16, dtypes.BFloat16:
		return 2
	case dtypes.S32, dtypes.U32, dtypes.F32:
		return 4
	case dtypes.S64, dtypes.U64, dtypes.F64:
		return 8
	}
	return int(dtype.Memory())
}

// NewReduceFn creates a ReduceFn applying op to vectors of
// the given data type.
func NewReduceFn(dtype dtypes.DType, op ReduceOp) (ReduceFn, error) {
	if op < Sum || op > Min {
		return nil, errors.Wrapf(ErrUnsupported, "unknown operator %d", int(op))
	}
	var kernel func(dst, src []byte)
	switch dtype {
	case dtypes.S8:
		kernel = numberKernel[int8](op)
	case dtypes.S16:
		kernel = numberKernel[int16](op)
	case dtypes.S32:
		kernel = numberKernel[int32](op)
	case dtypes.S64:
		kernel = numberKernel[int64](op)
	case dtypes.U8:
		kernel = numberKernel[uint8](op)
	case dtypes.U16:
		kernel = numberKernel[uint16](op)
	case dtypes.U32:
		kernel = numberKernel[uint32](op)
	case dtypes.U64:
		kernel = numberKernel[uint64](op)
	case dtypes.F32:
		kernel = numberKernel[float32](op)
	case dtypes.F64:
		kernel = numberKernel[float64](op)
	case dtypes.F16:
		kernel = halfKernel(op, float16.Float16.Float32, float16.Fromfloat32)
	case dtypes.BFloat16:
		kernel = halfKernel(op, bfloat16.BFloat16.Float32, bfloat16.FromFloat32)
	default:
		return nil, errors.Wrapf(ErrUnsupported, "data type %s", dtype)
	}
	return makeReduceFn(ElemSize(dtype), kernel), nil
}

func makeReduceFn(elemSize int, kernel func(dst, src []byte)) ReduceFn {
	return func(h *simulator.Handle, vecs ...[]byte) []byte {
		for _, v := range vecs[1:] {
			if len(v) != len(vecs[0]) {
				exceptions.Panicf("mismatching lengths: %d and %d", len(v), len(vecs[0]))
			}
		}
		res := append([]byte{}, vecs[0]...)
		for _, v := range vecs[1:] {
			kernel(res, v)
		}

		// Simulate computation time.
		h.Sleep(FlopTime * float64(len(vecs)*len(vecs[0])/elemSize))

		return res
	}
}

type number interface {
	constraints.Integer | constraints.Float
}

func numberKernel[T number](op ReduceOp) func(dst, src []byte) {
	return func(dstBytes, srcBytes []byte) {
		dst, src := view[T](dstBytes), view[T](srcBytes)
		for i, x := range src {
			dst[i] = apply(op, dst[i], x)
		}
	}
}

// halfKernel reduces 16-bit floats by widening them to
// float32 one element at a time.
func halfKernel[T ~uint16](op ReduceOp, widen func(T) float32, narrow func(float32) T) func(dst, src []byte) {
	return func(dstBytes, srcBytes []byte) {
		dst, src := view[T](dstBytes), view[T](srcBytes)
		for i, x := range src {
			dst[i] = narrow(apply(op, widen(dst[i]), widen(x)))
		}
	}
}

func apply[T number](op ReduceOp, x, y T) T {
	switch op {
	case Sum:
		return x + y
	case Prod:
		return x * y
	case Max:
		return max(x, y)
	default:
		return min(x, y)
	}
}

// view reinterprets a byte slice as a slice of elements.
func view[T any](b []byte) []T {
	if len(b) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*T)(unsafe.Pointer(&b[0])), len(b)/int(unsafe.Sizeof(zero)))
}

// Bytes reinterprets a typed slice as raw bytes, without
// copying.
func Bytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	var zero T
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*int(unsafe.Sizeof(zero)))
}

// View reinterprets raw bytes as a typed slice, without
// copying.
func View[T any](b []byte) []T {
	return view[T](b)
}
