// Package reading implements the Reading envelope and its DatapointValue
// sum type: the typed container ingested from south plugins, transformed
// by filters, and persisted by the storage engine.
package reading

import (
	"encoding/base64"
	"errors"
	"fmt"
	"math"
)

// Kind tags the variant held by a DatapointValue. The tag unambiguously
// determines which accessor is valid; reading the wrong accessor for a
// Kind returns ok=false rather than panicking.
type Kind int

const (
	KindInteger Kind = iota
	KindFloat
	KindString
	KindFloatArray
	KindFloat2DArray
	KindDataBuffer
	KindImage
	KindDict
	KindList
)

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "INTEGER"
	case KindFloat:
		return "FLOAT"
	case KindString:
		return "STRING"
	case KindFloatArray:
		return "FLOAT_ARRAY"
	case KindFloat2DArray:
		return "FLOAT_2D_ARRAY"
	case KindDataBuffer:
		return "DATABUFFER"
	case KindImage:
		return "IMAGE"
	case KindDict:
		return "DICT"
	case KindList:
		return "LIST"
	default:
		return "UNKNOWN"
	}
}

// DataBuffer is the raw-bytes variant: a fixed item size, an item count,
// and the backing bytes (itemSize*count long).
type DataBuffer struct {
	ItemSize int
	Count    int
	Data     []byte
}

// Image is the raster variant.
type Image struct {
	Width     int
	Height    int
	DepthBits int
	Data      []byte
}

// ErrCyclicDatapoint is returned when a DICT/LIST child tree would form a
// cycle; DatapointValue trees must be finite.
var ErrCyclicDatapoint = errors.New("reading: cyclic datapoint value")

// DatapointValue is a tagged union over the nine supported value shapes.
// Zero value is not meaningful; use one of the New* constructors.
type DatapointValue struct {
	kind Kind

	i        int64
	f        float64
	s        string
	floatArr []float64
	float2D  [][]float64
	buf      DataBuffer
	img      Image
	children []Datapoint // DICT and LIST both nest named children
}

// Datapoint is one named value inside a Reading or inside a DICT/LIST.
type Datapoint struct {
	Name  string
	Value DatapointValue
}

func NewInteger(v int64) DatapointValue  { return DatapointValue{kind: KindInteger, i: v} }
func NewFloat(v float64) DatapointValue  { return DatapointValue{kind: KindFloat, f: v} }
func NewString(v string) DatapointValue  { return DatapointValue{kind: KindString, s: v} }
func NewFloatArray(v []float64) DatapointValue {
	return DatapointValue{kind: KindFloatArray, floatArr: append([]float64(nil), v...)}
}
func NewFloat2DArray(v [][]float64) DatapointValue {
	cp := make([][]float64, len(v))
	for i, row := range v {
		cp[i] = append([]float64(nil), row...)
	}
	return DatapointValue{kind: KindFloat2DArray, float2D: cp}
}
func NewDataBuffer(b DataBuffer) DatapointValue { return DatapointValue{kind: KindDataBuffer, buf: b} }
func NewImage(img Image) DatapointValue         { return DatapointValue{kind: KindImage, img: img} }

// NewDict and NewList both validate the child tree is finite (no shared
// pointers back to an ancestor) before accepting it; since Datapoint trees
// are built by value here, a cycle can only arise from a caller explicitly
// re-using the same slice in two places, which checkAcyclic detects by
// the identity of each children slice's backing array.
func NewDict(children []Datapoint) (DatapointValue, error) {
	if err := checkAcyclic(children, nil); err != nil {
		return DatapointValue{}, err
	}
	return DatapointValue{kind: KindDict, children: append([]Datapoint(nil), children...)}, nil
}

func NewList(children []Datapoint) (DatapointValue, error) {
	if err := checkAcyclic(children, nil); err != nil {
		return DatapointValue{}, err
	}
	return DatapointValue{kind: KindList, children: append([]Datapoint(nil), children...)}, nil
}

func checkAcyclic(children []Datapoint, ancestors []*Datapoint) error {
	if len(children) == 0 {
		return nil
	}
	hdr := &children[0]
	for _, a := range ancestors {
		if a == hdr {
			return ErrCyclicDatapoint
		}
	}
	next := append(ancestors, hdr)
	for _, c := range children {
		if c.Value.kind == KindDict || c.Value.kind == KindList {
			if err := checkAcyclic(c.Value.children, next); err != nil {
				return err
			}
		}
	}
	return nil
}

func (v DatapointValue) Kind() Kind { return v.kind }

func (v DatapointValue) AsInteger() (int64, bool) {
	if v.kind != KindInteger {
		return 0, false
	}
	return v.i, true
}

func (v DatapointValue) AsFloat() (float64, bool) {
	if v.kind != KindFloat {
		return 0, false
	}
	return v.f, true
}

func (v DatapointValue) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.s, true
}

func (v DatapointValue) AsFloatArray() ([]float64, bool) {
	if v.kind != KindFloatArray {
		return nil, false
	}
	return v.floatArr, true
}

func (v DatapointValue) AsFloat2DArray() ([][]float64, bool) {
	if v.kind != KindFloat2DArray {
		return nil, false
	}
	return v.float2D, true
}

func (v DatapointValue) AsDataBuffer() (DataBuffer, bool) {
	if v.kind != KindDataBuffer {
		return DataBuffer{}, false
	}
	return v.buf, true
}

func (v DatapointValue) AsImage() (Image, bool) {
	if v.kind != KindImage {
		return Image{}, false
	}
	return v.img, true
}

func (v DatapointValue) AsChildren() ([]Datapoint, bool) {
	if v.kind != KindDict && v.kind != KindList {
		return nil, false
	}
	return v.children, true
}

// DeepCopy returns an independent copy of the value, recursing into
// DICT/LIST children.
func (v DatapointValue) DeepCopy() DatapointValue {
	cp := v
	switch v.kind {
	case KindFloatArray:
		cp.floatArr = append([]float64(nil), v.floatArr...)
	case KindFloat2DArray:
		cp.float2D = make([][]float64, len(v.float2D))
		for i, row := range v.float2D {
			cp.float2D[i] = append([]float64(nil), row...)
		}
	case KindDataBuffer:
		cp.buf.Data = append([]byte(nil), v.buf.Data...)
	case KindImage:
		cp.img.Data = append([]byte(nil), v.img.Data...)
	case KindDict, KindList:
		cp.children = make([]Datapoint, len(v.children))
		for i, c := range v.children {
			cp.children[i] = Datapoint{Name: c.Name, Value: c.Value.DeepCopy()}
		}
	}
	return cp
}

// marshalJSONValue reports the value for JSON transport. With forOMF set,
// buffers/images are elided entirely (nil, false); otherwise they are
// embedded with base64 data. Arrays serialize as JSON-compatible slices.
// A non-finite float (NaN/Inf) is the one lossy coercion the spec calls
// out: it serializes as JSON null, and the one-line warning for the
// caller to log is returned as the third result.
func (v DatapointValue) marshalJSONValue(forOMF bool) (interface{}, bool, string) {
	switch v.kind {
	case KindInteger:
		return v.i, true, ""
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, true, fmt.Sprintf("datapoint float value %v is not finite, serializing as null", v.f)
		}
		return v.f, true, ""
	case KindString:
		return v.s, true, ""
	case KindFloatArray:
		return v.floatArr, true, ""
	case KindFloat2DArray:
		return v.float2D, true, ""
	case KindDataBuffer:
		if forOMF {
			return nil, false, ""
		}
		return map[string]interface{}{
			"itemSize": v.buf.ItemSize,
			"count":    v.buf.Count,
			"data":     base64.StdEncoding.EncodeToString(v.buf.Data),
		}, true, ""
	case KindImage:
		if forOMF {
			return nil, false, ""
		}
		return map[string]interface{}{
			"width":     v.img.Width,
			"height":    v.img.Height,
			"depthBits": v.img.DepthBits,
			"data":      base64.StdEncoding.EncodeToString(v.img.Data),
		}, true, ""
	case KindDict, KindList:
		out := make(map[string]interface{}, len(v.children))
		var arr []interface{}
		isList := v.kind == KindList
		if isList {
			arr = make([]interface{}, 0, len(v.children))
		}
		for _, c := range v.children {
			val, ok, _ := c.Value.marshalJSONValue(forOMF)
			if !ok {
				continue
			}
			if isList {
				arr = append(arr, val)
			} else {
				out[c.Name] = val
			}
		}
		if isList {
			return arr, true, ""
		}
		return out, true, ""
	default:
		return nil, false, ""
	}
}
