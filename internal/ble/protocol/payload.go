// Package protocol implements the trigger peripheral's wire formats: the
// fixed-width notification payload and the text command written back.
package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
)

// Codec names accepted in configuration.
const (
	CodecTwoInt32   = "two-int32"
	CodecThreeFloat = "three-float32"
)

// DefaultMaxValue is the integer range of each mode on the peripheral (0..30).
const DefaultMaxValue = 30

// DefaultCommandLiteral is the fixed command sent by the three-float32 revision.
const DefaultCommandLiteral = "hola"

// Reading is one decoded notification.
type Reading struct {
	Values  []float64 // session-facing values (normalized for two-int32)
	Summary string    // human-readable form for display
}

// MalformedPayloadError reports a notification whose length does not match
// the codec's fixed width.
type MalformedPayloadError struct {
	Expected int
	Actual   int
}

func (e *MalformedPayloadError) Error() string {
	return fmt.Sprintf("protocol: malformed payload: expected %d bytes, got %d", e.Expected, e.Actual)
}

// Codec decodes notifications and encodes commands for one protocol revision.
type Codec interface {
	// Name returns the configuration name of the codec.
	Name() string
	// Size is the exact payload width in bytes.
	Size() int
	// Fields is the number of values a Reading carries.
	Fields() int
	// Decode parses a notification payload.
	Decode(data []byte) (Reading, error)
	// EncodeCommand builds the UTF-8 command for the given values.
	EncodeCommand(values ...float64) ([]byte, error)
}

// NewCodec returns the codec registered under name.
func NewCodec(name string, maxValue int, literal string) (Codec, error) {
	switch name {
	case CodecTwoInt32:
		if maxValue <= 0 {
			maxValue = DefaultMaxValue
		}
		return TwoInt32Normalized{Max: maxValue}, nil
	case CodecThreeFloat:
		if literal == "" {
			literal = DefaultCommandLiteral
		}
		return ThreeFloat{Literal: literal}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown codec %q", name)
	}
}

// TwoInt32Normalized is revision A: two little-endian int32 values
// (semi_mode, auto_mode), each normalized by Max.
type TwoInt32Normalized struct {
	Max int
}

func (c TwoInt32Normalized) Name() string { return CodecTwoInt32 }
func (c TwoInt32Normalized) Size() int    { return 8 }
func (c TwoInt32Normalized) Fields() int  { return 2 }

func (c TwoInt32Normalized) Decode(data []byte) (Reading, error) {
	if len(data) != c.Size() {
		return Reading{}, &MalformedPayloadError{Expected: c.Size(), Actual: len(data)}
	}
	semi := int32(binary.LittleEndian.Uint32(data[0:4]))
	auto := int32(binary.LittleEndian.Uint32(data[4:8]))
	return Reading{
		Values:  []float64{c.Normalize(semi), c.Normalize(auto)},
		Summary: fmt.Sprintf("Semi Mode: %d, Auto Mode: %d", semi, auto),
	}, nil
}

// EncodeCommand maps two normalized values back to [0,Max] and renders
// them as "x <semi>, y: <auto>".
func (c TwoInt32Normalized) EncodeCommand(values ...float64) ([]byte, error) {
	if len(values) != 2 {
		return nil, fmt.Errorf("protocol: %s command needs 2 values, got %d", c.Name(), len(values))
	}
	semi := c.Denormalize(values[0])
	auto := c.Denormalize(values[1])
	return []byte("x " + strconv.Itoa(int(semi)) + ", y: " + strconv.Itoa(int(auto))), nil
}

// Normalize converts a raw mode value to a fraction of Max.
func (c TwoInt32Normalized) Normalize(v int32) float64 {
	return float64(v) / float64(c.max())
}

// Denormalize converts a fraction back to the integer domain, rounded and
// clamped to [0,Max]. NaN maps to 0.
func (c TwoInt32Normalized) Denormalize(f float64) int32 {
	if math.IsNaN(f) {
		return 0
	}
	v := math.Round(f * float64(c.max()))
	if v < 0 {
		return 0
	}
	if v > float64(c.max()) {
		return int32(c.max())
	}
	return int32(v)
}

func (c TwoInt32Normalized) max() int {
	if c.Max <= 0 {
		return DefaultMaxValue
	}
	return c.Max
}

// ThreeFloat is revision B: three little-endian IEEE-754 float32 values
// (x, y, z), stored without normalization. Its command is a fixed literal.
type ThreeFloat struct {
	Literal string
}

func (c ThreeFloat) Name() string { return CodecThreeFloat }
func (c ThreeFloat) Size() int    { return 12 }
func (c ThreeFloat) Fields() int  { return 3 }

func (c ThreeFloat) Decode(data []byte) (Reading, error) {
	if len(data) != c.Size() {
		return Reading{}, &MalformedPayloadError{Expected: c.Size(), Actual: len(data)}
	}
	vals := make([]float64, 3)
	for i := range vals {
		bits := binary.LittleEndian.Uint32(data[i*4 : i*4+4])
		vals[i] = float64(math.Float32frombits(bits))
	}
	return Reading{
		Values:  vals,
		Summary: fmt.Sprintf("X: %.2f, Y: %.2f, Z: %.2f", vals[0], vals[1], vals[2]),
	}, nil
}

// EncodeCommand ignores values; this revision takes no parameters.
func (c ThreeFloat) EncodeCommand(_ ...float64) ([]byte, error) {
	lit := c.Literal
	if lit == "" {
		lit = DefaultCommandLiteral
	}
	return []byte(lit), nil
}
