/*
Package wire implements the self-describing field codec used inside SLIM
packet bodies: a closed set of 1-byte type tags, two variable-length integer
encodings, and a structured Writer/Reader pair over a byte buffer.

Every value written by a Writer is preceded by exactly one type tag, except
inside a typed array, where the element tag is factored out and written once.
*/
package wire

import "fmt"

// A DataType is the 1-byte tag that introduces a self-describing field.
// The byte values are frozen; changing one breaks every peer on the wire.
type DataType byte

const (
	None    DataType = 0x00 // omitted/null field
	Boolean DataType = 0x01
	Byte    DataType = 0x02
	Short   DataType = 0x03 // big-endian
	Integer DataType = 0x04 // big-endian
	Long    DataType = 0x05 // big-endian
	Float   DataType = 0x06 // IEEE-754 big-endian
	Double  DataType = 0x07 // IEEE-754 big-endian
	VarInt  DataType = 0x08 // 1-5 bytes
	VarLong DataType = 0x09 // 1-10 bytes

	String DataType = 0x20 // UTF-8, varInt byte-length prefix
	Bytes  DataType = 0x21 // varInt byte-length prefix
	Array  DataType = 0x22 // varInt count, element tag, untagged elements

	SignedByte    DataType = 0xA2
	SignedShort   DataType = 0xA3
	SignedInteger DataType = 0xA4
	SignedLong    DataType = 0xA5

	FixedBytes DataType = 0xFE // length known from context
	Magic      DataType = 0xFF // marks a 4-byte constant follow
)

// signedBit marks the signed variant of an integer tag.
const signedBit = 0xA0

// ErrUnknownTypeID indicates a tag byte outside the registry.
type ErrUnknownTypeID byte

func (e ErrUnknownTypeID) Error() string {
	return fmt.Sprintf("unknown data type id 0x%02X", byte(e))
}

// FromByte maps a wire byte back to its DataType, or fails with
// ErrUnknownTypeID.
func FromByte(b byte) (DataType, error) {
	d := DataType(b)
	switch d {
	case None, Boolean, Byte, Short, Integer, Long, Float, Double,
		VarInt, VarLong, String, Bytes, Array,
		SignedByte, SignedShort, SignedInteger, SignedLong,
		FixedBytes, Magic:
		return d, nil
	}
	return None, ErrUnknownTypeID(b)
}

// Signed reports whether the tag is a signed integer variant.
func (d DataType) Signed() bool {
	return d&signedBit == signedBit && d != FixedBytes && d != Magic
}

// SignedVariant returns the signed counterpart of an integer tag
// (byte to signedByte, short to signedShort, integer to signedInteger,
// long to signedLong). Tags without a signed variant are returned unchanged.
func (d DataType) SignedVariant() DataType {
	switch d {
	case Byte, Short, Integer, Long:
		return d | signedBit
	}
	return d
}

// Unsigned returns the unsigned counterpart of a signed integer tag.
// Tags that are not signed variants are returned unchanged.
func (d DataType) Unsigned() DataType {
	switch d {
	case SignedByte, SignedShort, SignedInteger, SignedLong:
		return d &^ signedBit
	}
	return d
}

// Size returns the fixed payload width of the tag in bytes, or -1 for
// variable-width and composite types.
func (d DataType) Size() int {
	switch d {
	case None:
		return 0
	case Boolean, Byte, SignedByte:
		return 1
	case Short, SignedShort:
		return 2
	case Integer, SignedInteger, Float:
		return 4
	case Long, SignedLong, Double:
		return 8
	case Magic:
		return 4
	}
	return -1
}

// String returns the name of the data type.
// It is just a big switch statement.
func (d DataType) String() string {
	switch d {
	case None:
		return "none"
	case Boolean:
		return "boolean"
	case Byte:
		return "byte"
	case Short:
		return "short"
	case Integer:
		return "integer"
	case Long:
		return "long"
	case Float:
		return "float"
	case Double:
		return "double"
	case VarInt:
		return "varInt"
	case VarLong:
		return "varLong"
	case String:
		return "string"
	case Bytes:
		return "bytes"
	case Array:
		return "array"
	case SignedByte:
		return "signedByte"
	case SignedShort:
		return "signedShort"
	case SignedInteger:
		return "signedInteger"
	case SignedLong:
		return "signedLong"
	case FixedBytes:
		return "fixedBytes"
	case Magic:
		return "magic"
	default:
		return "UNKNOWN"
	}
}
