package modbus

import "math"

// Decode converts a register's raw words into an engineering value following
// the descriptor's data type, then applies scale and offset as
// value*scale + offset. Short raw slices decode to 0 before scale/offset is
// applied rather than erroring, since a transport-level read failure already
// short-circuits the caller before Decode is ever invoked.
func Decode(raw []uint16, desc RegisterDescriptor) float64 {
	var rawValue float64

	switch desc.DataType {
	case TypeU16:
		if len(raw) >= 1 {
			rawValue = float64(raw[0])
		}
	case TypeI16:
		if len(raw) >= 1 {
			rawValue = float64(int16(raw[0]))
		}
	case TypeU32:
		if len(raw) >= 2 {
			rawValue = float64(uint32(raw[0])<<16 | uint32(raw[1]))
		}
	case TypeI32:
		if len(raw) >= 2 {
			rawValue = float64(int32(uint32(raw[0])<<16 | uint32(raw[1])))
		}
	case TypeF32:
		if len(raw) >= 2 {
			bits := uint32(raw[0])<<16 | uint32(raw[1])
			rawValue = float64(math.Float32frombits(bits))
		}
	case TypeBool:
		if len(raw) >= 1 && raw[0] != 0 {
			rawValue = 1.0
		}
	}

	scale := 1.0
	if desc.Scale != nil {
		scale = *desc.Scale
	}
	offset := 0.0
	if desc.Offset != nil {
		offset = *desc.Offset
	}

	return rawValue*scale + offset
}
