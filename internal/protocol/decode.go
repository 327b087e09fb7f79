package protocol

import (
	"bytes"
	"encoding/binary"
	"math"

	"github.com/MadGoatHaz/blupow-gateway/internal/types"
)

// DecodeRegisters interprets a register payload according to the given sensor
// definitions. The definitions are assumed to describe one contiguous read
// starting at the register address of the first definition; each sensor slices
// Words*2 bytes at its offset within the payload.
//
// A definition whose slice falls outside the payload is skipped rather than
// aborting the whole map - partial decodes still produce telemetry.
func DecodeRegisters(payload []byte, defs []types.SensorDefinition) map[string]interface{} {
	values := make(map[string]interface{}, len(defs))
	if len(defs) == 0 {
		return values
	}

	base := defs[0].Register
	for _, def := range defs {
		if def.Register < base {
			continue
		}
		off := int(def.Register-base) * 2
		end := off + int(def.Words)*2
		if def.Words == 0 || end > len(payload) {
			continue
		}
		values[def.Key] = decodeValue(payload[off:end], def)
	}
	return values
}

// DecodeSingle decodes a payload that holds exactly one sensor's registers,
// e.g. when a driver issues one read per definition.
func DecodeSingle(payload []byte, def types.SensorDefinition) (interface{}, bool) {
	if int(def.Words)*2 > len(payload) || def.Words == 0 {
		return nil, false
	}
	return decodeValue(payload[:int(def.Words)*2], def), true
}

func decodeValue(raw []byte, def types.SensorDefinition) interface{} {
	switch def.ValueType {
	case types.ValueTypeString:
		// Registers carry ASCII, padded with NUL bytes.
		return string(bytes.TrimRight(raw, "\x00"))

	case types.ValueTypeBitfield:
		return registersToUint(raw)

	case types.ValueTypeScaled:
		scale := def.Scale
		if scale == 0 {
			scale = 1
		}
		v := float64(registersToUint(raw)) * scale
		if def.Precision > 0 {
			p := math.Pow10(def.Precision)
			v = math.Round(v*p) / p
		}
		return v

	default: // ValueTypeInt
		return registersToUint(raw)
	}
}

// registersToUint folds big-endian register words into one unsigned value.
func registersToUint(raw []byte) uint64 {
	var v uint64
	for len(raw) >= 2 {
		v = v<<16 | uint64(binary.BigEndian.Uint16(raw[:2]))
		raw = raw[2:]
	}
	return v
}
