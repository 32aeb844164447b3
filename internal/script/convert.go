package script

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// coerceBoolean applies Lua truthiness to a VerifyFunc/GameWatcher return
// value: nil and false are false, everything else — including 0 and "" —
// is true.
func coerceBoolean(v lua.LValue) bool {
	switch val := v.(type) {
	case *lua.LNilType:
		return false
	case lua.LBool:
		return bool(val)
	default:
		return true
	}
}

// toJSON converts a Lua value into the map[string]any/[]any/float64/string/
// bool/nil shapes the rest of the bridge treats as JSON.
func toJSON(v lua.LValue) (any, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LNumber:
		return float64(val), nil
	case lua.LString:
		return string(val), nil
	case *lua.LTable:
		return tableToJSON(val)
	default:
		return nil, fmt.Errorf("script: value of type %s cannot be represented in JSON", v.Type().String())
	}
}

// tableToJSON decides whether t is a JSON array or object: a table is an
// array when its keys are exactly a contiguous run of integers starting at
// 0 or 1, and an object otherwise.
func tableToJSON(t *lua.LTable) (any, error) {
	var intKeys []int
	allInt := true
	length := 0
	t.ForEach(func(k, _ lua.LValue) {
		length++
		if n, ok := k.(lua.LNumber); ok && float64(n) == float64(int(n)) {
			intKeys = append(intKeys, int(n))
		} else {
			allInt = false
		}
	})

	if length == 0 {
		return []any{}, nil
	}

	if allInt {
		sort.Ints(intKeys)
		start := intKeys[0]
		contiguous := start == 0 || start == 1
		for i, k := range intKeys {
			if k != start+i {
				contiguous = false
				break
			}
		}
		if contiguous {
			arr := make([]any, length)
			for i, k := range intKeys {
				elem, err := toJSON(t.RawGetInt(k))
				if err != nil {
					return nil, err
				}
				arr[i] = elem
			}
			return arr, nil
		}
	}

	obj := make(map[string]any)
	var rangeErr error
	t.ForEach(func(k, v lua.LValue) {
		if rangeErr != nil {
			return
		}
		key, err := toJSONKey(k)
		if err != nil {
			rangeErr = err
			return
		}
		value, err := toJSON(v)
		if err != nil {
			rangeErr = err
			return
		}
		obj[key] = value
	})
	if rangeErr != nil {
		return nil, rangeErr
	}
	return obj, nil
}

func toJSONKey(v lua.LValue) (string, error) {
	switch val := v.(type) {
	case lua.LString:
		return string(val), nil
	case lua.LNumber:
		return fmt.Sprintf("%v", float64(val)), nil
	default:
		return "", fmt.Errorf("script: key of type %s could not be converted to a string", v.Type().String())
	}
}

// convertBytes interprets raw memory bytes per the requested type, mirroring
// the original Lua bridge's "integer"/"unsigned"/"signed"/"float"/bytes
// convention. Multi-byte values are read big-endian, matching the wire
// format both memory backends use.
func convertBytes(data []byte, ty string) lua.LValue {
	switch ty {
	case "integer", "unsigned":
		return lua.LNumber(uintFromBigEndian(data))
	case "signed":
		return lua.LNumber(intFromBigEndian(data))
	case "float":
		return floatFromBigEndian(data)
	default:
		return lua.LString(string(data))
	}
}

func uintFromBigEndian(data []byte) uint64 {
	if len(data) > 8 {
		data = data[len(data)-8:]
	}
	var buf [8]byte
	copy(buf[8-len(data):], data)
	return binary.BigEndian.Uint64(buf[:])
}

func intFromBigEndian(data []byte) int64 {
	if len(data) == 0 {
		return 0
	}
	if len(data) > 8 {
		data = data[len(data)-8:]
	}
	fill := byte(0)
	if data[0]&0x80 != 0 {
		fill = 0xFF
	}
	var buf [8]byte
	for i := range buf {
		buf[i] = fill
	}
	copy(buf[8-len(data):], data)
	return int64(binary.BigEndian.Uint64(buf[:]))
}

func floatFromBigEndian(data []byte) lua.LValue {
	switch len(data) {
	case 4:
		return lua.LNumber(math.Float32frombits(binary.BigEndian.Uint32(data)))
	case 8:
		return lua.LNumber(math.Float64frombits(binary.BigEndian.Uint64(data)))
	default:
		return lua.LNil
	}
}
