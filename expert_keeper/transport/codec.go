package transport

import (
	"encoding/binary"
	"math"

	"github.com/kuaishou/open_expert_keeper/expert_keeper/errs"
)

func encodeFloat32(values []float32) []byte {
	output := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(output[4*i:], math.Float32bits(v))
	}
	return output
}

func decodeFloat32Into(data []byte, into []float32) error {
	if len(data) != 4*len(into) {
		return errs.ProtocolViolationf("received %d bytes, expect %d float32", len(data), len(into))
	}
	for i := range into {
		into[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return nil
}

func encodeFloat64(values []float64) []byte {
	output := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(output[8*i:], math.Float64bits(v))
	}
	return output
}

func decodeFloat64(data []byte) ([]float64, error) {
	if len(data)%8 != 0 {
		return nil, errs.ProtocolViolationf("%d bytes is not a float64 vector", len(data))
	}
	output := make([]float64, len(data)/8)
	for i := range output {
		output[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:]))
	}
	return output, nil
}

func encodeInt32(values []int32) []byte {
	output := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(output[4*i:], uint32(v))
	}
	return output
}

func decodeInt32(data []byte) ([]int32, error) {
	if len(data)%4 != 0 {
		return nil, errs.ProtocolViolationf("%d bytes is not an int32 vector", len(data))
	}
	output := make([]int32, len(data)/4)
	for i := range output {
		output[i] = int32(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return output, nil
}
