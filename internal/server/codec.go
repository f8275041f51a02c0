package server

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
)

var (
	errNoBackup     = errors.New("no backup available")
	errOddPCMLength = errors.New("audio payload is not a whole number of float32 samples")
)

// decodePCM decodes base64 little-endian float32 mono PCM into samples.
// An empty payload decodes to no samples.
func decodePCM(encoded string) ([]float32, error) {
	if encoded == "" {
		return nil, nil
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, errOddPCMLength
	}

	samples := make([]float32, len(raw)/4)
	for i := range samples {
		bits := binary.LittleEndian.Uint32(raw[i*4:])
		samples[i] = math.Float32frombits(bits)
	}
	return samples, nil
}

// encodePCM is the inverse of decodePCM, used by tests and tooling.
func encodePCM(samples []float32) string {
	raw := make([]byte, len(samples)*4)
	for i, sample := range samples {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(sample))
	}
	return base64.StdEncoding.EncodeToString(raw)
}
