// Package ggml - Gemma Norm-Gewicht-Offset
//
// Gemma-Checkpoints trainieren ihre RMSNorm-Gewichte gegen eine
// (1+w)-Skalierung statt gegen w direkt; upstream faltet das einmalig
// beim Konvertieren in die Gewicht-Bytes (siehe die "gemma"-Fallunterscheidung
// in safetensorWriterTo.WriteTo, die norm.weight-Tensoren durch addOnes
// schickt, bevor sie geschrieben werden). Dieses Modul macht dasselbe
// einmalig beim Laden des Katalogs, statt beim Konvertieren, da dieser
// Loader direkt von fertigen Manifest-Shards liest.
package ggml

import (
	"encoding/binary"
	"math"
	"slices"
	"strings"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// gemmaNormOffsetArchitectures lists architectures whose norm.weight
// tensors need the (1+w) offset folded in once at load.
var gemmaNormOffsetArchitectures = []string{"gemma", "gemma2", "gemma3", "gemma3n"}

// needsNormOffset reports whether mt is a norm-weight tensor belonging
// to one of gemmaNormOffsetArchitectures.
func needsNormOffset(arch, tensorName string) bool {
	return slices.Contains(gemmaNormOffsetArchitectures, arch) && strings.HasSuffix(tensorName, "norm.weight")
}

// applyNormOffset adds 1.0 to every element of buf in place, decoding
// through dtype's storage format. Only F32/F16/BF16 norm weights are
// ever produced by a Gemma checkpoint; any other dtype is left
// untouched rather than guessed at.
func applyNormOffset(dtype TensorType, buf []byte) {
	switch dtype {
	case TensorTypeF32:
		for i := 0; i+4 <= len(buf); i += 4 {
			v := math.Float32frombits(binary.LittleEndian.Uint32(buf[i : i+4]))
			binary.LittleEndian.PutUint32(buf[i:i+4], math.Float32bits(v+1))
		}
	case TensorTypeF16:
		for i := 0; i+2 <= len(buf); i += 2 {
			bits := binary.LittleEndian.Uint16(buf[i : i+2])
			v := float16.Frombits(bits).Float32()
			binary.LittleEndian.PutUint16(buf[i:i+2], uint16(float16.Fromfloat32(v+1)))
		}
	case TensorTypeBF16:
		floats := bfloat16.DecodeFloat32(buf)
		for i, v := range floats {
			// bf16 is the truncated top 16 bits of an f32, the same
			// relationship DecodeFloat32 exploits in reverse.
			bits := math.Float32bits(v + 1)
			binary.LittleEndian.PutUint16(buf[i*2:i*2+2], uint16(bits>>16))
		}
	}
}
