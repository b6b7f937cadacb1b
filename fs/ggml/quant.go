// Package ggml - Dequantisierung
//
// dequantizeQ4KPacked wandelt einen Q4_K-Tensor aus dem alten "packed"
// Layout (Bloecke interleaved ueber Zeilen hinweg, statt zeilenweise)
// in f16 um. Dies ist der einzige Pfad, auf dem ein Q4_K-Tensor seine
// Quantisierung verliert; row-wise Q4_K-Tensoren bleiben quantisiert
// bis in den fused Matmul-Kernel hinein.
package ggml

import (
	"fmt"

	"github.com/x448/float16"
)

const q4KBlockElems = 256
const q4KBlockBytes = 144 // 2 + 2 + 12 + 128

// dequantizeQ4KPacked reads rows*cols Q4_K-quantized elements laid out
// in the legacy packed convention and returns a row-major f16 byte
// buffer of the same logical shape. The packed convention stores
// blocks in column-major block order across the whole matrix rather
// than per-row, so decoding must reconstruct each row individually.
func dequantizeQ4KPacked(src []byte, rows, cols uint64) ([]byte, error) {
	blocksPerRow := ceilDiv(cols, q4KBlockElems)
	expected := blocksPerRow * rows * q4KBlockBytes
	if uint64(len(src)) < expected {
		return nil, fmt.Errorf("ggml: packed Q4_K buffer too short: have %d want %d", len(src), expected)
	}

	out := make([]byte, rows*cols*2)
	for col := uint64(0); col < blocksPerRow; col++ {
		for row := uint64(0); row < rows; row++ {
			blockIdx := col*rows + row
			block := src[blockIdx*q4KBlockBytes : (blockIdx+1)*q4KBlockBytes]
			values := decodeQ4KBlock(block)

			base := col * q4KBlockElems
			for i, v := range values {
				elemCol := base + uint64(i)
				if elemCol >= cols {
					break
				}
				outOff := (row*cols + elemCol) * 2
				bits := float16.Fromfloat32(v).Bits()
				out[outOff] = byte(bits)
				out[outOff+1] = byte(bits >> 8)
			}
		}
	}
	return out, nil
}

// decodeQ4KBlock expands a single 144-byte Q4_K block into 256 f32
// values using the super-block scale/min formula
// value = d*scale[i]*q - dmin*minOffset[i] (q the 4-bit nibble), the
// same formula the row-wise fused matmul applies one block at a time
// without materializing the whole weight as f32 (see kernel/matmul.go's
// decodeQ4KBlockK).
func decodeQ4KBlock(block []byte) [q4KBlockElems]float32 {
	var out [q4KBlockElems]float32
	d := float16FromBytes(block[0:2])
	dmin := float16FromBytes(block[2:4])
	scales := block[4:16]
	qs := block[16:144]

	for sub := 0; sub < 8; sub++ {
		scale, minOffset := unpackQ4KScale(scales, sub)
		sc := d * scale
		mn := dmin * minOffset
		for i := 0; i < 32; i++ {
			byteIdx := sub*16 + i/2
			var nibble byte
			if i%2 == 0 {
				nibble = qs[byteIdx] & 0x0f
			} else {
				nibble = qs[byteIdx] >> 4
			}
			out[sub*32+i] = sc*float32(nibble) - mn
		}
	}
	return out
}

func float16FromBytes(b []byte) float32 {
	bits := uint16(b[0]) | uint16(b[1])<<8
	return float16.Frombits(bits).Float32()
}

// unpackQ4KScale decodes the 6-bit scale/min pair for sub-block sub out
// of the block's packed 12-byte scale table, following the same bit
// layout ggml's Q4_K uses (6 bits each, packed across 12 bytes for 8
// sub-blocks).
func unpackQ4KScale(scales []byte, sub int) (scale, minOffset float32) {
	var sc, mn uint8
	if sub < 4 {
		sc = scales[sub] & 0x3f
		mn = scales[sub+4] & 0x3f
	} else {
		sc = (scales[sub+4] & 0x0f) | ((scales[sub-4] >> 6) << 4)
		mn = (scales[sub+4] >> 4) | ((scales[sub] >> 6) << 4)
	}
	return float32(sc), float32(mn)
}
