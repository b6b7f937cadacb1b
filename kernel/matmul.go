package kernel

import (
	"github.com/x448/float16"

	"github.com/clocksmith/doppler/device"
	"github.com/clocksmith/doppler/device/swdevice"
)

const (
	labelMatMulF32 = "doppler.matmul.f32"
	labelMatMulQ4K = "doppler.matmul.q4k_rowwise"
)

// matmulUniform carries {m, k, n, workgroupsX} in exactly this field
// order. recordMatMul dispatches a 2-D grid (GroupsX over n, GroupsY
// over m) and writes GroupsX into workgroupsX for shaders that linearize
// their global index; the swdevice shaders below ignore the group ids
// and loop over the whole m x n output themselves.
var matmulUniform = device.NewUniformLayout("matmul",
	device.UniformField{Name: "m", ByteOffset: 0, ByteSize: 4},
	device.UniformField{Name: "k", ByteOffset: 4, ByteSize: 4},
	device.UniformField{Name: "n", ByteOffset: 8, ByteSize: 4},
	device.UniformField{Name: "workgroupsX", ByteOffset: 12, ByteSize: 4},
)

func init() {
	swdevice.RegisterShader(labelMatMulF32, storageLayout(2, true), func(groupsX, _, _ uint32, b []swdevice.ShaderBinding, uniform []byte) {
		m, k, n := matmulDims(uniform)
		a := asF32(b[0].Bytes)
		wt := asF32(b[1].Bytes) // (k, n) with k fastest: output col's k weights are contiguous
		out := asF32(b[2].Bytes)
		for row := 0; row < m; row++ {
			for col := 0; col < n; col++ {
				var sum float32
				for i := 0; i < k; i++ {
					sum += a[row*k+i] * wt[col*k+i]
				}
				out[row*n+col] = sum
			}
		}
		writeF32(b[2].Bytes, out)
	})

	swdevice.RegisterShader(labelMatMulQ4K, storageLayout(2, true), func(groupsX, _, _ uint32, b []swdevice.ShaderBinding, uniform []byte) {
		m, k, n := matmulDims(uniform)
		a := asF32(b[0].Bytes)
		packed := b[1].Bytes // n rows of Q4_K, row-wise layout: ceil(k/256) blocks * 144 bytes per row
		out := asF32(b[2].Bytes)

		blocksPerRow := (k + q4KBlockElemsK - 1) / q4KBlockElemsK
		rowBytes := blocksPerRow * q4KBlockBytesK

		for row := 0; row < m; row++ {
			for col := 0; col < n; col++ {
				weightRow := packed[col*rowBytes : (col+1)*rowBytes]
				var sum float32
				for blk := 0; blk < blocksPerRow; blk++ {
					block := weightRow[blk*q4KBlockBytesK : (blk+1)*q4KBlockBytesK]
					values := decodeQ4KBlockK(block)
					base := blk * q4KBlockElemsK
					for i := 0; i < q4KBlockElemsK; i++ {
						col := base + i
						if col >= k {
							break
						}
						sum += a[row*k+col] * values[i]
					}
				}
				out[row*n+col] = sum
			}
		}
		writeF32(b[2].Bytes, out)
	})
}

func matmulDims(uniform []byte) (m, k, n int) {
	m = int(u32le(uniform[0:4]))
	k = int(u32le(uniform[4:8]))
	n = int(u32le(uniform[8:12]))
	return
}

func u32le(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// RecordMatMulF32 appends out[m,n] = a[m,k] @ weightT[k,n] where
// weightT is an ml (k, n) tensor with k fastest: the k input weights of
// output column col sit contiguously at col*k, the same per-output-row
// order the row-wise Q4_K kernel reads, so no transpose is needed.
func RecordMatMulF32(dev device.Device, enc device.CommandEncoder, a, weightT, out device.Buffer, m, k, n int) error {
	return recordMatMul(dev, enc, labelMatMulF32, a, weightT, out, m, k, n)
}

// RecordMatMulQ4KRowwise is identical to RecordMatMulF32 except the
// weight buffer holds n rows of row-wise-layout Q4_K blocks instead of
// f32 — the fused dequant+multiply-accumulate path VariantQ4KRowwise
// tensors take.
func RecordMatMulQ4KRowwise(dev device.Device, enc device.CommandEncoder, a, weightQ4K, out device.Buffer, m, k, n int) error {
	return recordMatMul(dev, enc, labelMatMulQ4K, a, weightQ4K, out, m, k, n)
}

func recordMatMul(dev device.Device, enc device.CommandEncoder, label string, a, weight, out device.Buffer, m, k, n int) error {
	pl := pipeline(dev, label, storageLayout(2, true), [3]uint32{8, 8, 1})
	groupsX := groupsFor(n, 8)
	u := matmulUniform.Writer().
		PutU32("m", uint32(m)).
		PutU32("k", uint32(k)).
		PutU32("n", uint32(n)).
		PutU32("workgroupsX", groupsX).
		Bytes()
	return enc.Append(device.Dispatch{
		Pipeline: pl,
		Bindings: []device.Binding{
			{Index: 0, Buffer: a},
			{Index: 1, Buffer: weight},
			{Index: 2, Buffer: out},
			{Index: 3, Buffer: mustUniformBuffer(dev, u)},
		},
		Uniform: u,
		GroupsX: groupsX,
		GroupsY: groupsFor(m, 8),
		Label:   label,
	})
}

const (
	q4KBlockElemsK = 256
	q4KBlockBytesK = 144
)

// decodeQ4KBlockK mirrors fs/ggml's decodeQ4KBlock; duplicated here
// (rather than imported) because the kernel library must never import
// the loader package — keeping the dependency edge one-directional
// (loader -> nothing device-specific, kernel -> device only) is what
// lets the kernel library be tested without a loader fixture.
func decodeQ4KBlockK(block []byte) [q4KBlockElemsK]float32 {
	var out [q4KBlockElemsK]float32
	d := f16le(block[0:2])
	dmin := f16le(block[2:4])
	scales := block[4:16]
	qs := block[16:144]

	for sub := 0; sub < 8; sub++ {
		scale, minOffset := unpackScale(scales, sub)
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

func unpackScale(scales []byte, sub int) (scale, minOffset float32) {
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

func f16le(b []byte) float32 {
	bits := uint16(b[0]) | uint16(b[1])<<8
	return float16.Frombits(bits).Float32()
}
