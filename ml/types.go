// Package ml - Datentypen und Konfigurationsstrukturen
//
// Dieses Modul enthaelt die grundlegenden Typen, die Context, Tensor
// und Backend gemeinsam verwenden: DType, CacheConfig und
// BackendParams.
package ml

import "fmt"

// DType benennt den Elementtyp eines Tensors.
type DType int

const (
	DTypeOther DType = iota
	DTypeF32
	DTypeF16
	DTypeBF16
	DTypeQ4K
	DTypeQ4_0
	DTypeQ4_1
	DTypeI8
	DTypeI4
	DTypeI32
)

func (t DType) String() string {
	switch t {
	case DTypeF32:
		return "f32"
	case DTypeF16:
		return "f16"
	case DTypeBF16:
		return "bf16"
	case DTypeQ4K:
		return "q4_k"
	case DTypeQ4_0:
		return "q4_0"
	case DTypeQ4_1:
		return "q4_1"
	case DTypeI8:
		return "i8"
	case DTypeI4:
		return "i4"
	case DTypeI32:
		return "i32"
	default:
		return "other"
	}
}

// ElemSize gibt die Groesse eines einzelnen, nicht-blockweise quantisierten
// Elements in Bytes zurueck. Blockquantisierte Typen (Q4K, Q4_0, Q4_1, I4)
// werden ueber BlockSize/BlockBytes in fs/ggml behandelt, nicht hier.
func (t DType) ElemSize() int {
	switch t {
	case DTypeF32, DTypeI32:
		return 4
	case DTypeF16, DTypeBF16:
		return 2
	case DTypeI8:
		return 1
	default:
		return 0
	}
}

// CacheConfig wird vom Backend bereitgestellt und steuert, wie
// kvcache.Causal seine internen Tensoren anlegt (Padding, Maskentyp,
// permutierte Value-Speicherung).
type CacheConfig struct {
	CachePadding  int
	MaskDType     DType
	PermutedV     bool
}

// BackendCacheConfig ist ein optionales Interface, das ein Backend
// implementiert, wenn es von CacheConfig{} abweichende Vorgaben macht.
type BackendCacheConfig interface {
	CacheConfig() CacheConfig
}

// BackendParams buendelt die Laufzeitparameter fuer NewBackend.
// NewBackend liest davon nur DeviceName (leer = "software"); die
// Device-Limits setzt es selbst, NumGPULayers und FlashAttention werden
// nicht ausgewertet.
type BackendParams struct {
	DeviceName    string
	NumGPULayers  int
	FlashAttention bool
}

// Shape ist eine feste Folge von Dimensionsgroessen, aeusserste zuerst
// in Speicherreihenfolge entgegengesetzt (Dim(0) ist die schnellste).
type Shape []int

func (s Shape) elements() int {
	n := 1
	for _, d := range s {
		n *= d
	}
	return n
}

func (s Shape) String() string {
	return fmt.Sprintf("%v", []int(s))
}
