// Package ggml - Manifest-Parsing
//
// Ein Modell besteht hier nicht aus einer einzelnen GGUF-Binaerdatei,
// sondern aus einem manifest.json plus einer oder mehreren Binaer-Shards.
// Dieses Modul dekodiert das Manifest und baut die KV-Konfiguration sowie
// die Tensorliste, die GroupLayers (ggml_tensor.go) weiterverarbeitet.
package ggml

import (
	"fmt"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"
)

var manifestJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// ManifestTensor ist ein Tensoreintrag im Manifest: Name, Shape, Dtype
// und die Koordinaten seiner Bytes innerhalb eines Shards.
type ManifestTensor struct {
	Name       string   `json:"name"`
	DType      string   `json:"dtype"`
	Shape      []uint64 `json:"shape"`
	Shard      string   `json:"shard"`
	ByteOffset uint64   `json:"byte_offset"`
	ByteLength uint64   `json:"byte_length"`
	Digest     string   `json:"digest"`
	// Layout is "row-wise" (the only layout the matmul kernels accept
	// directly) or "packed" (legacy; rejected unless the loader is run
	// with --allow-packed-fallback, which dequantizes to f16 on load).
	Layout string `json:"layout"`
}

// Manifest is the decoded contents of manifest.json.
type Manifest struct {
	Architecture string           `json:"architecture"`
	Config       map[string]any   `json:"config"`
	Tensors      []ManifestTensor `json:"tensors"`
	Shards       []string         `json:"shards"`

	dir string
}

// LoadManifest decodes and lightly validates a manifest.json at path.
// It does not touch shard files; that happens in the catalog loader.
func LoadManifest(path string) (*Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &MalformedManifest{Path: path, Err: err}
	}
	defer f.Close()

	var m Manifest
	if err := manifestJSON.NewDecoder(f).Decode(&m); err != nil {
		return nil, &MalformedManifest{Path: path, Err: err}
	}

	if m.Architecture == "" {
		return nil, &MalformedManifest{Path: path, Err: fmt.Errorf("missing \"architecture\"")}
	}
	if len(m.Tensors) == 0 {
		return nil, &MalformedManifest{Path: path, Err: fmt.Errorf("manifest declares no tensors")}
	}
	for _, t := range m.Tensors {
		if t.Shard == "" {
			return nil, &MalformedManifest{Path: path, Err: fmt.Errorf("tensor %q names no shard", t.Name)}
		}
	}

	m.dir = filepath.Dir(path)
	return &m, nil
}

// ShardPath resolves a shard name declared in the manifest to a path on
// disk, relative to the manifest's own directory.
func (m *Manifest) ShardPath(shard string) string {
	return filepath.Join(m.dir, shard)
}

// KV builds the KV-style configuration view model.New and the layer
// driver read model hyperparameters from, generalizing the manifest's
// free-form "config" map the same way a GGUF file's key-value section
// does.
func (m *Manifest) KV() KV {
	kv := make(KV, len(m.Config)+1)
	for k, v := range m.Config {
		kv[k] = v
	}
	kv["general.architecture"] = m.Architecture
	return kv
}
