//go:build !onnx

package main

import (
	"github.com/kbmem/kbmem-go/index"
	"github.com/kbmem/kbmem-go/index/embedder/mock"
)

// newEmbedder returns the hash-based embedder. Build with -tags onnx
// for real semantic similarity via a local sentence transformer.
func newEmbedder() index.Embedder {
	return mock.New()
}
