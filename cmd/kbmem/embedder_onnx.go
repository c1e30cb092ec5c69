//go:build onnx

package main

import (
	"fmt"
	"os"

	"github.com/kbmem/kbmem-go/index"
	"github.com/kbmem/kbmem-go/index/embedder/onnx"
)

// newEmbedder returns the ONNX sentence-transformer embedder. Model
// paths come from the environment.
func newEmbedder() index.Embedder {
	emb, err := onnx.New(onnx.Config{
		ModelPath:         os.Getenv("KBMEM_ONNX_MODEL"),
		TokenizerPath:     os.Getenv("KBMEM_ONNX_TOKENIZER"),
		SharedLibraryPath: os.Getenv("KBMEM_ONNX_LIB"),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "onnx embedder: %v\n", err)
		os.Exit(1)
	}
	return emb
}
