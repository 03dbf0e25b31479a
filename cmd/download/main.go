// Downloads model artifacts from the Hugging Face hub into the local Triton
// model repository layout, plus the tokenizer.json files the API needs.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/manifold-inc/manifold-sdk/lib/eflag"
)

const hfBaseURL = "https://huggingface.co"

type artifact struct {
	repoID    string
	filePath  string
	targetDir string
	name      string
}

func main() {
	embeddingRepo := flag.String("embedding-repo", "jinaai/jina-embeddings-v3", "Hugging Face repo for the embedding model")
	rerankerRepo := flag.String("reranker-repo", "jinaai/jina-reranker-v2-base-multilingual", "Hugging Face repo for the reranker model")
	modelRepository := flag.String("model-repository", "model_repository", "Triton model repository root")
	tokenizerDir := flag.String("tokenizer-dir", "tokenizers", "Directory for downloaded tokenizer.json files")
	skipModels := flag.Bool("skip-models", false, "Only download tokenizers")

	if err := eflag.SetFlagsFromEnvironment(); err != nil {
		panic(err)
	}
	flag.Parse()

	artifacts := []artifact{
		{
			repoID:    *embeddingRepo,
			filePath:  "tokenizer.json",
			targetDir: filepath.Join(*tokenizerDir, "embedding"),
			name:      "embedding tokenizer",
		},
		{
			repoID:    *rerankerRepo,
			filePath:  "tokenizer.json",
			targetDir: filepath.Join(*tokenizerDir, "reranker"),
			name:      "reranker tokenizer",
		},
	}
	if !*skipModels {
		artifacts = append(artifacts,
			artifact{
				repoID:    *embeddingRepo,
				filePath:  "onnx/model_fp16.onnx",
				targetDir: filepath.Join(*modelRepository, "jina-embeddings-v3", "1"),
				name:      "embedding model",
			},
			artifact{
				repoID:    *rerankerRepo,
				filePath:  "onnx/model_fp16.onnx",
				targetDir: filepath.Join(*modelRepository, "jina-reranker-v2", "1"),
				name:      "reranker model",
			},
		)
	}

	client := &http.Client{Timeout: time.Hour}
	failed := 0
	for _, a := range artifacts {
		if err := download(client, a); err != nil {
			fmt.Fprintf(os.Stderr, "failed downloading %s: %s\n", a.name, err)
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

func download(client *http.Client, a artifact) error {
	if err := os.MkdirAll(a.targetDir, 0o755); err != nil {
		return err
	}

	target := filepath.Join(a.targetDir, filepath.Base(a.filePath))
	if _, err := os.Stat(target); err == nil {
		fmt.Printf("%s already present at %s, skipping\n", a.name, target)
		return nil
	}

	url := fmt.Sprintf("%s/%s/resolve/main/%s", hfBaseURL, a.repoID, a.filePath)
	fmt.Printf("Downloading %s from %s\n", a.name, url)

	res, err := client.Get(url)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP status %d", res.StatusCode)
	}

	tmp := target + ".partial"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	written, err := io.Copy(f, res.Body)
	closeErr := f.Close()
	if err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return closeErr
	}
	if err := os.Rename(tmp, target); err != nil {
		return err
	}

	fmt.Printf("Saved %s (%d bytes) to %s\n", a.name, written, target)
	return nil
}
