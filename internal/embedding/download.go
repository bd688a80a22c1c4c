package embedding

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
)

// Artefact origin for all-MiniLM-L6-v2. The model file is ~30 MB.
const (
	modelURL     = "https://huggingface.co/sentence-transformers/all-MiniLM-L6-v2/resolve/main/onnx/model.onnx"
	tokenizerURL = "https://huggingface.co/sentence-transformers/all-MiniLM-L6-v2/resolve/main/tokenizer.json"
)

// Download fetches the model and tokenizer artefacts into cacheDir. Existing
// files are kept; downloads land in a temp file first and are renamed into
// place so an interrupted fetch never leaves a truncated artefact.
func Download(ctx context.Context, cacheDir string) error {
	if err := os.MkdirAll(cacheDir, 0o755); err != nil {
		return fmt.Errorf("create model cache dir: %w", err)
	}

	client := &http.Client{Timeout: 10 * time.Minute}
	artefacts := []struct {
		url  string
		name string
	}{
		{modelURL, ModelFile},
		{tokenizerURL, TokenizerFile},
	}

	for _, a := range artefacts {
		dest := filepath.Join(cacheDir, a.name)
		if _, err := os.Stat(dest); err == nil {
			log.Info().Str("file", dest).Msg("artefact already cached")
			continue
		}
		if err := fetch(ctx, client, a.url, dest); err != nil {
			return err
		}
		log.Info().Str("file", dest).Msg("artefact downloaded")
	}
	return nil
}

func fetch(ctx context.Context, client *http.Client, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".download-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dest, err)
	}
	return os.Rename(tmp.Name(), dest)
}
