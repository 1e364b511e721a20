package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/samcharles93/ember/internal/backend"
	"github.com/samcharles93/ember/internal/device"
	"github.com/samcharles93/ember/internal/kernel"
	"github.com/samcharles93/ember/internal/logger"
	"github.com/samcharles93/ember/internal/transformer"
	"github.com/samcharles93/ember/internal/weights"
)

// loaded is a model ready to serve. Close releases the backend and the
// mapped weight files; the transformer may borrow either.
type loaded struct {
	model   *transformer.Transformer
	backend kernel.Backend
	weights weights.Provider
}

func (l *loaded) Close() error {
	err := l.backend.Close()
	if cerr := l.weights.Close(); err == nil {
		err = cerr
	}
	return err
}

func contextLength(h weights.Hyperparams) int {
	if maxSeqLen > 0 {
		return min(h.MaxSeqLen, int(maxSeqLen))
	}
	return h.MaxSeqLen
}

func loadModel(ctx context.Context, log logger.Logger) (*loaded, error) {
	dir, err := resolveModelDir(modelPath, modelsPath, os.Stdin, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("resolve model: %w", err)
	}
	start := time.Now()
	archive, err := weights.LoadSafetensors(dir)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", dir, err)
	}
	h := archive.Hyperparams()
	log.Info("weights mapped",
		"path", dir,
		"layers", h.NumLayers,
		"hidden", h.HiddenSize,
		"dtype", h.DataType,
		"elapsed", time.Since(start),
	)
	l, err := build(ctx, archive, log)
	if err != nil {
		_ = archive.Close()
		return nil, err
	}
	log.Info("model loaded", "elapsed", time.Since(start))
	return l, nil
}

// build constructs the backend tuned for p and the transformer on it.
func build(ctx context.Context, p weights.Provider, log logger.Logger) (*loaded, error) {
	h := p.Hyperparams()
	b, err := backend.New(backendName, kernelConfig(h.HiddenSize, contextLength(h)), log.With(logger.ComponentKey, "backend"))
	if err != nil {
		return nil, err
	}
	opts := []transformer.Option{transformer.WithLogger(log.With(logger.ComponentKey, "model"))}
	if maxSeqLen > 0 {
		opts = append(opts, transformer.WithMaxSeqLen(int(maxSeqLen)))
	}
	// Weights upload through a queue on the backend's first device.
	var model *transformer.Transformer
	err = device.Enter(b.Devices()[0], func(*device.Context) error {
		var err error
		model, err = transformer.New(ctx, p, b, opts...)
		return err
	})
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return &loaded{model: model, backend: b, weights: p}, nil
}
