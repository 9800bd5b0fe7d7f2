// Package model loads detection backends and caches the loaded handles.
//
// Backends register themselves from an init function, the same way
// database/sql drivers do:
//
//	import _ "github.com/dj-oyu/ppe-detection-app/internal/model/onnx"
package model

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/dj-oyu/ppe-detection-app/internal/config"
	"github.com/dj-oyu/ppe-detection-app/internal/detect"
	"github.com/dj-oyu/ppe-detection-app/internal/logger"
)

var (
	// ErrUnknownBackend is returned when no backend is registered under a name.
	ErrUnknownBackend = errors.New("unknown model backend")
	// ErrModelUnreadable is returned when the model file cannot be read.
	ErrModelUnreadable = errors.New("model file unreadable")
)

// Factory opens a detector for the given model configuration.
type Factory func(ctx context.Context, cfg config.ModelConfig) (detect.Detector, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available under name. It panics on duplicates.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if f == nil {
		panic("model: Register factory is nil")
	}
	if _, dup := registry[name]; dup {
		panic("model: Register called twice for backend " + name)
	}
	registry[name] = f
}

// Backends lists the registered backend names in sorted order.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Open looks up cfg.Backend and opens a fresh detector.
func Open(ctx context.Context, cfg config.ModelConfig) (detect.Detector, error) {
	registryMu.RLock()
	f, ok := registry[cfg.Backend]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (registered: %s)", ErrUnknownBackend, cfg.Backend, strings.Join(Backends(), ", "))
	}
	return f(ctx, cfg)
}

// CheckReadable verifies that path names a regular file the process can read.
func CheckReadable(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty path", ErrModelUnreadable)
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnreadable, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnreadable, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %s is not a regular file", ErrModelUnreadable, path)
	}
	var b [1]byte
	if _, err := f.Read(b[:]); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrModelUnreadable, err)
	}
	return nil
}

// Cache holds loaded detectors keyed by backend and location.
// Failed loads are not cached.
type Cache struct {
	mu      sync.Mutex
	entries map[string]detect.Detector
	open    func(context.Context, config.ModelConfig) (detect.Detector, error)
}

// NewCache returns an empty cache that opens detectors through Open.
func NewCache() *Cache {
	return &Cache{entries: make(map[string]detect.Detector), open: Open}
}

func cacheKey(cfg config.ModelConfig) string {
	return cfg.Backend + "|" + cfg.Path + "|" + cfg.URL
}

// Postprocessors returns the result filters cfg asks for.
func Postprocessors(cfg config.ModelConfig) []detect.Postprocessor {
	var post []detect.Postprocessor
	if len(cfg.ShowClasses) > 0 {
		post = append(post, detect.ClassFilter(cfg.ShowClasses...))
	}
	if cfg.MinBoxArea > 0 {
		post = append(post, detect.AreaFilter(cfg.MinBoxArea))
	}
	return post
}

// Load returns the cached detector for cfg, opening it on first use.
// The cfg filters wrap the cached handle; they do not take part in the key.
func (c *Cache) Load(ctx context.Context, cfg config.ModelConfig) (detect.Detector, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	post := Postprocessors(cfg)
	key := cacheKey(cfg)
	if det, ok := c.entries[key]; ok {
		return detect.Filtered(det, post...), nil
	}

	det, err := c.open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c.entries[key] = det
	logger.Info("Model", "Loaded %s model (%s, %d result filters)", cfg.Backend, location(cfg), len(post))
	return detect.Filtered(det, post...), nil
}

// Len reports how many detectors are cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Close releases every cached detector that holds native resources.
func (c *Cache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for key, det := range c.entries {
		if cl, ok := det.(detect.Closer); ok {
			if err := cl.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", key, err))
			}
		}
		delete(c.entries, key)
	}
	return errors.Join(errs...)
}

func location(cfg config.ModelConfig) string {
	if cfg.Path != "" {
		return cfg.Path
	}
	return cfg.URL
}
