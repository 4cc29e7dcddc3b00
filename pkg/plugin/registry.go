// Package plugin provides a registry of AI providers (STT, TTS, LLM, VAD)
// keyed by kind and name. Provider packages register themselves from init().
package plugin

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Provider kinds.
const (
	KindSTT = "stt"
	KindTTS = "tts"
	KindLLM = "llm"
	KindVAD = "vad"
)

// ErrNotFound is returned by Build when no plugin is registered under kind/name.
var ErrNotFound = errors.New("plugin not found")

// Factory creates a new provider instance from configuration.
// The returned value should be cast to the appropriate provider type
// (stt.STT, tts.TTS, llm.LLM, or vad.VAD).
type Factory func(cfg map[string]any) (any, error)

// Downloader interface for plugins that need to download model files.
type Downloader interface {
	Download() error
}

// Plugin represents a registered plugin with its metadata.
type Plugin struct {
	Kind        string         // "stt", "tts", "llm", "vad"
	Name        string         // Plugin name (e.g., "deepgram", "silero")
	Factory     Factory        // Factory function to create instances
	Description string         // Human-readable description
	Version     string         // Plugin version
	Config      map[string]any // Configuration keys and their defaults
	Downloader  Downloader     // Optional downloader for model files
}

// Registry manages plugin registration and lookup.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]map[string]*Plugin // [kind][name] -> Plugin
}

// Global registry instance
var globalRegistry = &Registry{
	plugins: make(map[string]map[string]*Plugin),
}

// Register adds a plugin to the global registry.
// This function is typically called from init() functions in plugin packages.
// Panics if a plugin with the same kind and name is already registered.
func Register(kind, name string, factory Factory) {
	globalRegistry.Register(kind, name, factory)
}

// RegisterWithMetadata adds a plugin with additional metadata to the global registry.
// Panics if a plugin with the same kind and name is already registered.
func RegisterWithMetadata(plugin *Plugin) {
	globalRegistry.RegisterWithMetadata(plugin)
}

// Get retrieves a plugin factory from the global registry.
// Returns the factory and true if found, nil and false otherwise.
func Get(kind, name string) (Factory, bool) {
	return globalRegistry.Get(kind, name)
}

// List returns all registered plugins of a specific kind.
// If kind is empty, returns all plugins.
func List(kind string) []*Plugin {
	return globalRegistry.List(kind)
}

// ListKinds returns all registered plugin kinds.
func ListKinds() []string {
	return globalRegistry.ListKinds()
}

// Build creates the kind/name provider from the global registry and asserts
// it to T.
func Build[T any](kind, name string, cfg map[string]any) (T, error) {
	return BuildFrom[T](globalRegistry, kind, name, cfg)
}

// BuildFrom is Build against a specific registry.
func BuildFrom[T any](r *Registry, kind, name string, cfg map[string]any) (T, error) {
	var zero T
	factory, ok := r.Get(kind, name)
	if !ok {
		return zero, fmt.Errorf("%s/%s: %w", kind, name, ErrNotFound)
	}
	if cfg == nil {
		cfg = map[string]any{}
	}
	v, err := factory(cfg)
	if err != nil {
		return zero, fmt.Errorf("%s/%s: %w", kind, name, err)
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%s/%s: factory returned %T", kind, name, v)
	}
	return typed, nil
}

// Downloaders returns every registered plugin that carries model files.
func Downloaders() []*Plugin {
	var out []*Plugin
	for _, p := range List("") {
		if p.Downloader != nil {
			out = append(out, p)
		}
	}
	return out
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]map[string]*Plugin)}
}

// StringOption reads key from cfg, falling back to the envVar environment
// variable (if non-empty) and then to def.
func StringOption(cfg map[string]any, key, envVar, def string) string {
	if v, ok := cfg[key].(string); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	if envVar != "" {
		if v := strings.TrimSpace(os.Getenv(envVar)); v != "" {
			return v
		}
	}
	return def
}

// BoolOption reads a bool from cfg.
func BoolOption(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key].(bool); ok {
		return v
	}
	return def
}

// FloatOption reads a number from cfg, accepting the numeric types config
// maps typically carry.
func FloatOption(cfg map[string]any, key string, def float64) float64 {
	switch v := cfg[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return def
	}
}

// Register adds a plugin to this registry instance.
// Panics if a plugin with the same kind and name is already registered.
func (r *Registry) Register(kind, name string, factory Factory) {
	plugin := &Plugin{
		Kind:    kind,
		Name:    name,
		Factory: factory,
	}
	r.RegisterWithMetadata(plugin)
}

// RegisterWithMetadata adds a plugin with metadata to this registry instance.
// Panics if a plugin with the same kind and name is already registered.
func (r *Registry) RegisterWithMetadata(plugin *Plugin) {
	if plugin.Kind == "" {
		panic("plugin kind cannot be empty")
	}
	if plugin.Name == "" {
		panic("plugin name cannot be empty")
	}
	if plugin.Factory == nil {
		panic("plugin factory cannot be nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Initialize kind map if needed
	if r.plugins[plugin.Kind] == nil {
		r.plugins[plugin.Kind] = make(map[string]*Plugin)
	}

	// Check for duplicate registration
	if existing, exists := r.plugins[plugin.Kind][plugin.Name]; exists {
		panic(fmt.Sprintf("plugin %s/%s already registered (existing version: %s, new version: %s)",
			plugin.Kind, plugin.Name, existing.Version, plugin.Version))
	}

	// Store the plugin
	r.plugins[plugin.Kind][plugin.Name] = plugin
}

// Get retrieves a plugin factory from this registry instance.
// Returns the factory and true if found, nil and false otherwise.
func (r *Registry) Get(kind, name string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kindMap, exists := r.plugins[kind]
	if !exists {
		return nil, false
	}

	plugin, exists := kindMap[name]
	if !exists {
		return nil, false
	}

	return plugin.Factory, true
}

// List returns all registered plugins of a specific kind.
// If kind is empty, returns all plugins sorted by kind then name.
func (r *Registry) List(kind string) []*Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var plugins []*Plugin

	if kind == "" {
		// Return all plugins
		for _, kindMap := range r.plugins {
			for _, plugin := range kindMap {
				plugins = append(plugins, plugin)
			}
		}
	} else {
		// Return plugins of specific kind
		if kindMap, exists := r.plugins[kind]; exists {
			for _, plugin := range kindMap {
				plugins = append(plugins, plugin)
			}
		}
	}

	// Sort by kind, then by name
	sort.Slice(plugins, func(i, j int) bool {
		if plugins[i].Kind != plugins[j].Kind {
			return plugins[i].Kind < plugins[j].Kind
		}
		return plugins[i].Name < plugins[j].Name
	})

	return plugins
}

// ListKinds returns all registered plugin kinds in sorted order.
func (r *Registry) ListKinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]string, 0, len(r.plugins))
	for kind := range r.plugins {
		kinds = append(kinds, kind)
	}

	sort.Strings(kinds)
	return kinds
}

// Clear removes all plugins from this registry instance.
// This is primarily useful for testing.
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = make(map[string]map[string]*Plugin)
}