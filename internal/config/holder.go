package config

import "sync/atomic"

// Holder stores the active Config and supports reload from the YAML path
// the process started with. Readers always see a complete config.
type Holder struct {
	cfg      atomic.Pointer[Config]
	yamlPath string
}

// NewHolder wraps an initial config with its source path.
func NewHolder(cfg *Config, yamlPath string) *Holder {
	h := &Holder{yamlPath: yamlPath}
	h.cfg.Store(cfg)
	return h
}

// Get returns the active config.
func (h *Holder) Get() *Config {
	return h.cfg.Load()
}

// Reload re-runs the defaults < YAML < ENV hierarchy and swaps in the
// result. On any error the previous config stays active.
func (h *Holder) Reload() error {
	cfg, err := LoadFrom(h.yamlPath)
	if err != nil {
		return err
	}
	h.cfg.Store(cfg)
	return nil
}
