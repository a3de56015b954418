package inventory

import (
	"fmt"
	"sync"

	"github.com/spf13/viper"
)

// Definition is the static metadata for one item type.
type Definition struct {
	ID       string
	Name     string
	W, H     int     // grid footprint in cells
	MaxStack int     // <= 1 means non-stackable
	Weight   float64 // per unit
}

// Footprint returns the item's footprint, defaulting to 1×1.
func (d *Definition) Footprint() (w, h int) {
	w, h = d.W, d.H
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	return w, h
}

// Stackable reports whether instances of this definition merge into stacks.
func (d *Definition) Stackable() bool {
	return d.MaxStack > 1
}

// Catalog maps definition IDs to Definitions. Populated during startup
// alongside the field registry and read-only afterwards.
type Catalog struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewCatalog creates an empty Catalog.
func NewCatalog() *Catalog {
	return &Catalog{defs: make(map[string]*Definition)}
}

// Register adds a definition; duplicate IDs are rejected.
func (c *Catalog) Register(def *Definition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.defs[def.ID]; ok {
		return fmt.Errorf("inventory: duplicate item definition %q", def.ID)
	}
	c.defs[def.ID] = def
	return nil
}

// Get returns the definition for id, or nil.
func (c *Catalog) Get(id string) *Definition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defs[id]
}

type catalogFile struct {
	Items []struct {
		ID       string  `mapstructure:"id"`
		Name     string  `mapstructure:"name"`
		W        int     `mapstructure:"w"`
		H        int     `mapstructure:"h"`
		MaxStack int     `mapstructure:"max_stack"`
		Weight   float64 `mapstructure:"weight"`
	} `mapstructure:"items"`
}

// LoadFile registers every definition listed in a YAML catalog file.
func (c *Catalog) LoadFile(path string) error {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("inventory: read catalog: %w", err)
	}
	var f catalogFile
	if err := v.Unmarshal(&f); err != nil {
		return fmt.Errorf("inventory: parse catalog: %w", err)
	}
	for _, it := range f.Items {
		if it.ID == "" {
			return fmt.Errorf("inventory: catalog entry without id in %s", path)
		}
		def := &Definition{
			ID:       it.ID,
			Name:     it.Name,
			W:        it.W,
			H:        it.H,
			MaxStack: it.MaxStack,
			Weight:   it.Weight,
		}
		if err := c.Register(def); err != nil {
			return err
		}
	}
	return nil
}
