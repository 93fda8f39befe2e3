package watchlist

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/samber/oops"
	"gopkg.in/yaml.v2"

	"github.com/tianlu-intel/tianlu-db/pkg/filter"
	"github.com/tianlu-intel/tianlu-db/pkg/log"
)

// Item is one named watch profile.
type Item struct {
	Name        string   `yaml:"name" toml:"name"`
	Keywords    []string `yaml:"keywords" toml:"keywords"`
	Vendors     []string `yaml:"vendors" toml:"vendors"`
	Products    []string `yaml:"products" toml:"products"`
	SeverityMin string   `yaml:"severity_min" toml:"severity_min"`
}

type Config struct {
	Items []Item `yaml:"items" toml:"items"`
}

// Watch resolves the item into digest criteria.
func (i Item) Watch(since, cvePattern string, limit int) filter.Watch {
	return filter.Watch{
		Since:       since,
		SeverityMin: i.SeverityMin,
		Keywords:    i.Keywords,
		Vendors:     i.Vendors,
		Products:    i.Products,
		CVEPattern:  cvePattern,
		Limit:       limit,
	}
}

// Load reads a watchlist file. ".toml" files are TOML; anything else is YAML.
func Load(path string) (Config, error) {
	eb := oops.In("watchlist").With("file_path", path)

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, eb.Wrapf(err, "file read error")
	}

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		cfg, err = parseTOML(b)
	} else {
		cfg, err = parseYAML(b)
	}
	if err != nil {
		return Config{}, eb.Wrapf(err, "watchlist parse error")
	}

	if err = cfg.validate(); err != nil {
		return Config{}, eb.Wrapf(err, "invalid watchlist")
	}
	return cfg, nil
}

// parseYAML accepts either a top-level list of items or an "items" mapping.
func parseYAML(b []byte) (Config, error) {
	var items []Item
	if err := yaml.Unmarshal(b, &items); err == nil {
		return Config{Items: items}, nil
	}

	var cfg Config
	if err := yaml.UnmarshalStrict(b, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseTOML(b []byte) (Config, error) {
	var cfg Config
	md, err := toml.Decode(string(b), &cfg)
	if err != nil {
		return Config{}, err
	}
	for _, key := range md.Undecoded() {
		log.Warn("Unknown watchlist key", log.String("key", key.String()))
	}
	return cfg, nil
}

func (c Config) validate() error {
	if len(c.Items) == 0 {
		return oops.Errorf("no watchlist items")
	}
	for i, item := range c.Items {
		if strings.TrimSpace(item.Name) == "" {
			return oops.With("index", i).Errorf("item %d has no name", i)
		}
	}
	return nil
}
