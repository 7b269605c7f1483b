package checklist

import (
	_ "embed"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/goes/intake/internal/platform/textnorm"
)

// DefaultArea is used when the triage area is missing or unknown.
const DefaultArea = "sintomas generales"

//go:embed catalog.yaml
var embeddedCatalog []byte

// Criterion is one interview variable of an area.
type Criterion struct {
	Name     string `yaml:"name" json:"name"`
	Question string `yaml:"question" json:"question"`
	Weight   int    `yaml:"weight" json:"weight"`
}

// Catalog holds the interview criteria per triage area.
type Catalog struct {
	areas map[string][]Criterion
	// folded area name -> canonical name
	index map[string]string
}

type catalogFile struct {
	Areas map[string][]Criterion `yaml:"areas"`
}

// LoadCatalog decodes a YAML catalog. Every area needs at least one
// criterion, names must be unique within an area, and DefaultArea must be
// present.
func LoadCatalog(r io.Reader) (*Catalog, error) {
	var f catalogFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode criteria catalog: %w", err)
	}
	c := &Catalog{
		areas: make(map[string][]Criterion, len(f.Areas)),
		index: make(map[string]string, len(f.Areas)),
	}
	for area, criteria := range f.Areas {
		area = strings.TrimSpace(area)
		if len(criteria) == 0 {
			return nil, fmt.Errorf("area %q has no criteria", area)
		}
		seen := make(map[string]bool, len(criteria))
		for _, cr := range criteria {
			key := textnorm.Fold(cr.Name)
			if key == "" {
				return nil, fmt.Errorf("area %q has a criterion without name", area)
			}
			if seen[key] {
				return nil, fmt.Errorf("area %q: duplicate criterion %q", area, cr.Name)
			}
			seen[key] = true
		}
		folded := textnorm.Fold(area)
		if prev, dup := c.index[folded]; dup {
			return nil, fmt.Errorf("duplicate area %q and %q", prev, area)
		}
		c.index[folded] = area
		c.areas[area] = append([]Criterion(nil), criteria...)
	}
	if _, ok := c.index[textnorm.Fold(DefaultArea)]; !ok {
		return nil, fmt.Errorf("criteria catalog must define area %q", DefaultArea)
	}
	return c, nil
}

// LoadCatalogFile reads a catalog override from disk.
func LoadCatalogFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open criteria catalog: %w", err)
	}
	defer f.Close()
	return LoadCatalog(f)
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
)

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() *Catalog {
	defaultOnce.Do(func() {
		c, err := LoadCatalog(strings.NewReader(string(embeddedCatalog)))
		if err != nil {
			panic(fmt.Sprintf("embedded criteria catalog: %v", err))
		}
		defaultCat = c
	})
	return defaultCat
}

// Resolve maps an area name onto its canonical catalog spelling, ignoring
// case and accents. Unknown or empty areas resolve to DefaultArea.
func (c *Catalog) Resolve(area string) string {
	if canon, ok := c.index[textnorm.Fold(area)]; ok {
		return canon
	}
	return c.index[textnorm.Fold(DefaultArea)]
}

// Known reports whether area names a catalog area.
func (c *Catalog) Known(area string) bool {
	_, ok := c.index[textnorm.Fold(area)]
	return ok
}

// Criteria returns a copy of the criteria of the resolved area.
func (c *Catalog) Criteria(area string) []Criterion {
	return append([]Criterion(nil), c.areas[c.Resolve(area)]...)
}

// Areas lists the canonical area names in alphabetical order.
func (c *Catalog) Areas() []string {
	out := make([]string, 0, len(c.areas))
	for a := range c.areas {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}
