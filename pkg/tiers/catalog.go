package tiers

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	dayFormat = "2006-01-02"
	indexDir  = "_index"
	fileExt   = ".ndjson"
)

// Catalog lists tier partitions. Listings are cached only while a Watcher
// keeps the catalog informed of external changes; otherwise every call walks
// the directory tree.
type Catalog struct {
	root string

	mu       sync.RWMutex
	cached   []Partition
	valid    bool
	cacheOn  bool
	rebuilds int
}

// NewCatalog creates a catalog over root.
func NewCatalog(root string) *Catalog {
	return &Catalog{root: root}
}

// Root returns the store root directory.
func (c *Catalog) Root() string {
	return c.root
}

// Invalidate drops the cached listing.
func (c *Catalog) Invalidate() {
	c.mu.Lock()
	c.valid = false
	c.mu.Unlock()
}

func (c *Catalog) enableCache(on bool) {
	c.mu.Lock()
	c.cacheOn = on
	c.valid = false
	c.mu.Unlock()
}

// Rebuilds reports how many times the listing was read from disk.
func (c *Catalog) Rebuilds() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rebuilds
}

// Partitions returns partitions of the given tiers (all tiers when empty),
// newest day first, then by tier order and session name.
func (c *Catalog) Partitions(tiers []Tier) ([]Partition, error) {
	all, err := c.all()
	if err != nil {
		return nil, err
	}
	if len(tiers) == 0 {
		return all, nil
	}
	want := make(map[Tier]bool, len(tiers))
	for _, t := range tiers {
		want[t] = true
	}
	out := make([]Partition, 0, len(all))
	for _, p := range all {
		if want[p.Tier] {
			out = append(out, p)
		}
	}
	return out, nil
}

func (c *Catalog) all() ([]Partition, error) {
	c.mu.RLock()
	if c.cacheOn && c.valid {
		out := append([]Partition(nil), c.cached...)
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	parts, err := c.walk()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.rebuilds++
	if c.cacheOn {
		c.cached = parts
		c.valid = true
	}
	c.mu.Unlock()
	return append([]Partition(nil), parts...), nil
}

func (c *Catalog) walk() ([]Partition, error) {
	parts := []Partition{}
	for _, tier := range AllTiers {
		tierDir := filepath.Join(c.root, string(tier))
		days, err := os.ReadDir(tierDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, d := range days {
			if !d.IsDir() || !validDay(d.Name()) {
				continue
			}
			dayDir := filepath.Join(tierDir, d.Name())
			files, err := os.ReadDir(dayDir)
			if err != nil {
				continue
			}
			for _, f := range files {
				name := f.Name()
				if f.IsDir() || !strings.HasSuffix(name, fileExt) {
					continue
				}
				parts = append(parts, Partition{
					Tier:    tier,
					Day:     d.Name(),
					Session: strings.TrimSuffix(name, fileExt),
					Path:    filepath.Join(dayDir, name),
				})
			}
		}
	}

	sort.SliceStable(parts, func(i, j int) bool {
		if parts[i].Day != parts[j].Day {
			return parts[i].Day > parts[j].Day
		}
		if parts[i].Tier != parts[j].Tier {
			return tierOrder(parts[i].Tier) < tierOrder(parts[j].Tier)
		}
		return parts[i].Session < parts[j].Session
	})
	return parts, nil
}

func validDay(s string) bool {
	_, err := time.Parse(dayFormat, s)
	return err == nil
}

func tierOrder(t Tier) int {
	for i, x := range AllTiers {
		if x == t {
			return i
		}
	}
	return len(AllTiers)
}
