// Package convoy implements the lightweight grouping of Beads into a named
// batch: a Convoy carries no claim or lock semantics of its own, it is only
// ever referenced by a Bead's ConvoyID.
package convoy

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/zulandar/foreman/internal/util"
)

// ErrNotFound is returned when a referenced Convoy id does not exist.
var ErrNotFound = errors.New("convoy: not found")

const convoysSubdir = "convoys"

// Convoy is a named grouping of Bead ids, created up front (e.g. "all the
// beads migrating auth to OAuth") and never claimed or locked itself.
type Convoy struct {
	ID        string    `yaml:"id"`
	Name      string    `yaml:"name"`
	BeadIDs   []string  `yaml:"bead_ids,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

// Registry is the file-backed directory of Convoys, rooted alongside the
// Bead store's own metadata directory.
type Registry struct {
	dir string
}

// Open prepares a Registry rooted at repoDir, creating the convoys
// subdirectory if absent.
func Open(repoDir string) (*Registry, error) {
	dir := filepath.Join(repoDir, ".beads", convoysSubdir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("convoy: creating convoys dir: %w", err)
	}
	return &Registry{dir: dir}, nil
}

func (r *Registry) path(id string) string {
	return filepath.Join(r.dir, id+".yaml")
}

// Create persists a new Convoy with the given id and name. It is an error
// to reuse an existing id.
func (r *Registry) Create(id, name string) (*Convoy, error) {
	if _, err := os.Stat(r.path(id)); err == nil {
		return nil, fmt.Errorf("convoy: id %q already exists", id)
	}
	c := &Convoy{ID: id, Name: name, CreatedAt: time.Now().UTC()}
	if err := r.save(c); err != nil {
		return nil, err
	}
	return c, nil
}

func (r *Registry) save(c *Convoy) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("convoy: marshaling %s: %w", c.ID, err)
	}
	if err := util.AtomicWriteFile(r.path(c.ID), data, 0644); err != nil {
		return fmt.Errorf("convoy: writing %s: %w", c.ID, err)
	}
	return nil
}

// Get loads a Convoy by id.
func (r *Registry) Get(id string) (*Convoy, error) {
	data, err := os.ReadFile(r.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("convoy: reading %s: %w", id, err)
	}
	var c Convoy
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("convoy: parsing %s: %w", id, err)
	}
	return &c, nil
}

// AddBead appends beadID to the Convoy's membership, idempotently.
func (r *Registry) AddBead(convoyID, beadID string) error {
	c, err := r.Get(convoyID)
	if err != nil {
		return err
	}
	if util.ContainsString(c.BeadIDs, beadID) {
		return nil
	}
	c.BeadIDs = append(c.BeadIDs, beadID)
	return r.save(c)
}

// RemoveBead drops beadID from the Convoy's membership, if present.
func (r *Registry) RemoveBead(convoyID, beadID string) error {
	c, err := r.Get(convoyID)
	if err != nil {
		return err
	}
	c.BeadIDs = util.RemoveFromSlice(c.BeadIDs, beadID)
	return r.save(c)
}

// List returns every Convoy, sorted by id.
func (r *Registry) List() ([]*Convoy, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("convoy: listing convoys dir: %w", err)
	}
	var out []*Convoy
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".yaml")]
		c, err := r.Get(id)
		if err != nil {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}
