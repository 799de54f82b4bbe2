package beads

import (
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/zulandar/foreman/internal/gitrepo"
	"github.com/zulandar/foreman/internal/util"
	"gopkg.in/yaml.v3"
)

// Sentinel errors returned by Store operations, matching the error kinds
// named in the orchestrator's error handling design.
var (
	// ErrNotFound is returned when a referenced Bead id does not exist.
	ErrNotFound = errors.New("beads: not found")
	// ErrStorage wraps an underlying filesystem or git failure.
	ErrStorage = errors.New("beads: storage error")
)

const beadsSubdir = "beads"
const locksSubdir = "locks"
const keepFile = ".gitkeep"

var idPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9-]{0,39}$`)

// Store is the persistent, crash-proof, git-audited Bead store.
type Store struct {
	repoDir    string
	beadsDir   string
	locksDir   string
	git        *gitrepo.Repo
	autoCommit bool

	mu        sync.Mutex // guards beadLocks map itself
	beadLocks map[string]*sync.Mutex
}

// Open prepares a Store rooted at repoDir, creating the beads subdirectory
// (and its .gitkeep marker) if absent. autoCommit controls whether
// mutations are staged and committed automatically.
func Open(repoDir string, autoCommit bool) (*Store, error) {
	beadsDir := filepath.Join(repoDir, ".beads", beadsSubdir)
	if err := os.MkdirAll(beadsDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating beads dir: %v", ErrStorage, err)
	}
	locksDir := filepath.Join(repoDir, ".beads", locksSubdir)
	if err := os.MkdirAll(locksDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: creating locks dir: %v", ErrStorage, err)
	}
	keep := filepath.Join(beadsDir, keepFile)
	if _, err := os.Stat(keep); os.IsNotExist(err) {
		if err := os.WriteFile(keep, nil, 0644); err != nil {
			return nil, fmt.Errorf("%w: writing keep marker: %v", ErrStorage, err)
		}
	}
	return &Store{
		repoDir:    repoDir,
		beadsDir:   beadsDir,
		locksDir:   locksDir,
		git:        gitrepo.New(repoDir),
		autoCommit: autoCommit,
		beadLocks:  make(map[string]*sync.Mutex),
	}, nil
}

func (s *Store) path(id string) string {
	return filepath.Join(s.beadsDir, id+".yaml")
}

// flockPath returns the OS-level lock file backing cross-process exclusion
// for a Bead. The in-memory beadLocks mutex only serializes goroutines
// within this process; multiple `foreman serve` processes sharing one
// repo need flock to actually exclude each other.
func (s *Store) flockPath(id string) string {
	return filepath.Join(s.locksDir, id+".lock")
}

// lockFor returns the per-bead mutex, creating it on first use. This keeps
// unrelated Beads' writes from serializing against each other while still
// giving each individual Bead exactly one writer at a time.
func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.beadLocks[id]
	if !ok {
		l = &sync.Mutex{}
		s.beadLocks[id] = l
	}
	return l
}

// commitMessage builds the "<verb>: <bead name> (<status>)" form spec.md
// requires for audit commits.
func commitMessage(verb string, b *Bead) string {
	return fmt.Sprintf("%s: %s (%s)", verb, b.Name, b.Status)
}

func (s *Store) writeAndCommit(b *Bead, verb, message string) error {
	b.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(b)
	if err != nil {
		return fmt.Errorf("%w: marshaling bead %s: %v", ErrStorage, b.ID, err)
	}
	if err := util.AtomicWriteFile(s.path(b.ID), data, 0644); err != nil {
		return fmt.Errorf("%w: writing bead %s: %v", ErrStorage, b.ID, err)
	}

	if !s.autoCommit {
		return nil
	}
	if message == "" {
		message = commitMessage(verb, b)
	}
	rel, err := filepath.Rel(s.repoDir, s.path(b.ID))
	if err != nil {
		rel = s.path(b.ID)
	}
	if err := s.git.Add(rel); err != nil {
		return fmt.Errorf("%w: staging bead %s: %v", ErrStorage, b.ID, err)
	}
	if err := s.git.Commit(message, true); err != nil {
		return fmt.Errorf("%w: committing bead %s: %v", ErrStorage, b.ID, err)
	}
	if head, err := s.git.Head(); err == nil {
		b.GitCommit = head
	}
	return nil
}

// Save persists a Bead. If message is empty a default commit message is
// derived from the Bead's name and status.
func (s *Store) Save(b *Bead, message string) error {
	l := s.lockFor(b.ID)
	l.Lock()
	defer l.Unlock()
	return s.writeAndCommit(b, "Save", message)
}

// Load returns the Bead with the given id, or ErrNotFound.
func (s *Store) Load(id string) (*Bead, error) {
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: reading bead %s: %v", ErrStorage, id, err)
	}
	var b Bead
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("%w: parsing bead %s: %v", ErrStorage, id, err)
	}
	return &b, nil
}

// LoadAll returns every Bead in the store. Files that fail to parse are
// skipped (logged to stderr) rather than failing the whole call.
func (s *Store) LoadAll() ([]*Bead, error) {
	entries, err := os.ReadDir(s.beadsDir)
	if err != nil {
		return nil, fmt.Errorf("%w: listing beads dir: %v", ErrStorage, err)
	}
	var out []*Bead
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".yaml" {
			continue
		}
		id := e.Name()[:len(e.Name())-len(".yaml")]
		b, err := s.Load(id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "beads: skipping unreadable bead %s: %v\n", id, err)
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// Delete removes a Bead file and commits the deletion.
func (s *Store) Delete(id, message string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	if _, err := os.Stat(s.path(id)); os.IsNotExist(err) {
		return ErrNotFound
	}
	if err := os.Remove(s.path(id)); err != nil {
		return fmt.Errorf("%w: deleting bead %s: %v", ErrStorage, id, err)
	}
	if !s.autoCommit {
		return nil
	}
	if message == "" {
		message = fmt.Sprintf("Delete: %s", id)
	}
	rel, _ := filepath.Rel(s.repoDir, s.path(id))
	// git add on a removed path stages the deletion.
	if err := s.git.Add(rel); err != nil {
		return fmt.Errorf("%w: staging delete of bead %s: %v", ErrStorage, id, err)
	}
	if err := s.git.Commit(message, true); err != nil {
		return fmt.Errorf("%w: committing delete of bead %s: %v", ErrStorage, id, err)
	}
	return nil
}

// Claim atomically attempts to take ownership of a Bead. It succeeds iff
// the Bead exists, its status is pending, needs_review, or in_progress,
// and it carries no unexpired lock. A Bead left in_progress with a lock
// deadline that has already passed is a crashed holder's Bead: nothing
// else resets it to pending, so Claim treats the expired lock as unlocked
// and reclaims it directly, overwriting the stale holder. On success the
// Bead transitions to in_progress under holderID with a deadline
// timeoutMinutes from now, and nil is returned alongside a true ok. A
// failed claim (contention, wrong status, or a still-live lock) returns
// ok=false with no error — contention is not a failure, per the
// orchestrator's error design.
func (s *Store) Claim(id, holderID string, timeoutMinutes int) (ok bool, err error) {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	fl := flock.New(s.flockPath(id))
	gotFlock, err := fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("%w: acquiring cross-process lock for %s: %v", ErrStorage, id, err)
	}
	if !gotFlock {
		return false, nil // another process's supervisor holds the claim lock
	}
	defer fl.Unlock()

	b, err := s.Load(id)
	if err != nil {
		return false, err
	}

	now := time.Now().UTC()
	switch b.Status {
	case StatusPending, StatusNeedsReview, StatusInProgress:
		// fall through to the lock check below
	default:
		return false, nil
	}
	if b.locked(now) {
		return false, nil // a live holder (or a still-valid pending/review lock) owns this Bead
	}

	b.LockHolder = holderID
	b.LockDeadline = now.Add(time.Duration(timeoutMinutes) * time.Minute)
	b.Status = StatusInProgress

	if err := s.writeAndCommit(b, "Claim", ""); err != nil {
		return false, err
	}
	return true, nil
}

// Release clears the lock on a Bead iff holderID matches the current
// holder. A mismatched holder is a no-op success, never an error. If the
// Bead is still in_progress, it is reset to pending so the next eligible
// claim can pick it back up.
func (s *Store) Release(id, holderID string) error {
	l := s.lockFor(id)
	l.Lock()
	defer l.Unlock()

	b, err := s.Load(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if b.LockHolder != holderID {
		return nil
	}

	b.LockHolder = ""
	b.LockDeadline = time.Time{}
	if b.Status == StatusInProgress {
		b.Status = StatusPending
	}
	return s.writeAndCommit(b, "Release", "")
}

// IsLocked reports whether id carries a non-expired lock.
func (s *Store) IsLocked(id string) (bool, error) {
	b, err := s.Load(id)
	if err != nil {
		return false, err
	}
	return b.locked(time.Now().UTC()), nil
}

// NextID produces a unique identifier under prefix by scanning existing
// Beads for the highest numeric suffix already in use. prefix must match
// idPattern to avoid producing filenames or commit messages that could be
// misread as shell-meaningful.
func (s *Store) NextID(prefix string) (string, error) {
	if !idPattern.MatchString(prefix) {
		return "", fmt.Errorf("beads: invalid id prefix %q", prefix)
	}
	all, err := s.LoadAll()
	if err != nil {
		return "", err
	}
	max := 0
	re := regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `-(\d+)$`)
	for _, b := range all {
		if m := re.FindStringSubmatch(b.ID); m != nil {
			var n int
			fmt.Sscanf(m[1], "%d", &n)
			if n > max {
				max = n
			}
		}
	}
	next := max + 1
	id := fmt.Sprintf("%s-%03d", prefix, next)
	if _, err := s.Load(id); err == nil {
		// Saturation fallback: hash-of-timestamp suffix.
		return fmt.Sprintf("%s-%d%d", prefix, time.Now().UnixNano(), rand.Intn(1000)), nil
	}
	return id, nil
}

// GetNext returns the highest-priority Bead that should be worked next:
// any resumable in_progress Bead first (one whose lock has expired because
// its holder crashed without releasing it — a Bead still owned by a live
// holder is not returned here, so it can't block other work), then
// needs_review, then pending ordered by priority descending and id
// ascending. Returns nil if nothing is eligible.
func (s *Store) GetNext() (*Bead, error) {
	all, err := s.LoadAll()
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	resumable := func(b *Bead) bool { return !b.locked(now) }
	if b := pickByStatus(all, StatusInProgress, resumable); b != nil {
		return b, nil
	}
	if b := pickByStatus(all, StatusNeedsReview, nil); b != nil {
		return b, nil
	}
	return pickByStatus(all, StatusPending, nil), nil
}

// pickByStatus returns the highest-priority Bead with the given status,
// optionally narrowed by include (nil means no further filtering).
func pickByStatus(all []*Bead, status Status, include func(*Bead) bool) *Bead {
	var matches []*Bead
	for _, b := range all {
		if b.Status != status {
			continue
		}
		if include != nil && !include(b) {
			continue
		}
		matches = append(matches, b)
	}
	if len(matches) == 0 {
		return nil
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority > matches[j].Priority
		}
		return matches[i].ID < matches[j].ID
	})
	return matches[0]
}

// Stats is the per-status count summary returned by Store.Stats.
type Stats struct {
	Total      int
	ByStatus   map[Status]int
	PercentDone float64
}

// Stats computes counts per status and overall completion percentage
// (passing / total * 100, rounded to one decimal place; 0 if the store is
// empty).
func (s *Store) Stats() (Stats, error) {
	all, err := s.LoadAll()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{ByStatus: make(map[Status]int)}
	for _, b := range all {
		st.Total++
		st.ByStatus[b.Status]++
	}
	if st.Total > 0 {
		pct := float64(st.ByStatus[StatusPassing]) / float64(st.Total) * 100
		st.PercentDone = roundTo1(pct)
	}
	return st, nil
}

func roundTo1(f float64) float64 {
	return float64(int(f*10+0.5)) / 10
}
