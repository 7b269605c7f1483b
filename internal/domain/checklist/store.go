package checklist

import (
	"fmt"
	"sort"
	"sync"

	"github.com/goes/intake/internal/platform/textnorm"
)

type listKey struct {
	session string
	kind    Kind
}

type list struct {
	mu    sync.Mutex
	kind  Kind
	area  string
	items []Item
	// folded item name -> position in items
	index map[string]int
}

// Store keeps the checklists of every live session. The map is guarded by
// one lock; each checklist has its own lock so sessions never contend.
type Store struct {
	catalog *Catalog

	mu    sync.RWMutex
	lists map[listKey]*list
}

// NewStore creates an empty store backed by catalog. A nil catalog uses the
// embedded one.
func NewStore(catalog *Catalog) *Store {
	if catalog == nil {
		catalog = DefaultCatalog()
	}
	return &Store{catalog: catalog, lists: make(map[listKey]*list)}
}

func (s *Store) Catalog() *Catalog { return s.catalog }

// Create builds the checklist of the given kind for session unless it
// already exists. area only applies to KindCriteria and is resolved against
// the catalog. The returned snapshot reflects the stored checklist, which
// may be the pre-existing one.
func (s *Store) Create(session string, kind Kind, area string) (Snapshot, error) {
	var criteria []Criterion
	switch kind {
	case KindCriteria:
		area = s.catalog.Resolve(area)
		criteria = s.catalog.Criteria(area)
	case KindRisk:
		area = ""
		criteria = RiskItems
	default:
		return Snapshot{}, fmt.Errorf("checklist: unknown kind %q", kind)
	}

	key := listKey{session, kind}
	s.mu.Lock()
	l, ok := s.lists[key]
	if !ok {
		l = newList(kind, area, criteria)
		s.lists[key] = l
	}
	s.mu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot(), nil
}

func newList(kind Kind, area string, criteria []Criterion) *list {
	l := &list{
		kind:  kind,
		area:  area,
		items: make([]Item, 0, len(criteria)),
		index: make(map[string]int, len(criteria)),
	}
	for _, c := range criteria {
		l.index[textnorm.Fold(c.Name)] = len(l.items)
		l.items = append(l.items, Item{
			Name:     c.Name,
			Status:   StatusPending,
			Weight:   c.Weight,
			Question: c.Question,
		})
	}
	return l
}

func (s *Store) get(session string, kind Kind) *list {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lists[listKey{session, kind}]
}

// Snapshot returns a copy of the checklist.
func (s *Store) Snapshot(session string, kind Kind) Snapshot {
	l := s.get(session, kind)
	if l == nil {
		return Snapshot{Pending: []Item{}, Answered: []Item{}}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snapshot()
}

// Update upserts one item and reports whether anything changed. Names are
// matched ignoring case and accents. A pending update on an answered item
// is a no-op; an answered update on an answered item refreshes its value.
func (s *Store) Update(session string, kind Kind, u Update) (bool, error) {
	if u.Status != StatusPending && u.Status != StatusAnswered {
		return false, fmt.Errorf("%w: %q", ErrBadStatus, u.Status)
	}
	l := s.get(session, kind)
	if l == nil {
		return false, fmt.Errorf("%w: %s/%s", ErrNoChecklist, session, kind)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[textnorm.Fold(u.Name)]
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownItem, u.Name)
	}
	it := &l.items[i]

	// Status never regresses, and pending on pending changes nothing.
	if u.Status == StatusPending {
		return false, nil
	}

	changed := it.Status != StatusAnswered || !sameString(it.Value, u.Value)
	it.Status = StatusAnswered
	it.Value = copyString(u.Value)
	it.Confidence = copyFloat(u.Confidence)
	if u.Source != "" {
		it.Source = u.Source
	}
	return changed, nil
}

// Canonical returns the stored spelling of an item name, ignoring case and
// accents.
func (s *Store) Canonical(session string, kind Kind, name string) (string, bool) {
	l := s.get(session, kind)
	if l == nil {
		return "", false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.index[textnorm.Fold(name)]
	if !ok {
		return "", false
	}
	return l.items[i].Name, true
}

// Delete drops every checklist of session.
func (s *Store) Delete(session string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lists, listKey{session, KindCriteria})
	delete(s.lists, listKey{session, KindRisk})
}

// snapshot must be called with l.mu held.
func (l *list) snapshot() Snapshot {
	snap := Snapshot{
		Exists:   true,
		Kind:     l.kind,
		Area:     l.area,
		Pending:  []Item{},
		Answered: []Item{},
	}
	for _, it := range l.items {
		c := it
		c.Value = copyString(it.Value)
		c.Confidence = copyFloat(it.Confidence)
		if it.Status == StatusAnswered {
			snap.Answered = append(snap.Answered, c)
		} else {
			snap.Pending = append(snap.Pending, c)
		}
	}
	if l.kind == KindCriteria {
		sort.SliceStable(snap.Pending, func(i, j int) bool {
			return snap.Pending[i].Weight > snap.Pending[j].Weight
		})
	}
	snap.Counts = Counts{
		Total:    len(l.items),
		Pending:  len(snap.Pending),
		Answered: len(snap.Answered),
	}
	return snap
}

func sameString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func copyString(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func copyFloat(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
