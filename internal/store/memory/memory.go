// Package memory provides an in-memory store.Store for tests and local
// development. All operations are guarded by a single mutex, which is
// enough to give ConsumeView and ClaimOneShot the same atomicity the
// PostgreSQL implementation gets from conditional updates.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ElliottDenis/Viewport/internal/store"
)

// Store is a mutex-guarded in-memory object store.
type Store struct {
	mu       sync.Mutex
	objects  map[string]*store.Object // by id
	byCode   map[string]string        // code -> id
	accounts map[string]*store.Account
	members  map[string]map[string]bool // accountID -> userID set
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		objects:  make(map[string]*store.Object),
		byCode:   make(map[string]string),
		accounts: make(map[string]*store.Account),
		members:  make(map[string]map[string]bool),
	}
}

// AddAccount seeds an account. Test helper.
func (s *Store) AddAccount(a store.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[a.ID] = &a
}

// AddMember seeds a membership. Test helper.
func (s *Store) AddMember(accountID, userID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[accountID] == nil {
		s.members[accountID] = make(map[string]bool)
	}
	s.members[accountID][userID] = true
}

func (s *Store) InsertObject(ctx context.Context, obj *store.Object) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.byCode[obj.Code]; taken {
		return store.ErrCodeTaken
	}
	cp := *obj
	s.objects[obj.ID] = &cp
	s.byCode[obj.Code] = obj.ID
	return nil
}

func (s *Store) GetObjectByID(ctx context.Context, id string) (*store.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *obj
	return &cp, nil
}

func (s *Store) GetObjectByCode(ctx context.Context, code string) (*store.Object, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCode[code]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s.objects[id]
	return &cp, nil
}

func (s *Store) SetObjectBytes(ctx context.Context, id string, bytes int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok {
		return store.ErrNotFound
	}
	obj.Bytes = bytes
	return nil
}

func (s *Store) ConsumeView(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok {
		return false, nil
	}
	if obj.ViewLimit > 0 && obj.ViewsUsed >= obj.ViewLimit {
		return false, nil
	}
	obj.ViewsUsed++
	return true, nil
}

func (s *Store) ClaimOneShot(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[id]
	if !ok || obj.Claimed {
		return false, nil
	}
	obj.Claimed = true
	return true, nil
}

func (s *Store) DeleteObject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj, ok := s.objects[id]; ok {
		delete(s.byCode, obj.Code)
		delete(s.objects, id)
	}
	return nil
}

func (s *Store) PurgeExpired(ctx context.Context, now time.Time) ([]store.PurgedObject, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var purged []store.PurgedObject
	for id, obj := range s.objects {
		if obj.Expired(now) {
			purged = append(purged, store.PurgedObject{ID: id, StoragePath: obj.StoragePath})
			delete(s.byCode, obj.Code)
			delete(s.objects, id)
		}
	}
	return purged, nil
}

func (s *Store) CountLiveObjects(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.objects)), nil
}

func (s *Store) GetAccount(ctx context.Context, id string) (*store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListVerifiedAccounts(ctx context.Context) ([]store.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Account
	for _, a := range s.accounts {
		if a.Verified {
			out = append(out, *a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DisplayName < out[j].DisplayName })
	return out, nil
}

func (s *Store) IsMember(ctx context.Context, accountID, userID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.members[accountID][userID], nil
}
