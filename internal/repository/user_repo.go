package repository

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/dumontcloud/control-plane/internal/errs"
)

// UserRecord is one entry of the file-backed user/settings store (§6): "a
// JSON object mapping emails to {password_hash, provider_api_key,
// settings}".
type UserRecord struct {
	Email          string         `json:"email"`
	PasswordHash   string         `json:"password_hash"`
	ProviderAPIKey string         `json:"provider_api_key,omitempty"`
	Settings       map[string]any `json:"settings,omitempty"`
}

// UserRepo is the third repository interface named in §4.11, distinct from
// ServerlessRepo and MachineHistoryRepo: a file-backed rather than
// relational store, since §6 specifies it as "a file-backed user/settings
// store (JSON object mapping emails to ...)" rather than a database table.
type UserRepo interface {
	Get(email string) (*UserRecord, error)
	Upsert(rec *UserRecord) error
	Delete(email string) error
	List() ([]*UserRecord, error)
}

// fileUserRepo implements UserRepo over a single JSON file, read-modify-
// written under a mutex on every call. Adequate for the expected scale (an
// operator-managed user list), matching the original's config-file-backed
// settings store.
type fileUserRepo struct {
	mu   sync.Mutex
	path string
}

// NewFileUserRepo opens (creating if absent) the JSON file at path.
func NewFileUserRepo(path string) (UserRepo, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
			return nil, errs.Wrap(errs.KindRepositoryFailed, "create users file", err)
		}
	}
	return &fileUserRepo{path: path}, nil
}

func (r *fileUserRepo) load() (map[string]*UserRecord, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		return nil, errs.Wrap(errs.KindRepositoryFailed, "read users file", err)
	}
	out := make(map[string]*UserRecord)
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, errs.Wrap(errs.KindRepositoryFailed, "parse users file", err)
	}
	return out, nil
}

func (r *fileUserRepo) save(users map[string]*UserRecord) error {
	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindRepositoryFailed, "encode users file", err)
	}
	if err := os.WriteFile(r.path, data, 0o600); err != nil {
		return errs.Wrap(errs.KindRepositoryFailed, "write users file", err)
	}
	return nil
}

func (r *fileUserRepo) Get(email string) (*UserRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	users, err := r.load()
	if err != nil {
		return nil, err
	}
	rec, ok := users[email]
	if !ok {
		return nil, errs.New(errs.KindNotFound, "user not found: "+email)
	}
	return rec, nil
}

func (r *fileUserRepo) Upsert(rec *UserRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	users, err := r.load()
	if err != nil {
		return err
	}
	users[rec.Email] = rec
	return r.save(users)
}

func (r *fileUserRepo) Delete(email string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	users, err := r.load()
	if err != nil {
		return err
	}
	delete(users, email)
	return r.save(users)
}

func (r *fileUserRepo) List() ([]*UserRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	users, err := r.load()
	if err != nil {
		return nil, err
	}
	out := make([]*UserRecord, 0, len(users))
	for _, u := range users {
		out = append(out, u)
	}
	return out, nil
}
