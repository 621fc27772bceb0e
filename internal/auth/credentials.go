package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.etcd.io/bbolt"
)

const credentialsBucket = "credentials"

var credentialsKey = []byte("current")

// ErrNoCredentials is returned by a Store that holds nothing.
var ErrNoCredentials = errors.New("no stored credentials")

// Credentials is the bearer credential pair plus its expiry.
type Credentials struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the access token is expired or will be within skew.
func (c *Credentials) Expired(now time.Time, skew time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(skew).Before(c.ExpiresAt)
}

// tokenExpiry reads the exp claim without verifying the signature. The
// ledger verifies tokens; the client only needs to know when to refresh.
func tokenExpiry(token string) (time.Time, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Store persists credentials.
type Store interface {
	Load() (*Credentials, error)
	Save(creds *Credentials) error
	Clear() error
}

// MemoryStore keeps credentials for the lifetime of the process only.
type MemoryStore struct {
	mu    sync.Mutex
	creds *Credentials
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Load() (*Credentials, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.creds == nil {
		return nil, ErrNoCredentials
	}
	c := *m.creds
	return &c, nil
}

func (m *MemoryStore) Save(creds *Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *creds
	m.creds = &c
	return nil
}

func (m *MemoryStore) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = nil
	return nil
}

// BoltStore keeps credentials across restarts ("remember me").
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens or creates the credential database at path
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(credentialsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (b *BoltStore) Load() (*Credentials, error) {
	var creds *Credentials
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(credentialsBucket)).Get(credentialsKey)
		if data == nil {
			return ErrNoCredentials
		}
		return json.Unmarshal(data, &creds)
	})
	if err != nil {
		return nil, err
	}
	return creds, nil
}

func (b *BoltStore) Save(creds *Credentials) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(creds)
		if err != nil {
			return fmt.Errorf("marshaling credentials: %w", err)
		}
		return tx.Bucket([]byte(credentialsBucket)).Put(credentialsKey, data)
	})
}

func (b *BoltStore) Clear() error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(credentialsBucket)).Delete(credentialsKey)
	})
}

// Close closes the database
func (b *BoltStore) Close() error {
	return b.db.Close()
}
