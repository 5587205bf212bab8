// Package store persists the bridge's two small on-disk values (push
// key, product id), the append-only decoded-cloud-payload log, the
// captured update response, and the mirrored static asset tree.
// Atomicity is not required here: last-write-wins is acceptable, per
// spec.md §4.4.
package store

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	logging "github.com/op/go-logging"
)

var log = logging.MustGetLogger("store")

const (
	pushKeyFile   = "pushkey.txt"
	productIDFile = "product_id.txt"
	requestLog    = "server_requests.txt"
	updateFile    = "update.json"
)

// Store is a thin wrapper around the working-directory-relative files
// the bridge persists across restarts.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New returns a Store rooted at dir (the process working directory if
// dir is empty).
func New(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(name string) string {
	if s.dir == "" {
		return name
	}
	return filepath.Join(s.dir, name)
}

// LoadPushKey reads pushkey.txt. Absence is non-fatal: it returns ("",
// false, nil).
func (s *Store) LoadPushKey() (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(pushKeyFile))
	if os.IsNotExist(err) {
		log.Warning("no push key file found")
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	key := strings.TrimSpace(string(data))
	log.Infof("push key loaded from file: %s...", truncate(key, 8))
	return key, true, nil
}

// SavePushKey writes pushkey.txt.
func (s *Store) SavePushKey(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.path(pushKeyFile), []byte(key), 0o644); err != nil {
		log.Errorf("error saving push key: %v", err)
		return err
	}
	log.Infof("push key set and saved: %s...", truncate(key, 8))
	return nil
}

// LoadProductID reads product_id.txt. Absence is non-fatal.
func (s *Store) LoadProductID() (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(productIDFile))
	if os.IsNotExist(err) {
		log.Warning("no product ID file found")
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	id, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, err
	}
	log.Infof("product ID loaded from file: %d", id)
	return id, true, nil
}

// SaveProductID writes product_id.txt.
func (s *Store) SaveProductID(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.path(productIDFile), []byte(strconv.Itoa(id)), 0o644); err != nil {
		log.Errorf("error saving product ID: %v", err)
		return err
	}
	log.Infof("product ID set and saved: %d", id)
	return nil
}

// AppendRequestLog appends one compact-JSON line to server_requests.txt.
func (s *Store) AppendRequestLog(payload map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	line, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(s.path(requestLog), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = f.Write(append(line, '\n'))
	return err
}

// SaveUpdateCapture writes the original upgrade response body to
// update.json, before it gets rewritten in the response.
func (s *Store) SaveUpdateCapture(body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.WriteFile(s.path(updateFile), body, 0o644)
}

// StaticAssetPath returns the on-disk mirror path for host+urlPath
// under dataPath.
func StaticAssetPath(dataPath, host, urlPath string) string {
	return filepath.Join(dataPath, host, strings.TrimPrefix(urlPath, "/"))
}

// ReadStaticAsset reads a mirrored static asset, returning (nil, false,
// nil) if it doesn't exist.
func ReadStaticAsset(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// WriteStaticAsset mirrors a static asset to disk, creating parent
// directories as needed.
func WriteStaticAsset(path string, body []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o644)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
