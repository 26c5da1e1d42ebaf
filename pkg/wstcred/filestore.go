package wstcred

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wstether/pkg/wstsig"
)

// FileStore persists credentials in one JSON document, optionally sealed
// under a passphrase. With watching enabled, external changes to the file
// are reloaded so long-running processes pick up pairing changes made by
// another tool.
type FileStore struct {
	*asyncobj.Helper
	path       string
	passphrase string
	watcher    *fsnotify.Watcher

	mu  sync.Mutex
	doc *credDoc
}

type credDoc struct {
	Hosts  map[string]*hostRecord `json:"hosts"`
	Tokens *tokenRecord           `json:"tokens,omitempty"`
}

type hostRecord struct {
	HostID        string    `json:"host_id"`
	KeySeed       []byte    `json:"key_seed"`
	HostVerifyKey []byte    `json:"host_verify_key"`
	PairedAt      time.Time `json:"paired_at"`
}

type tokenRecord struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// NewFileStore opens or creates a credential file. An empty passphrase
// keeps the file plaintext. With watch true, the document is reloaded
// whenever the file changes on disk.
func NewFileStore(lg logger.Logger, path, passphrase string, watch bool) (*FileStore, error) {
	s := &FileStore{
		path:       path,
		passphrase: passphrase,
	}
	s.Helper = asyncobj.NewHelper(lg.ForkLogStr("cred-store"), s)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	doc, err := s.readDoc()
	if err != nil {
		return nil, err
	}
	s.doc = doc
	if watch {
		w, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, err
		}
		// Watch the directory, not the file, so replace-by-rename and
		// late creation are both seen.
		if err := w.Add(filepath.Dir(path)); err != nil {
			w.Close()
			return nil, err
		}
		s.watcher = w
		go s.watchLoop()
	}
	s.SetIsActivated()
	return s, nil
}

// HandleOnceShutdown stops the file watcher.
func (s *FileStore) HandleOnceShutdown(completionErr error) error {
	if s.watcher != nil {
		s.watcher.Close()
	}
	return completionErr
}

func (s *FileStore) watchLoop() {
	for {
		select {
		case e, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(e.Name) != filepath.Clean(s.path) {
				continue
			}
			if e.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := s.reload(); err != nil {
				s.WLogf("credential file reload failed, keeping previous state: %s", err)
			} else {
				s.DLogf("credential file reloaded after external change")
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.WLogf("credential file watcher error: %s", err)
		}
	}
}

func (s *FileStore) readDoc() (*credDoc, error) {
	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return &credDoc{Hosts: map[string]*hostRecord{}}, nil
	}
	if err != nil {
		return nil, err
	}
	if s.passphrase != "" {
		raw, err = Decrypt(s.passphrase, raw)
		if err != nil {
			return nil, err
		}
	} else if IsEncrypted(raw) {
		return nil, fmt.Errorf("credential file %s is encrypted and no passphrase is configured", s.path)
	}
	var doc credDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("credential file %s is corrupt: %w", s.path, err)
	}
	if doc.Hosts == nil {
		doc.Hosts = make(map[string]*hostRecord)
	}
	return &doc, nil
}

func (s *FileStore) reload() error {
	doc, err := s.readDoc()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

func (s *FileStore) saveLocked() error {
	raw, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return err
	}
	if s.passphrase != "" {
		raw, err = Encrypt(s.passphrase, raw)
		if err != nil {
			return err
		}
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.path, raw, 0o600)
}

func (s *FileStore) GetHost(_ context.Context, hostID string) (*PairedHost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.doc.Hosts[hostID]
	if !ok {
		return nil, ErrNotFound
	}
	return recordToHost(rec)
}

func (s *FileStore) PutHost(_ context.Context, host *PairedHost) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Hosts[host.HostID] = &hostRecord{
		HostID:        host.HostID,
		KeySeed:       host.Keypair.Seed(),
		HostVerifyKey: host.HostVerifyKey,
		PairedAt:      host.PairedAt,
	}
	return s.saveLocked()
}

func (s *FileStore) DeleteHost(_ context.Context, hostID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.doc.Hosts[hostID]; !ok {
		return nil
	}
	delete(s.doc.Hosts, hostID)
	return s.saveLocked()
}

func (s *FileStore) ListHosts(_ context.Context) ([]*PairedHost, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PairedHost, 0, len(s.doc.Hosts))
	for _, rec := range s.doc.Hosts {
		h, err := recordToHost(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func (s *FileStore) GetTokens(_ context.Context) (*TokenPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Tokens == nil {
		return nil, ErrNotFound
	}
	return &TokenPair{Access: s.doc.Tokens.Access, Refresh: s.doc.Tokens.Refresh}, nil
}

func (s *FileStore) PutTokens(_ context.Context, tokens *TokenPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Tokens = &tokenRecord{Access: tokens.Access, Refresh: tokens.Refresh}
	return s.saveLocked()
}

func (s *FileStore) DeleteTokens(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.doc.Tokens == nil {
		return nil
	}
	s.doc.Tokens = nil
	return s.saveLocked()
}

func recordToHost(rec *hostRecord) (*PairedHost, error) {
	kp, err := wstsig.KeypairFromSeed(rec.KeySeed)
	if err != nil {
		return nil, fmt.Errorf("stored key for host %s: %w", rec.HostID, err)
	}
	return &PairedHost{
		HostID:        rec.HostID,
		Keypair:       kp,
		HostVerifyKey: append(ed25519.PublicKey(nil), rec.HostVerifyKey...),
		PairedAt:      rec.PairedAt,
	}, nil
}
