package wstcred

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sammck-go/logger"
	"github.com/sammck-go/wstether/pkg/wstsig"
)

func testLogger(t *testing.T) logger.Logger {
	t.Helper()
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelDebug),
		logger.WithPrefix(t.Name()),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

func testPairedHost(t *testing.T, hostID string) *PairedHost {
	t.Helper()
	kp, err := wstsig.NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair() returned error: %s", err)
	}
	hostKP, err := wstsig.NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair() returned error: %s", err)
	}
	return &PairedHost{
		HostID:        hostID,
		Keypair:       kp,
		HostVerifyKey: hostKP.Public,
		PairedAt:      time.Now().UTC().Truncate(time.Second),
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	sealed, err := Encrypt("hunter2", []byte(`{"hosts":{}}`))
	if err != nil {
		t.Fatalf("Encrypt() returned error: %s", err)
	}
	if !IsEncrypted(sealed) {
		t.Fatalf("sealed data is missing the envelope prefix")
	}
	plain, err := Decrypt("hunter2", sealed)
	if err != nil {
		t.Fatalf("Decrypt() returned error: %s", err)
	}
	if string(plain) != `{"hosts":{}}` {
		t.Fatalf("Decrypt() = %q", plain)
	}

	if _, err := Decrypt("wrong", sealed); !errors.Is(err, ErrAuthFailed) {
		t.Errorf("wrong passphrase returned %v, expected ErrAuthFailed", err)
	}

	tampered := append([]byte(nil), sealed...)
	tampered[len(tampered)-2] ^= 0xFF
	if _, err := Decrypt("hunter2", tampered); !errors.Is(err, ErrAuthFailed) && !errors.Is(err, ErrInvalid) {
		t.Errorf("tampered envelope returned %v, expected ErrAuthFailed or ErrInvalid", err)
	}

	if _, err := Decrypt("hunter2", []byte("not an envelope")); !errors.Is(err, ErrInvalid) {
		t.Errorf("plain data returned %v, expected ErrInvalid", err)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.json")

	fs, err := NewFileStore(testLogger(t), path, "", false)
	if err != nil {
		t.Fatalf("NewFileStore() returned error: %s", err)
	}
	defer fs.Close()

	if _, err := fs.GetHost(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetHost() on empty store returned %v, expected ErrNotFound", err)
	}

	want := testPairedHost(t, "wsth1AAAA")
	if err := fs.PutHost(ctx, want); err != nil {
		t.Fatalf("PutHost() returned error: %s", err)
	}
	got, err := fs.GetHost(ctx, want.HostID)
	if err != nil {
		t.Fatalf("GetHost() returned error: %s", err)
	}
	if !bytes.Equal(got.Keypair.Public, want.Keypair.Public) ||
		!bytes.Equal(got.HostVerifyKey, want.HostVerifyKey) {
		t.Fatalf("stored host keys do not round trip")
	}
	input := wstsig.FrameSigningInput("s", "n", 1, "text", nil)
	if !wstsig.VerifyFrame(got.Keypair.Public, input, wstsig.SignFrame(got.Keypair, input)) {
		t.Fatalf("restored keypair cannot sign")
	}

	if err := fs.PutTokens(ctx, &TokenPair{Access: "a", Refresh: "r"}); err != nil {
		t.Fatalf("PutTokens() returned error: %s", err)
	}

	// a fresh store must see everything from disk
	fs2, err := NewFileStore(testLogger(t), path, "", false)
	if err != nil {
		t.Fatalf("NewFileStore() reopen returned error: %s", err)
	}
	defer fs2.Close()
	hosts, err := fs2.ListHosts(ctx)
	if err != nil {
		t.Fatalf("ListHosts() returned error: %s", err)
	}
	if len(hosts) != 1 || hosts[0].HostID != want.HostID {
		t.Fatalf("ListHosts() = %d hosts, expected the stored one", len(hosts))
	}
	tokens, err := fs2.GetTokens(ctx)
	if err != nil || tokens.Access != "a" || tokens.Refresh != "r" {
		t.Fatalf("GetTokens() = %+v, %v", tokens, err)
	}

	if err := fs2.DeleteHost(ctx, want.HostID); err != nil {
		t.Fatalf("DeleteHost() returned error: %s", err)
	}
	if _, err := fs2.GetHost(ctx, want.HostID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetHost() after delete returned %v, expected ErrNotFound", err)
	}
	if err := fs2.DeleteTokens(ctx); err != nil {
		t.Fatalf("DeleteTokens() returned error: %s", err)
	}
	if _, err := fs2.GetTokens(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTokens() after delete returned %v, expected ErrNotFound", err)
	}
}

func TestFileStoreEncrypted(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.enc")

	fs, err := NewFileStore(testLogger(t), path, "hunter2", false)
	if err != nil {
		t.Fatalf("NewFileStore() returned error: %s", err)
	}
	defer fs.Close()
	want := testPairedHost(t, "wsth1BBBB")
	if err := fs.PutHost(ctx, want); err != nil {
		t.Fatalf("PutHost() returned error: %s", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("os.ReadFile() returned error: %s", err)
	}
	if !IsEncrypted(raw) {
		t.Fatalf("credential file was written in plaintext")
	}

	if _, err := NewFileStore(testLogger(t), path, "wrong", false); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("wrong passphrase returned %v, expected ErrAuthFailed", err)
	}
	if _, err := NewFileStore(testLogger(t), path, "", false); err == nil {
		t.Fatalf("opening an encrypted file without a passphrase should fail")
	}

	fs2, err := NewFileStore(testLogger(t), path, "hunter2", false)
	if err != nil {
		t.Fatalf("NewFileStore() reopen returned error: %s", err)
	}
	defer fs2.Close()
	got, err := fs2.GetHost(ctx, want.HostID)
	if err != nil {
		t.Fatalf("GetHost() returned error: %s", err)
	}
	if !bytes.Equal(got.Keypair.Public, want.Keypair.Public) {
		t.Fatalf("encrypted store did not round trip the keypair")
	}
}

func TestFileStoreWatchReloads(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "creds.json")

	watched, err := NewFileStore(testLogger(t), path, "", true)
	if err != nil {
		t.Fatalf("NewFileStore() returned error: %s", err)
	}
	defer watched.Close()

	writer, err := NewFileStore(testLogger(t), path, "", false)
	if err != nil {
		t.Fatalf("NewFileStore() returned error: %s", err)
	}
	defer writer.Close()

	want := testPairedHost(t, "wsth1CCCC")
	if err := writer.PutHost(ctx, want); err != nil {
		t.Fatalf("PutHost() returned error: %s", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := watched.GetHost(ctx, want.HostID); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("watched store never observed the external write")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestMemStore(t *testing.T) {
	ctx := context.Background()
	ms := NewMemStore()

	if _, err := ms.GetTokens(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetTokens() on empty store returned %v, expected ErrNotFound", err)
	}
	want := testPairedHost(t, "wsth1DDDD")
	if err := ms.PutHost(ctx, want); err != nil {
		t.Fatalf("PutHost() returned error: %s", err)
	}
	got, err := ms.GetHost(ctx, want.HostID)
	if err != nil {
		t.Fatalf("GetHost() returned error: %s", err)
	}
	// mutations of the returned copy must not leak into the store
	got.HostVerifyKey[0] ^= 0xFF
	again, err := ms.GetHost(ctx, want.HostID)
	if err != nil {
		t.Fatalf("GetHost() returned error: %s", err)
	}
	if !bytes.Equal(again.HostVerifyKey, want.HostVerifyKey) {
		t.Fatalf("store contents were mutated through a returned copy")
	}
}

func TestAgentStateRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.json")

	if _, err := LoadAgentState(path, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadAgentState() on missing file returned %v, expected ErrNotFound", err)
	}

	kp, err := wstsig.NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair() returned error: %s", err)
	}
	client, err := wstsig.NewKeypair()
	if err != nil {
		t.Fatalf("NewKeypair() returned error: %s", err)
	}
	st := &AgentState{
		HostKeySeed: kp.Seed(),
		Clients: []*EnrolledClient{{
			KeyID:      wstsig.KeyID(client.Public),
			VerifyKey:  client.Public,
			EnrolledAt: time.Now().UTC().Truncate(time.Second),
		}},
	}
	if err := SaveAgentState(path, "pass", st); err != nil {
		t.Fatalf("SaveAgentState() returned error: %s", err)
	}
	loaded, err := LoadAgentState(path, "pass")
	if err != nil {
		t.Fatalf("LoadAgentState() returned error: %s", err)
	}
	if !bytes.Equal(loaded.HostKeySeed, st.HostKeySeed) {
		t.Fatalf("host key seed did not round trip")
	}
	if len(loaded.Clients) != 1 || loaded.Clients[0].KeyID != st.Clients[0].KeyID {
		t.Fatalf("enrolled clients did not round trip")
	}
	if _, err := LoadAgentState(path, "wrong"); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("wrong passphrase returned %v, expected ErrAuthFailed", err)
	}
}
