package wsthost

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sammck-go/wstether/pkg/wstcred"
	"github.com/sammck-go/wstether/pkg/wstpake"
	"github.com/sammck-go/wstether/pkg/wstsig"
)

// Pair runs the initiator side of enrollment against the agent at baseURL,
// using the pairing code displayed by the host. On success it returns a
// PairedHost carrying a freshly generated signing keypair and the host's
// pinned verify key. A nil httpClient uses http.DefaultClient.
func Pair(ctx context.Context, httpClient *http.Client, baseURL, code string) (*wstcred.PairedHost, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("bad agent URL %q: %w", baseURL, err)
	}

	kp, err := wstsig.NewKeypair()
	if err != nil {
		return nil, err
	}
	enr, err := wstpake.NewEnrollment(code)
	if err != nil {
		return nil, err
	}

	var start EnrollStartResponse
	err = postJSON(ctx, httpClient, base.JoinPath("enroll", "start").String(),
		&EnrollStartRequest{ClientMsgB64: base64.StdEncoding.EncodeToString(enr.Message())},
		&start)
	if err != nil {
		return nil, err
	}
	eid, err := uuid.Parse(start.EnrollmentID)
	if err != nil {
		return nil, fmt.Errorf("agent returned bad enrollment id: %w", err)
	}
	serverMsg, err := base64.StdEncoding.DecodeString(start.ServerMsgB64)
	if err != nil {
		return nil, fmt.Errorf("agent returned bad pake message: %w", err)
	}
	conf, err := enr.Finish(start.HostID, serverMsg)
	if err != nil {
		return nil, err
	}

	var finish EnrollFinishResponse
	err = postJSON(ctx, httpClient, base.JoinPath("enroll", "finish").String(),
		&EnrollFinishRequest{
			EnrollmentID:   start.EnrollmentID,
			ClientProofB64: base64.StdEncoding.EncodeToString(conf.ClientProof(eid, kp.Public)),
			ClientKeyB64:   base64.StdEncoding.EncodeToString(kp.Public),
		},
		&finish)
	if err != nil {
		return nil, err
	}
	serverProof, err := base64.StdEncoding.DecodeString(finish.ServerProofB64)
	if err != nil {
		return nil, fmt.Errorf("agent returned bad proof: %w", err)
	}
	hostKey, err := base64.StdEncoding.DecodeString(finish.HostKeyB64)
	if err != nil || len(hostKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("agent returned bad host key")
	}
	if err := conf.VerifyHostProof(serverProof, eid, hostKey, kp.Public); err != nil {
		return nil, err
	}
	if wstsig.HostIDForKey(hostKey) != start.HostID {
		return nil, fmt.Errorf("host key does not match host id %s", start.HostID)
	}

	return &wstcred.PairedHost{
		HostID:        start.HostID,
		Keypair:       kp,
		HostVerifyKey: ed25519.PublicKey(hostKey),
		PairedAt:      time.Now(),
	}, nil
}

// postJSON posts req as JSON and decodes a 200 response into resp.
func postJSON(ctx context.Context, hc *http.Client, target string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return err
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", "application/json")
	hresp, err := hc.Do(hreq)
	if err != nil {
		return err
	}
	defer hresp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(hresp.Body, maxEnrollBody))
	if err != nil {
		return err
	}
	if hresp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: %s: %s", target, hresp.Status, strings.TrimSpace(string(data)))
	}
	return json.Unmarshal(data, resp)
}
