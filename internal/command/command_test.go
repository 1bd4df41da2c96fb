package command

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarmguard/flowcore/internal/taskdef"
)

func TestTokenIssuerRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer("my-workflow")
	require.NoError(t, err)

	tok, err := issuer.Issue()
	require.NoError(t, err)
	assert.NoError(t, issuer.Verify(tok))
}

func TestTokenIssuerRejectsForeignWorkflow(t *testing.T) {
	a, _ := NewTokenIssuer("a")
	b, _ := NewTokenIssuer("b")
	tok, _ := a.Issue()
	assert.Error(t, b.Verify(tok))
}

func TestTokenIssuerRejectsGarbage(t *testing.T) {
	issuer, _ := NewTokenIssuer("w")
	assert.Error(t, issuer.Verify("not-a-jwt"))
}

// stubDispatcher echoes the command name back as data, recording every
// request it sees.
type stubDispatcher struct {
	seen []Request
}

func (s *stubDispatcher) Dispatch(_ context.Context, req Request) Response {
	s.seen = append(s.seen, req)
	if req.Command == "boom" {
		return Err(ErrUser, "bad command")
	}
	return Ok(map[string]any{"echo": req.Command})
}

func selfSignedTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "flowcore-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		DNSNames:     []string{"127.0.0.1"},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}, InsecureSkipVerify: true}
}

func TestServerRoundTripAuthenticated(t *testing.T) {
	issuer, err := NewTokenIssuer("wf")
	require.NoError(t, err)
	tok, err := issuer.Issue()
	require.NoError(t, err)

	disp := &stubDispatcher{}
	srv, err := Listen("127.0.0.1:0", selfSignedTLS(t), issuer, disp, nil)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client, err := Dial(srv.Addr().String(), tok, &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Call(CmdHold, map[string]any{"task": "a.1"})
	require.NoError(t, err)
	assert.True(t, resp.OK)
	require.Len(t, disp.seen, 1)
	assert.Equal(t, CmdHold, disp.seen[0].Command)
}

func TestServerRejectsBadToken(t *testing.T) {
	issuer, _ := NewTokenIssuer("wf")
	disp := &stubDispatcher{}
	srv, err := Listen("127.0.0.1:0", selfSignedTLS(t), issuer, disp, nil)
	require.NoError(t, err)
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx)

	client, err := Dial(srv.Addr().String(), "garbage", &tls.Config{InsecureSkipVerify: true})
	require.NoError(t, err)
	defer client.Close()

	resp, err := client.Call(CmdPoll, nil)
	require.NoError(t, err)
	assert.False(t, resp.OK)
	assert.Equal(t, ErrUser, resp.Kind)
}

func TestReloaderAddsRemovesAndChanges(t *testing.T) {
	reg1 := taskdef.NewRegistry()
	reg1.Add(taskdef.Def{Name: "a", Environment: map[string]string{"X": "1"}})
	reg1.Add(taskdef.Def{Name: "b"})
	r := NewReloader(reg1, []string{"a", "b"})

	reg2 := taskdef.NewRegistry()
	reg2.Add(taskdef.Def{Name: "a", Environment: map[string]string{"X": "2"}})
	reg2.Add(taskdef.Def{Name: "c"})

	diff, err := r.Apply(reg2, []string{"a", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, diff.Added)
	assert.Equal(t, []string{"b"}, diff.Removed)
	assert.Equal(t, []string{"a"}, diff.Changed)
	assert.Same(t, reg2, r.Current())
}

func TestReloaderRejectsBrokenMerge(t *testing.T) {
	reg1 := taskdef.NewRegistry()
	reg1.Add(taskdef.Def{Name: "a"})
	r := NewReloader(reg1, []string{"a"})

	reg2 := taskdef.NewRegistry()
	reg2.Add(taskdef.Def{Name: "a", Inherit: []string{"missing"}})

	_, err := r.Apply(reg2, []string{"a"})
	assert.Error(t, err)
	assert.Same(t, reg1, r.Current())
}
