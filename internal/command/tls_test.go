package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelfSignedTLSUsableForListen(t *testing.T) {
	tlsConfig, err := SelfSignedTLS("localhost")
	require.NoError(t, err)
	require.Len(t, tlsConfig.Certificates, 1)

	issuer, err := NewTokenIssuer("wf")
	require.NoError(t, err)

	srv, err := Listen("127.0.0.1:0", tlsConfig, issuer, &stubDispatcher{}, nil)
	require.NoError(t, err)
	defer srv.Close()
	assert.NotEmpty(t, srv.Addr().String())
}
