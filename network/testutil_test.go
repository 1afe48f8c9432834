package network

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"plainpair/crypto"
	"plainpair/keystore"
	"plainpair/models"
	"plainpair/storage"
)

type identity struct {
	cert   tls.Certificate
	public ed25519.PublicKey
}

func newIdentity(t *testing.T, deviceID string) identity {
	t.Helper()
	public, private, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	cert, err := crypto.SelfSignedCertificate(private, deviceID)
	require.NoError(t, err)
	return identity{cert: cert, public: public}
}

func newKeyStore(t *testing.T) (*keystore.Store, *storage.Store) {
	t.Helper()
	db, _, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := keystore.New(db, randomKey(t), keystore.Options{})
	require.NoError(t, err)
	return store, db
}

func randomKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, crypto.SharedKeySize)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func pairPeer(t *testing.T, keys *keystore.Store, id, ip string, port int, sharedKey []byte, public ed25519.PublicKey) {
	t.Helper()
	require.NoError(t, keys.Observe(models.Advertisement{DeviceID: id, Name: id, IP: ip, Port: port}))
	require.NoError(t, keys.UpsertPaired(id, sharedKey, public))
}

// startTLSServer serves h with the device TLS config on a loopback port.
func startTLSServer(t *testing.T, id identity, h http.Handler) (string, int) {
	t.Helper()
	srv := httptest.NewUnstartedServer(h)
	srv.TLS = ServerTLSConfig(id.cert)
	srv.StartTLS()
	t.Cleanup(srv.Close)

	addr := srv.Listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

type countingDoer struct {
	calls  atomic.Int32
	status int
	body   string
}

func (d *countingDoer) Do(req *http.Request) (*http.Response, error) {
	d.calls.Add(1)
	return &http.Response{
		StatusCode: d.status,
		Header:     http.Header{"Content-Type": []string{"application/json"}},
		Body:       io.NopCloser(strings.NewReader(d.body)),
		Request:    req,
	}, nil
}

type idleDoer struct {
	countingDoer
	idleClosed atomic.Int32
}

func (d *idleDoer) CloseIdleConnections() {
	d.idleClosed.Add(1)
}
