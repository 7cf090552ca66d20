// ABOUTME: Tests for Matrix address mapping and link setup without a homeserver
// ABOUTME: Network paths are exercised only up to credential lookup

package matrix

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-rpc/internal/transport/messaging"
)

var _ messaging.Link = (*Link)(nil)

func TestUserIDRoundTrip(t *testing.T) {
	addr, err := messaging.ParseAddress("matrix:alice@hs.example.org/phone")
	require.NoError(t, err)

	user := UserID(addr)
	assert.Equal(t, id.UserID("@alice:hs.example.org"), user)

	back, err := AddressOf("matrix", user)
	require.NoError(t, err)
	assert.Equal(t, addr.Bare(), back)

	_, err = AddressOf("matrix", id.UserID("not-a-user"))
	assert.Error(t, err)
}

func TestNew_RequiresHomeserver(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestOpen_NoCredentials(t *testing.T) {
	link, err := New(Config{Homeserver: "https://hs.example.org"})
	require.NoError(t, err)

	addr, err := messaging.ParseAddress("matrix:bob@hs.example.org")
	require.NoError(t, err)
	err = link.Open(context.Background(), addr, func(context.Context, messaging.Envelope) {})
	assert.ErrorIs(t, err, ErrNoCredentials)
}

func TestDeliver_NoSession(t *testing.T) {
	link, err := New(Config{Homeserver: "https://hs.example.org"})
	require.NoError(t, err)

	from, err := messaging.ParseAddress("matrix:bob@hs.example.org")
	require.NoError(t, err)
	to, err := messaging.ParseAddress("matrix:carol@hs.example.org")
	require.NoError(t, err)
	err = link.Deliver(context.Background(), messaging.Envelope{From: from, To: to, Body: []byte(`{}`)})
	assert.Error(t, err)
	require.NoError(t, link.Close(from))
}
