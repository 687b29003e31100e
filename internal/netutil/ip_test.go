package netutil

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetBestLocalIP(t *testing.T) {
	ip := net.ParseIP(GetBestLocalIP())
	require.NotNil(t, ip)
	assert.NotNil(t, ip.To4())
}

func TestDisplayAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:9290", DisplayAddr("127.0.0.1:9290"))
	assert.Equal(t, "example.com:80", DisplayAddr("example.com:80"))
	assert.Equal(t, "not-an-addr", DisplayAddr("not-an-addr"))

	for _, addr := range []string{"0.0.0.0:9290", "[::]:9290", ":9290"} {
		host, port, err := net.SplitHostPort(DisplayAddr(addr))
		require.NoError(t, err)
		assert.Equal(t, "9290", port)
		assert.False(t, net.ParseIP(host).IsUnspecified(), addr)
	}
}
