package util

import (
	"testing"

	logging "github.com/ipfs/go-log/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToValidName(t *testing.T) {
	name, err := ToValidName("Jane Doe")
	require.NoError(t, err)
	assert.Equal(t, "jane-doe", name)

	_, err = ToValidName("!!")
	require.Error(t, err)
}

func TestMakeToken(t *testing.T) {
	a := MakeToken(12)
	b := MakeToken(12)
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 24)
}

func TestTCPAddrFromMultiAddr(t *testing.T) {
	addr, err := TCPAddrFromMultiAddr(MustParseAddr("/ip4/127.0.0.1/tcp/8006"))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:8006", addr)

	addr, err = TCPAddrFromMultiAddr(MustParseAddr("/dns4/decom.example/tcp/443"))
	require.NoError(t, err)
	assert.Equal(t, "decom.example:443", addr)

	addr, err = TCPAddrFromMultiAddr(MustParseAddr("/ip6/::1/tcp/80"))
	require.NoError(t, err)
	assert.Equal(t, "[::1]:80", addr)

	_, err = TCPAddrFromMultiAddr(MustParseAddr("/ip4/127.0.0.1/udp/53"))
	require.Error(t, err)
	_, err = TCPAddrFromMultiAddr(nil)
	require.Error(t, err)
}

func TestSetLogLevels(t *testing.T) {
	logging.Logger("util.test")
	err := SetLogLevels(map[string]logging.LogLevel{
		"util.test": logging.LevelDebug,
	})
	require.NoError(t, err)
	err = SetLogLevels(map[string]logging.LogLevel{
		"no.such.system": logging.LevelDebug,
	})
	require.Error(t, err)
}
