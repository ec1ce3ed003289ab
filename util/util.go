package util

import (
	"crypto/rand"
	"encoding/base32"
	"fmt"
	"net"

	"github.com/gosimple/slug"
	logging "github.com/ipfs/go-log/v2"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap/zapcore"
)

// ToValidName slugifies str, requiring at least three URL-safe characters.
func ToValidName(str string) (name string, err error) {
	name = slug.Make(str)
	if len(name) < 3 {
		err = fmt.Errorf("name must contain at least three URL-safe characters")
		return
	}
	return name, nil
}

func GenerateRandomBytes(n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		panic(err)
	}
	return b
}

func MakeToken(n int) string {
	bytes := GenerateRandomBytes(n)
	return base32.StdEncoding.EncodeToString(bytes)
}

func MustParseAddr(str string) ma.Multiaddr {
	addr, err := ma.NewMultiaddr(str)
	if err != nil {
		panic(err)
	}
	return addr
}

// TCPAddrFromMultiAddr returns a host:port dial/listen string for an
// ip4, ip6 or dns multiaddr with a tcp component.
func TCPAddrFromMultiAddr(addr ma.Multiaddr) (string, error) {
	if addr == nil {
		return "", fmt.Errorf("address is nil")
	}
	var host string
	for _, p := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS4, ma.P_DNS6, ma.P_DNS} {
		if v, err := addr.ValueForProtocol(p); err == nil {
			host = v
			break
		}
	}
	if host == "" {
		return "", fmt.Errorf("address %s has no host component", addr)
	}
	port, err := addr.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return "", fmt.Errorf("address %s has no tcp component", addr)
	}
	return net.JoinHostPort(host, port), nil
}

// SetLogLevels sets the level of each named logging subsystem.
func SetLogLevels(systems map[string]logging.LogLevel) error {
	for sys, level := range systems {
		if err := logging.SetLogLevel(sys, zapcore.Level(level).String()); err != nil {
			return err
		}
	}
	return nil
}

// SetupDefaultLoggingConfig routes logs to file instead of stderr. An
// empty file keeps stderr.
func SetupDefaultLoggingConfig(file string) error {
	if file == "" {
		return nil
	}
	c := logging.Config{
		Format: logging.ColorizedOutput,
		Stderr: false,
		File:   file,
		Level:  logging.LevelError,
	}
	logging.SetupLogging(c)
	return nil
}
