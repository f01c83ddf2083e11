package core

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"

	"proxyrouter/models"
)

// ErrNoCredentials is returned when an authentication challenge comes
// from a proxy we hold no credentials for.
var ErrNoCredentials = errors.New("no credentials found")

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// CredentialsForChallenger answers a proxy authentication challenge from
// host:port. Only http proxies are challenged this way.
func CredentialsForChallenger(proxies []models.ProxyDescriptor, host string, port int) (Credentials, error) {
	for _, p := range proxies {
		if p.Type != models.ProxyTypeHTTP || p.Port != port || !strings.EqualFold(p.Host, host) {
			continue
		}
		if !p.HasCredentials() {
			continue
		}
		return Credentials{Username: p.Username, Password: p.Password}, nil
	}
	return Credentials{}, ErrNoCredentials
}

// AuthHook supplies credentials when the proxy at challenger (host:port)
// demands them.
type AuthHook func(challenger string) (Credentials, error)

// SettingsAuthHook answers challenges from the proxy list returned by
// proxies at the time of the challenge.
func SettingsAuthHook(proxies func() []models.ProxyDescriptor) AuthHook {
	return func(challenger string) (Credentials, error) {
		host, port, ok := challengerFromAddr(challenger)
		if !ok {
			return Credentials{}, ErrNoCredentials
		}
		return CredentialsForChallenger(proxies(), host, port)
	}
}

// challengerFromAddr splits host:port for CredentialsForChallenger.
func challengerFromAddr(addr string) (string, int, bool) {
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return "", 0, false
	}
	port, err := strconv.Atoi(addr[i+1:])
	if err != nil {
		return "", 0, false
	}
	return strings.Trim(addr[:i], "[]"), port, true
}

// ProxyAuthorization returns the Proxy-Authorization header value for c.
func (c Credentials) ProxyAuthorization() string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
}
