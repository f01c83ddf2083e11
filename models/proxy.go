package models

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

type ProxyType string

const (
	ProxyTypeHTTP  ProxyType = "http"
	ProxyTypeSocks ProxyType = "socks"
)

// ProxyDescriptor is a configured upstream proxy endpoint. Rules and
// overrides reference it by ID; a dangling ID is a valid state.
type ProxyDescriptor struct {
	ID              string    `json:"id"`
	Type            ProxyType `json:"type"`
	Host            string    `json:"host"`
	Port            int       `json:"port"`
	Username        string    `json:"username,omitempty"`
	Password        string    `json:"password,omitempty"`
	ProxyDNS        bool      `json:"proxyDNS,omitempty"`
	FailoverTimeout int       `json:"failoverTimeout,omitempty"` // seconds
	Label           string    `json:"label,omitempty"`
	NotifyIfDown    bool      `json:"notifyIfDown,omitempty"`
}

func (p ProxyDescriptor) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// DisplayName is the human-readable identifier used in test results and
// notifications.
func (p ProxyDescriptor) DisplayName() string {
	if p.Label != "" {
		return p.Label
	}
	return p.Address()
}

func (p ProxyDescriptor) HasCredentials() bool {
	return p.Username != "" || p.Password != ""
}

func (p ProxyDescriptor) Validate() error {
	var errs []error
	if strings.TrimSpace(p.ID) == "" {
		errs = append(errs, errors.New("id is required"))
	}
	if p.ID == DirectProxyID {
		errs = append(errs, fmt.Errorf("id %q is reserved", DirectProxyID))
	}
	switch p.Type {
	case ProxyTypeHTTP, ProxyTypeSocks:
	default:
		errs = append(errs, fmt.Errorf("unsupported proxy type %q", p.Type))
	}
	if strings.TrimSpace(p.Host) == "" {
		errs = append(errs, errors.New("host is required"))
	}
	if p.Port <= 0 || p.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", p.Port))
	}
	if p.FailoverTimeout < 0 {
		errs = append(errs, errors.New("failoverTimeout must not be negative"))
	}
	return errors.Join(errs...)
}

// ProxyTestResult is the outcome of one connectivity test.
type ProxyTestResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	Proxy   string `json:"proxy"`
}
