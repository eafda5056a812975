package oci

import (
	"context"
	"errors"
	"strings"

	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
)

// StaticCredentials returns a read-only credential store holding a
// username and password for one registry.
func StaticCredentials(registry, username, password string) credentials.Store {
	return &staticStore{
		registry: hostport(registry),
		cred:     auth.Credential{Username: username, Password: password},
	}
}

// StaticToken returns a read-only credential store holding a bearer token
// for one registry.
func StaticToken(registry, token string) credentials.Store {
	return &staticStore{
		registry: hostport(registry),
		cred:     auth.Credential{AccessToken: token},
	}
}

type staticStore struct {
	registry string
	cred     auth.Credential
}

// Get returns the credential when serverAddress names the configured
// registry, and an empty credential otherwise.
func (s *staticStore) Get(_ context.Context, serverAddress string) (auth.Credential, error) {
	if hostport(serverAddress) == s.registry {
		return s.cred, nil
	}
	return auth.EmptyCredential, nil
}

func (s *staticStore) Put(context.Context, string, auth.Credential) error {
	return errors.New("oci: static credential store is read-only")
}

func (s *staticStore) Delete(context.Context, string) error {
	return errors.New("oci: static credential store is read-only")
}

// hostport strips scheme and path from a server address.
func hostport(addr string) string {
	addr = strings.TrimPrefix(addr, "http://")
	addr = strings.TrimPrefix(addr, "https://")
	addr, _, _ = strings.Cut(addr, "/")
	return addr
}
