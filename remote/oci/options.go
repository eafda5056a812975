package oci

import (
	"log/slog"
	"net/http"

	"oras.land/oras-go/v2/registry/remote/credentials"
)

// Option configures a Store.
type Option func(*Store)

// WithCredentialStore sets the credential store for authentication.
func WithCredentialStore(store credentials.Store) Option {
	return func(s *Store) {
		s.credStore = store
	}
}

// WithStaticCredentials authenticates to the store's registry with a fixed
// username and password.
func WithStaticCredentials(username, password string) Option {
	return func(s *Store) {
		s.credStore = StaticCredentials(s.ref.Host(), username, password)
	}
}

// WithStaticToken authenticates to the store's registry with a fixed
// bearer token.
func WithStaticToken(token string) Option {
	return func(s *Store) {
		s.credStore = StaticToken(s.ref.Host(), token)
	}
}

// WithDockerConfig reads credentials from ~/.docker/config.json and its
// credential helpers. If the config cannot be loaded the store falls back
// to anonymous access.
func WithDockerConfig() Option {
	return func(s *Store) {
		store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
		if err != nil {
			return
		}
		s.credStore = store
	}
}

// WithPlainHTTP enables plain HTTP (no TLS), for local registries.
func WithPlainHTTP(enabled bool) Option {
	return func(s *Store) {
		s.plainHTTP = enabled
	}
}

// WithAnonymous disables all authentication, including credential store lookups.
func WithAnonymous() Option {
	return func(s *Store) {
		s.anonymous = true
	}
}

// WithUserAgent sets the User-Agent header for requests.
func WithUserAgent(ua string) Option {
	return func(s *Store) {
		s.userAgent = ua
	}
}

// WithHTTPClient sets the HTTP client under the auth layer. By default ORAS
// operations use a retrying client and upload sessions a plain one; a client
// set here is used for both.
func WithHTTPClient(client *http.Client) Option {
	return func(s *Store) {
		s.httpClient = client
	}
}

// WithLogger sets a logger for debug output.
// If nil, a discard logger is used (default behavior).
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}
