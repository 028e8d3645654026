package oci

import (
	"context"
	"net/http"

	"github.com/cockroachdb/errors"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/retry"
)

const defaultUserAgent = "unthin/1.0"

// RemoteOptions configures access to a registry repository.
type RemoteOptions struct {
	// PlainHTTP disables TLS, for local development registries.
	PlainHTTP bool
	// Username and Password are static credentials for the registry host.
	Username string
	Password string
	// DockerConfig reads credentials from ~/.docker/config.json and
	// credential helpers when no static credentials are set.
	DockerConfig bool
	UserAgent    string
}

// NewRemote creates a Storage over the registry repository ref, for example
// "registry.example.com/team/dependencies".
func NewRemote(ref string, ro RemoteOptions, opts ...Option) (*Storage, error) {
	repo, err := remote.NewRepository(ref)
	if err != nil {
		return nil, errors.Wrapf(err, "parse repository %q", ref)
	}
	cred, err := credentialFunc(repo.Reference.Registry, ro)
	if err != nil {
		return nil, err
	}
	ua := ro.UserAgent
	if ua == "" {
		ua = defaultUserAgent
	}
	repo.PlainHTTP = ro.PlainHTTP
	repo.Client = &auth.Client{
		Client:     retry.DefaultClient,
		Cache:      auth.NewCache(),
		Credential: cred,
		Header: http.Header{
			"User-Agent": []string{ua},
		},
	}
	return New(repo, opts...)
}

func credentialFunc(registry string, ro RemoteOptions) (auth.CredentialFunc, error) {
	switch {
	case ro.Username != "" || ro.Password != "":
		return auth.StaticCredential(registry, auth.Credential{
			Username: ro.Username,
			Password: ro.Password,
		}), nil
	case ro.DockerConfig:
		store, err := credentials.NewStoreFromDocker(credentials.StoreOptions{})
		if err != nil {
			return nil, errors.Wrap(err, "load docker credentials")
		}
		return credentials.Credential(store), nil
	default:
		return func(context.Context, string) (auth.Credential, error) {
			return auth.EmptyCredential, nil
		}, nil
	}
}
