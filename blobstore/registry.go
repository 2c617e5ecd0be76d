/*
Copyright 2021.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package blobstore

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/google/go-containerregistry/pkg/v1/remote/transport"
)

// RegistryBlobstore keeps blobs as images under a registry repository prefix
type RegistryBlobstore struct {
	tagBase  string
	keychain authn.Keychain
	options  []name.Option
}

func NewRegistryBlobstore(tagBase string, keychain authn.Keychain, options ...name.Option) *RegistryBlobstore {
	if keychain == nil {
		keychain = authn.DefaultKeychain
	}
	return &RegistryBlobstore{
		tagBase:  strings.TrimSuffix(tagBase, "/"),
		keychain: keychain,
		options:  options,
	}
}

func (b *RegistryBlobstore) Reference(key string) (name.Reference, error) {
	return name.ParseReference(b.tagBase+"/"+key, b.options...)
}

// Delete removes the image stored under key. An image that is already gone counts as deleted.
func (b *RegistryBlobstore) Delete(ctx context.Context, key string) error {
	ref, err := b.Reference(key)
	if err != nil {
		return fmt.Errorf("parsing reference for %q: %w", key, err)
	}

	err = remote.Delete(ref, remote.WithAuthFromKeychain(b.keychain), remote.WithContext(ctx))
	var transportErr *transport.Error
	if errors.As(err, &transportErr) && transportErr.StatusCode == http.StatusNotFound {
		return nil
	}
	return err
}
