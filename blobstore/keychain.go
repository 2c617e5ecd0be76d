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
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/pivotal/kpack/pkg/registry"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// DockerRegistryAnnotation marks a basic-auth secret with the registry it authenticates against
const DockerRegistryAnnotation = "kpack.io/docker"

type dockerConfigEntry struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Auth     string `json:"auth"`
}

type dockerConfigJSON struct {
	Auths map[string]dockerConfigEntry `json:"auths"`
}

// SecretKeychainFactory builds registry keychains from image pull secrets
type SecretKeychainFactory struct {
	Client client.Reader
}

var _ registry.KeychainFactory = &SecretKeychainFactory{}

func (f *SecretKeychainFactory) KeychainForSecretRef(ctx context.Context, ref registry.SecretRef) (authn.Keychain, error) {
	pullSecrets := append([]corev1.LocalObjectReference{}, ref.ImagePullSecrets...)

	if ref.ServiceAccount != "" {
		serviceAccount := new(corev1.ServiceAccount)
		if err := f.Client.Get(ctx, types.NamespacedName{Name: ref.ServiceAccount, Namespace: ref.Namespace}, serviceAccount); err != nil {
			return nil, fmt.Errorf("fetching service account %s: %w", ref.ServiceAccount, err)
		}
		pullSecrets = append(pullSecrets, serviceAccount.ImagePullSecrets...)
	}

	keychain := secretKeychain{}
	for _, pullSecret := range pullSecrets {
		secret := new(corev1.Secret)
		if err := f.Client.Get(ctx, types.NamespacedName{Name: pullSecret.Name, Namespace: ref.Namespace}, secret); err != nil {
			return nil, fmt.Errorf("fetching image pull secret %s: %w", pullSecret.Name, err)
		}
		if err := keychain.add(secret); err != nil {
			return nil, fmt.Errorf("reading image pull secret %s: %w", pullSecret.Name, err)
		}
	}
	return keychain, nil
}

// secretKeychain maps registry hosts to credentials; the first secret naming a registry wins
type secretKeychain map[string]authn.AuthConfig

func (k secretKeychain) Resolve(resource authn.Resource) (authn.Authenticator, error) {
	if config, ok := k[resource.RegistryStr()]; ok {
		return authn.FromConfig(config), nil
	}
	return authn.Anonymous, nil
}

func (k secretKeychain) add(secret *corev1.Secret) error {
	switch secret.Type {
	case corev1.SecretTypeDockerConfigJson:
		var config dockerConfigJSON
		if err := json.Unmarshal(secret.Data[corev1.DockerConfigJsonKey], &config); err != nil {
			return err
		}
		k.addEntries(config.Auths)
	case corev1.SecretTypeDockercfg:
		var entries map[string]dockerConfigEntry
		if err := json.Unmarshal(secret.Data[corev1.DockerConfigKey], &entries); err != nil {
			return err
		}
		k.addEntries(entries)
	case corev1.SecretTypeBasicAuth:
		server, ok := secret.Annotations[DockerRegistryAnnotation]
		if !ok {
			return nil
		}
		k.addEntries(map[string]dockerConfigEntry{
			server: {
				Username: string(secret.Data[corev1.BasicAuthUsernameKey]),
				Password: string(secret.Data[corev1.BasicAuthPasswordKey]),
			},
		})
	}
	return nil
}

func (k secretKeychain) addEntries(entries map[string]dockerConfigEntry) {
	for server, entry := range entries {
		host := registryHost(server)
		if _, exists := k[host]; exists {
			continue
		}
		k[host] = authn.AuthConfig{
			Username: entry.Username,
			Password: entry.Password,
			Auth:     entry.Auth,
		}
	}
}

// registryHost reduces a docker config server key such as https://index.docker.io/v1/ to its registry host
func registryHost(server string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(server, "https://"), "http://")
	if i := strings.Index(host, "/"); i >= 0 {
		host = host[:i]
	}
	if host == "docker.io" {
		return name.DefaultRegistry
	}
	return host
}
