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

package stagers

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/buildpacks/lifecycle/launch"
	"github.com/buildpacks/lifecycle/platform"
	"github.com/google/go-containerregistry/pkg/name"
	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	"github.com/pivotal/kpack/pkg/registry"
	corev1 "k8s.io/api/core/v1"
)

type ImageConfigFetcher interface {
	FetchImageConfig(ctx context.Context, imageRef string, imagePullSecrets []corev1.LocalObjectReference, namespace string) (*v1.Config, error)
}

// RegistryImageConfigFetcher reads image configs straight from the registry,
// authenticating with the pull secrets of the image
type RegistryImageConfigFetcher struct {
	KeychainFactory registry.KeychainFactory
	NameOptions     []name.Option
}

// fetch the Image Configuration Spec from the OCI image
// See: https://github.com/opencontainers/image-spec/blob/main/config.md
func (f *RegistryImageConfigFetcher) FetchImageConfig(ctx context.Context, imageRef string, imagePullSecrets []corev1.LocalObjectReference, namespace string) (*v1.Config, error) {
	ref, err := name.ParseReference(imageRef, f.NameOptions...)
	if err != nil {
		return nil, err
	}

	keychain, err := f.KeychainFactory.KeychainForSecretRef(ctx, registry.SecretRef{
		Namespace:        namespace,
		ImagePullSecrets: imagePullSecrets,
	})
	if err != nil {
		return nil, err
	}

	img, err := remote.Image(ref, remote.WithAuthFromKeychain(keychain), remote.WithContext(ctx))
	if err != nil {
		return nil, err
	}

	cfgFile, err := img.ConfigFile()
	if err != nil {
		return nil, err
	}

	return &cfgFile.Config, nil
}

// extractProcessTypes reads the buildpack process types from the build metadata label
func extractProcessTypes(imageConfig *v1.Config) (map[string]string, error) {
	label, ok := imageConfig.Labels[platform.BuildMetadataLabel]
	if !ok {
		return nil, fmt.Errorf("image has no %s label", platform.BuildMetadataLabel)
	}

	var buildMetadata platform.BuildMetadata
	if err := json.Unmarshal([]byte(label), &buildMetadata); err != nil {
		return nil, err
	}

	processCommandString := make(map[string]string)
	for _, process := range buildMetadata.Processes {
		processCommandString[process.Type] = extractFullCommand(process)
	}
	return processCommandString, nil
}

// Reconstruct command with arguments into a single command string
func extractFullCommand(process launch.Process) string {
	commandWithArgs := append([]string{process.Command}, process.Args...)
	return strings.Join(commandWithArgs, " ")
}

// Drop the protocol since we only use TCP (the default) and only store the port number
func extractExposedPorts(imageConfig *v1.Config) ([]int32, error) {
	var ports []int32
	for port := range imageConfig.ExposedPorts {
		portInt, err := strconv.Atoi(strings.Split(port, "/")[0])
		if err != nil {
			return nil, fmt.Errorf("parsing exposed port %q: %w", port, err)
		}
		ports = append(ports, int32(portInt))
	}
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports, nil
}

// the command a docker image runs when nothing overrides it
func imageStartCommand(imageConfig *v1.Config) string {
	return strings.TrimSpace(strings.Join(append(append([]string{}, imageConfig.Entrypoint...), imageConfig.Cmd...), " "))
}
