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

package repositories

import (
	"context"
	"fmt"
	"strconv"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

const (
	DiegoDockerFeatureFlag     = "diego_docker"
	AppBitsUploadFeatureFlag   = "app_bits_upload"
	TaskCreationFeatureFlag    = "task_creation"
	ServiceInstanceFeatureFlag = "service_instance_sharing"
)

var defaultFeatureFlags = map[string]bool{
	DiegoDockerFeatureFlag:     false,
	AppBitsUploadFeatureFlag:   true,
	TaskCreationFeatureFlag:    true,
	ServiceInstanceFeatureFlag: false,
}

// FeatureFlagStore reads feature flag overrides from a ConfigMap whose keys are flag names
// and whose values parse as booleans. Flags absent from the ConfigMap take their default.
type FeatureFlagStore struct {
	client    client.Client
	namespace string
	name      string
}

func NewFeatureFlagStore(c client.Client, namespace, configMapName string) *FeatureFlagStore {
	return &FeatureFlagStore{client: c, namespace: namespace, name: configMapName}
}

func (s *FeatureFlagStore) IsEnabled(ctx context.Context, flag string) (bool, error) {
	enabled, known := defaultFeatureFlags[flag]
	if !known {
		return false, fmt.Errorf("unknown feature flag %q", flag)
	}

	var configMap corev1.ConfigMap
	err := s.client.Get(ctx, types.NamespacedName{Name: s.name, Namespace: s.namespace}, &configMap)
	if err != nil {
		if IsNotFound(err) {
			return enabled, nil
		}
		return false, err
	}

	value, ok := configMap.Data[flag]
	if !ok {
		return enabled, nil
	}
	enabled, err = strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("feature flag %q has invalid value %q: %w", flag, value, err)
	}
	return enabled, nil
}

func (s *FeatureFlagStore) IsDisabled(ctx context.Context, flag string) (bool, error) {
	enabled, err := s.IsEnabled(ctx, flag)
	if err != nil {
		return false, err
	}
	return !enabled, nil
}
