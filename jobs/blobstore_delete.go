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

package jobs

import (
	"context"
	"fmt"
)

const (
	PackageBlobstore = "package_blobstore"
	DropletBlobstore = "droplet_blobstore"
)

type Blobstore interface {
	Delete(ctx context.Context, key string) error
}

// Blobstores names the blob namespaces a job can target
type Blobstores map[string]Blobstore

// BlobstoreDelete removes one blob by key from a named blobstore
type BlobstoreDelete struct {
	Key           string
	BlobstoreName string

	blobstores Blobstores
}

func NewBlobstoreDelete(key, blobstoreName string, blobstores Blobstores) *BlobstoreDelete {
	return &BlobstoreDelete{
		Key:           key,
		BlobstoreName: blobstoreName,
		blobstores:    blobstores,
	}
}

func (j *BlobstoreDelete) Perform(ctx context.Context) error {
	store, ok := j.blobstores[j.BlobstoreName]
	if !ok {
		return fmt.Errorf("no blobstore named %q", j.BlobstoreName)
	}
	if j.Key == "" {
		return nil
	}
	return store.Delete(ctx, j.Key)
}

func (j *BlobstoreDelete) JobName() string {
	return "blobstore_delete"
}
