package blobstore_test

import (
	"context"
	"net/http/httptest"
	"strings"

	"github.com/google/go-containerregistry/pkg/authn"
	"github.com/google/go-containerregistry/pkg/name"
	"github.com/google/go-containerregistry/pkg/registry"
	"github.com/google/go-containerregistry/pkg/v1/random"
	"github.com/google/go-containerregistry/pkg/v1/remote"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"cloudfoundry.org/cf-crd-staging/blobstore"
)

var _ = Describe("RegistryBlobstore", func() {
	var (
		server *httptest.Server
		store  *blobstore.RegistryBlobstore
	)

	BeforeEach(func() {
		server = httptest.NewServer(registry.New())
		host := strings.TrimPrefix(server.URL, "http://")
		store = blobstore.NewRegistryBlobstore(host+"/packages", authn.DefaultKeychain, name.Insecure)
	})

	AfterEach(func() {
		server.Close()
	})

	It("deletes the image stored under the key", func() {
		ref, err := store.Reference("package-guid")
		Expect(err).NotTo(HaveOccurred())
		img, err := random.Image(64, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(remote.Write(ref, img)).To(Succeed())

		Expect(store.Delete(context.Background(), "package-guid")).To(Succeed())

		_, err = remote.Image(ref)
		Expect(err).To(HaveOccurred())
	})

	It("treats a missing image as deleted", func() {
		Expect(store.Delete(context.Background(), "never-pushed")).To(Succeed())
	})
})
