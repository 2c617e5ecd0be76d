package blobstore_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/blobstore"
)

var _ = Describe("Key", func() {
	var pkg *cfappsv1alpha1.Package

	BeforeEach(func() {
		pkg = &cfappsv1alpha1.Package{
			ObjectMeta: metav1.ObjectMeta{Name: "package-guid"},
			Status:     cfappsv1alpha1.PackageStatus{Hash: "package-hash"},
		}
	})

	It("uses the package hash when content addressing is enabled", func() {
		Expect(blobstore.Key(pkg, true)).To(Equal("package-hash"))
		Expect(blobstore.KeyResolver{ContentAddressing: true}.Key(pkg)).To(Equal("package-hash"))
	})

	It("uses the package guid when content addressing is disabled", func() {
		Expect(blobstore.Key(pkg, false)).To(Equal("package-guid"))
		Expect(blobstore.KeyResolver{}.Key(pkg)).To(Equal("package-guid"))
	})

	It("gives two packages with the same content the same content-addressed key", func() {
		other := pkg.DeepCopy()
		other.Name = "other-package-guid"

		Expect(blobstore.Key(other, true)).To(Equal(blobstore.Key(pkg, true)))
		Expect(blobstore.Key(other, false)).NotTo(Equal(blobstore.Key(pkg, false)))
	})
})

var _ = Describe("Fingerprints", func() {
	known := blobstore.Fingerprints{{SHA1: "abcde", Path: "lib.rb"}}
	receipt := blobstore.Fingerprints{{SHA1: "12345", Path: "app.rb"}}

	It("appends the receipt after the known fingerprints", func() {
		merged := known.Merge(receipt)

		payload, err := merged.BundleRequest()
		Expect(err).NotTo(HaveOccurred())
		Expect(string(payload)).To(Equal(`[{"sha1":"abcde","fn":"lib.rb"},{"sha1":"12345","fn":"app.rb"}]`))
	})

	It("does not modify its inputs", func() {
		base := make(blobstore.Fingerprints, 1, 4)
		base[0] = known[0]

		merged := base.Merge(receipt)
		merged[0].Path = "changed.rb"

		Expect(base).To(HaveLen(1))
		Expect(base[0].Path).To(Equal("lib.rb"))
	})

	It("serializes an empty set as an empty list", func() {
		var empty blobstore.Fingerprints
		payload, err := empty.BundleRequest()
		Expect(err).NotTo(HaveOccurred())
		Expect(string(payload)).To(Equal("[]"))
	})
})
