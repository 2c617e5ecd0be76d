package stagers_test

import (
	"context"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	buildv1alpha1 "github.com/pivotal/kpack/pkg/apis/build/v1alpha1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/repositories"
	"cloudfoundry.org/cf-crd-staging/stagers"
)

var _ = Describe("DiegoStager", func() {
	var (
		ctx        context.Context
		fakeClient client.Client
		subject    *stagers.Stagers
		pkg        *cfappsv1alpha1.Package
		droplet    *cfappsv1alpha1.Droplet
	)

	BeforeEach(func() {
		ctx = context.Background()
		pkg = &cfappsv1alpha1.Package{
			ObjectMeta: metav1.ObjectMeta{Name: "pkg-guid", Namespace: namespace},
			Spec: cfappsv1alpha1.PackageSpec{
				Type:   cfappsv1alpha1.BitsPackage,
				AppRef: cfappsv1alpha1.ApplicationReference{Name: "app-guid"},
				Source: cfappsv1alpha1.PackageSource{Registry: cfappsv1alpha1.Registry{
					Image:            "registry.example.com/packages/pkg-guid",
					ImagePullSecrets: []corev1.LocalObjectReference{{Name: "registry-secret"}},
				}},
			},
		}
		droplet = &cfappsv1alpha1.Droplet{
			ObjectMeta: metav1.ObjectMeta{Name: "build-guid", Namespace: namespace},
			Spec: cfappsv1alpha1.DropletSpec{
				Type:        cfappsv1alpha1.BuildpackLifecycle,
				AppRef:      cfappsv1alpha1.ApplicationReference{Name: "app-guid"},
				PackageRef:  cfappsv1alpha1.PackageReference{Name: "pkg-guid"},
				BuildRef:    cfappsv1alpha1.BuildReference{Name: "build-guid"},
				StagingGUID: "build-guid",
			},
			Status: cfappsv1alpha1.DropletStatus{State: cfappsv1alpha1.DropletStaging},
		}
		fakeClient = fake.NewClientBuilder().WithScheme(newScheme()).WithObjects(pkg, droplet).Build()
		subject = stagers.NewStagers(stagers.Config{
			Client:   fakeClient,
			Apps:     repositories.NewAppRepository(fakeClient, namespace),
			Packages: repositories.NewPackageRepository(fakeClient, namespace),
			Droplets: repositories.NewDropletRepository(fakeClient, namespace),
			Runners:  &fakeRunners{},
			Images:   &fakeImages{},
			Kpack: stagers.KpackConfig{
				RegistryTagBase: "registry.example.com/droplets/",
				Builder:         "cf-default-builder",
				ServiceAccount:  "kpack-service-account",
			},
			Logger: logr.Discard(),
		})
	})

	getImage := func() (*buildv1alpha1.Image, error) {
		image := new(buildv1alpha1.Image)
		err := fakeClient.Get(ctx, types.NamespacedName{Name: "cf-build-build-guid", Namespace: namespace}, image)
		return image, err
	}

	It("sources the kpack Image from the package registry image", func() {
		stager, err := subject.StagerForPackage(pkg, cfappsv1alpha1.BuildpackLifecycle)
		Expect(err).NotTo(HaveOccurred())

		Expect(stager.Stage(ctx, stagers.StagingDetails{StagingGUID: "build-guid", Droplet: droplet})).To(Succeed())

		image, err := getImage()
		Expect(err).NotTo(HaveOccurred())
		Expect(image.Spec.Tag).To(Equal("registry.example.com/droplets/app-guid"))
		Expect(image.Spec.Source.Registry.Image).To(Equal("registry.example.com/packages/pkg-guid"))
		Expect(image.Spec.Source.Registry.ImagePullSecrets).To(ConsistOf(corev1.LocalObjectReference{Name: "registry-secret"}))
		Expect(image.Labels).To(HaveKeyWithValue(cfappsv1alpha1.BuildGUIDLabel, "build-guid"))
	})

	It("updates the kpack Image when staging is requested again", func() {
		stager, err := subject.StagerForPackage(pkg, cfappsv1alpha1.BuildpackLifecycle)
		Expect(err).NotTo(HaveOccurred())
		Expect(stager.Stage(ctx, stagers.StagingDetails{StagingGUID: "build-guid", Droplet: droplet})).To(Succeed())

		pkg.Spec.Source.Registry.Image = "registry.example.com/packages/other"
		stager, err = subject.StagerForPackage(pkg, cfappsv1alpha1.BuildpackLifecycle)
		Expect(err).NotTo(HaveOccurred())
		Expect(stager.Stage(ctx, stagers.StagingDetails{StagingGUID: "build-guid", Droplet: droplet})).To(Succeed())

		image, err := getImage()
		Expect(err).NotTo(HaveOccurred())
		Expect(image.Spec.Source.Registry.Image).To(Equal("registry.example.com/packages/other"))
	})

	It("refuses to stage a package without a source image", func() {
		pkg.Spec.Source.Registry.Image = ""
		stager, err := subject.StagerForPackage(pkg, cfappsv1alpha1.BuildpackLifecycle)
		Expect(err).NotTo(HaveOccurred())

		Expect(stager.Stage(ctx, stagers.StagingDetails{StagingGUID: "build-guid", Droplet: droplet})).To(MatchError(ContainSubstring("no source image")))
		_, err = getImage()
		Expect(apierrors.IsNotFound(err)).To(BeTrue())
	})

	It("deletes the kpack Image on StopStage", func() {
		stager, err := subject.StagerForPackage(pkg, cfappsv1alpha1.BuildpackLifecycle)
		Expect(err).NotTo(HaveOccurred())
		Expect(stager.Stage(ctx, stagers.StagingDetails{StagingGUID: "build-guid", Droplet: droplet})).To(Succeed())

		Expect(stager.StopStage(ctx, "build-guid")).To(Succeed())
		_, err = getImage()
		Expect(apierrors.IsNotFound(err)).To(BeTrue())

		Expect(stager.StopStage(ctx, "build-guid")).To(Succeed())
	})
})
