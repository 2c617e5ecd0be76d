package controllers_test

import (
	"context"
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/controllers"
	"cloudfoundry.org/cf-crd-staging/repositories"
	"cloudfoundry.org/cf-crd-staging/stagers"
)

var _ = Describe("BuildReconciler", func() {
	var (
		ctx         context.Context
		fakeClient  client.Client
		droplets    *repositories.DropletRepository
		pkg         *cfappsv1alpha1.Package
		build       *cfappsv1alpha1.Build
		objects     []client.Object
		stager      *fakeStager
		fakeStagers *fakePackageStagers
		subject     *controllers.BuildReconciler
		result      ctrl.Result
		err         error
	)

	fetchBuild := func() *cfappsv1alpha1.Build {
		actual := new(cfappsv1alpha1.Build)
		Expect(fakeClient.Get(ctx, types.NamespacedName{Name: "build-guid", Namespace: namespace}, actual)).To(Succeed())
		return actual
	}

	condition := func(conditionType string) *metav1.Condition {
		return meta.FindStatusCondition(fetchBuild().Status.Conditions, conditionType)
	}

	BeforeEach(func() {
		ctx = context.Background()
		pkg = &cfappsv1alpha1.Package{
			ObjectMeta: metav1.ObjectMeta{Name: "package-guid", Namespace: namespace},
			Spec: cfappsv1alpha1.PackageSpec{
				Type:   cfappsv1alpha1.BitsPackage,
				AppRef: cfappsv1alpha1.ApplicationReference{Kind: "App", Name: "app-guid"},
				Source: cfappsv1alpha1.PackageSource{
					Registry: cfappsv1alpha1.Registry{
						Image:            "registry.example.com/packages/package-guid",
						ImagePullSecrets: []corev1.LocalObjectReference{{Name: "registry-secret"}},
					},
				},
			},
		}
		build = &cfappsv1alpha1.Build{
			ObjectMeta: metav1.ObjectMeta{Name: "build-guid", Namespace: namespace},
			Spec: cfappsv1alpha1.BuildSpec{
				Type:       cfappsv1alpha1.BuildpackLifecycle,
				AppRef:     cfappsv1alpha1.ApplicationReference{Kind: "App", Name: "app-guid"},
				PackageRef: cfappsv1alpha1.PackageReference{Kind: "Package", Name: "package-guid"},
			},
		}
		objects = nil
		stager = &fakeStager{}
		fakeStagers = &fakePackageStagers{stager: stager}
	})

	JustBeforeEach(func() {
		fakeClient = fake.NewClientBuilder().
			WithScheme(newScheme()).
			WithObjects(append(objects, pkg, build)...).
			Build()
		droplets = repositories.NewDropletRepository(fakeClient, namespace)
		subject = &controllers.BuildReconciler{
			Client:          fakeClient,
			Scheme:          newScheme(),
			Stagers:         fakeStagers,
			Droplets:        droplets,
			StagingMemoryMB: 1024,
			StagingDiskMB:   4096,
			DefaultStack:    "cflinuxfs3",
		}
		result, err = subject.Reconcile(ctx, ctrl.Request{
			NamespacedName: types.NamespacedName{Name: "build-guid", Namespace: namespace},
		})
	})

	When("the build is new", func() {
		It("creates a staging droplet named after the build", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(result).To(Equal(ctrl.Result{}))

			droplet, findErr := droplets.Find(ctx, "build-guid")
			Expect(findErr).NotTo(HaveOccurred())
			Expect(droplet.Status.State).To(Equal(cfappsv1alpha1.DropletStaging))
			Expect(droplet.Spec.Type).To(Equal(cfappsv1alpha1.BuildpackLifecycle))
			Expect(droplet.Spec.StagingGUID).To(Equal("build-guid"))
			Expect(droplet.Spec.BuildRef.Name).To(Equal("build-guid"))
			Expect(droplet.Spec.PackageRef.Name).To(Equal("package-guid"))
			Expect(droplet.Spec.AppRef.Name).To(Equal("app-guid"))
			Expect(droplet.Labels).To(HaveKeyWithValue(cfappsv1alpha1.BuildGUIDLabel, "build-guid"))
			Expect(droplet.Labels).To(HaveKeyWithValue(cfappsv1alpha1.AppGUIDLabel, "app-guid"))
		})

		It("stages the package with the build lifecycle and default limits", func() {
			Expect(fakeStagers.lifecycles).To(ConsistOf(cfappsv1alpha1.BuildpackLifecycle))
			Expect(stager.staged).To(HaveLen(1))
			details := stager.staged[0]
			Expect(details.StagingGUID).To(Equal("build-guid"))
			Expect(details.Lifecycle).To(Equal(cfappsv1alpha1.BuildpackLifecycle))
			Expect(details.MemoryMB).To(BeEquivalentTo(1024))
			Expect(details.DiskMB).To(BeEquivalentTo(4096))
			Expect(details.Stack).To(Equal("cflinuxfs3"))
			Expect(details.Droplet).NotTo(BeNil())
			Expect(details.Droplet.Name).To(Equal("build-guid"))
		})

		It("marks the build as staging", func() {
			Expect(condition(cfappsv1alpha1.StagingConditionType).Status).To(Equal(metav1.ConditionTrue))
			Expect(condition(cfappsv1alpha1.ReadyConditionType).Status).To(Equal(metav1.ConditionFalse))
			Expect(condition(cfappsv1alpha1.SucceededConditionType).Status).To(Equal(metav1.ConditionUnknown))
			Expect(fetchBuild().Status.DropletRef.Name).To(Equal("build-guid"))
		})

		When("the build overrides the staging limits and stack", func() {
			BeforeEach(func() {
				build.Spec.StagingMemoryMB = 2048
				build.Spec.StagingDiskMB = 8192
				build.Spec.LifecycleData.Stack = "cflinuxfs4"
			})

			It("stages with the build's values", func() {
				Expect(stager.staged).To(HaveLen(1))
				Expect(stager.staged[0].MemoryMB).To(BeEquivalentTo(2048))
				Expect(stager.staged[0].DiskMB).To(BeEquivalentTo(8192))
				Expect(stager.staged[0].Stack).To(Equal("cflinuxfs4"))
			})
		})

		When("staging completes synchronously", func() {
			BeforeEach(func() {
				build.Spec.Type = cfappsv1alpha1.DockerLifecycle
				stager.onStage = func(ctx context.Context, details stagers.StagingDetails) error {
					details.Droplet.Status.State = cfappsv1alpha1.DropletStaged
					return droplets.Save(ctx, details.Droplet)
				}
			})

			It("marks the build as succeeded in the same pass", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(condition(cfappsv1alpha1.SucceededConditionType).Status).To(Equal(metav1.ConditionTrue))
				Expect(condition(cfappsv1alpha1.ReadyConditionType).Status).To(Equal(metav1.ConditionTrue))
				Expect(condition(cfappsv1alpha1.StagingConditionType).Status).To(Equal(metav1.ConditionFalse))
			})
		})

		When("the stager fails", func() {
			BeforeEach(func() {
				stager.onStage = func(context.Context, stagers.StagingDetails) error {
					return errors.New("kpack is down")
				}
			})

			It("returns the error so the build is retried", func() {
				Expect(err).To(MatchError("kpack is down"))
				Expect(condition(cfappsv1alpha1.StagingConditionType)).To(BeNil())
			})
		})
	})

	When("the package has no source image", func() {
		BeforeEach(func() {
			pkg.Spec.Source.Registry.Image = ""
		})

		It("records the empty package and retries", func() {
			Expect(err).To(MatchError("packageRef package was empty"))
			Expect(stager.staged).To(BeEmpty())
			ready := condition(cfappsv1alpha1.ReadyConditionType)
			Expect(ready.Status).To(Equal(metav1.ConditionFalse))
			Expect(ready.Message).To(Equal("packageRef package was empty"))
		})
	})

	When("the lifecycle is unknown", func() {
		BeforeEach(func() {
			fakeStagers.err = stagers.ErrUnknownLifecycle
		})

		It("fails the build without creating a droplet", func() {
			Expect(err).NotTo(HaveOccurred())
			succeeded := condition(cfappsv1alpha1.SucceededConditionType)
			Expect(succeeded.Status).To(Equal(metav1.ConditionFalse))
			Expect(succeeded.Reason).To(Equal(controllers.UnknownLifecycleReason))

			_, findErr := droplets.Find(ctx, "build-guid")
			Expect(repositories.IsNotFound(findErr)).To(BeTrue())
		})
	})

	When("the build is already staging", func() {
		var droplet *cfappsv1alpha1.Droplet

		BeforeEach(func() {
			build.Status.Conditions = []metav1.Condition{
				{Type: cfappsv1alpha1.StagingConditionType, Status: metav1.ConditionTrue, Reason: "Buildpack"},
				{Type: cfappsv1alpha1.SucceededConditionType, Status: metav1.ConditionUnknown, Reason: "NotReady"},
			}
			droplet = &cfappsv1alpha1.Droplet{
				ObjectMeta: metav1.ObjectMeta{Name: "build-guid", Namespace: namespace},
				Spec: cfappsv1alpha1.DropletSpec{
					Type:        cfappsv1alpha1.BuildpackLifecycle,
					BuildRef:    cfappsv1alpha1.BuildReference{Kind: "Build", Name: "build-guid"},
					StagingGUID: "build-guid",
				},
				Status: cfappsv1alpha1.DropletStatus{State: cfappsv1alpha1.DropletStaging},
			}
			objects = []client.Object{droplet}
		})

		It("does not stage again", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(stager.staged).To(BeEmpty())
			Expect(condition(cfappsv1alpha1.SucceededConditionType).Status).To(Equal(metav1.ConditionUnknown))
		})

		When("the droplet has been staged", func() {
			BeforeEach(func() {
				droplet.Status.State = cfappsv1alpha1.DropletStaged
			})

			It("marks the build as succeeded", func() {
				Expect(err).NotTo(HaveOccurred())
				Expect(condition(cfappsv1alpha1.SucceededConditionType).Status).To(Equal(metav1.ConditionTrue))
				Expect(condition(cfappsv1alpha1.StagingConditionType).Status).To(Equal(metav1.ConditionFalse))
			})
		})

		When("the droplet failed to stage", func() {
			BeforeEach(func() {
				droplet.Status.State = cfappsv1alpha1.DropletFailed
				droplet.Status.Error = "StagingError - buildpack compile failed"
			})

			It("marks the build as failed with the droplet error", func() {
				Expect(err).NotTo(HaveOccurred())
				succeeded := condition(cfappsv1alpha1.SucceededConditionType)
				Expect(succeeded.Status).To(Equal(metav1.ConditionFalse))
				Expect(succeeded.Message).To(Equal("StagingError - buildpack compile failed"))
			})
		})
	})

	When("the build has already finished", func() {
		BeforeEach(func() {
			build.Status.Conditions = []metav1.Condition{
				{Type: cfappsv1alpha1.SucceededConditionType, Status: metav1.ConditionTrue, Reason: "Buildpack"},
			}
		})

		It("does nothing", func() {
			Expect(err).NotTo(HaveOccurred())
			Expect(fakeStagers.lifecycles).To(BeEmpty())
			Expect(stager.staged).To(BeEmpty())
		})
	})
})

var _ = Describe("BuildReconciler for a missing build", func() {
	It("ignores the request", func() {
		fakeClient := fake.NewClientBuilder().WithScheme(newScheme()).Build()
		subject := &controllers.BuildReconciler{
			Client:   fakeClient,
			Stagers:  &fakePackageStagers{},
			Droplets: repositories.NewDropletRepository(fakeClient, namespace),
		}
		_, err := subject.Reconcile(context.Background(), ctrl.Request{
			NamespacedName: types.NamespacedName{Name: "missing", Namespace: namespace},
		})
		Expect(err).NotTo(HaveOccurred())
	})
})
