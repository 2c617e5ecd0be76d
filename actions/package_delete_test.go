package actions_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"cloudfoundry.org/cf-crd-staging/actions"
	cfappsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/blobstore"
	"cloudfoundry.org/cf-crd-staging/jobs"
	"cloudfoundry.org/cf-crd-staging/repositories"
)

const namespace = "cf-workloads"

type enqueued struct {
	job   jobs.Job
	queue string
}

type fakeEnqueuer struct {
	enqueued []enqueued
	err      error
	failOn   int
}

func (f *fakeEnqueuer) Enqueue(job jobs.Job, queue string) error {
	if f.err != nil && len(f.enqueued) == f.failOn {
		return f.err
	}
	f.enqueued = append(f.enqueued, enqueued{job: job, queue: queue})
	return nil
}

type fakeBlobstore struct {
	deleted []string
}

func (f *fakeBlobstore) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return nil
}

var _ = Describe("PackageDelete", func() {
	var (
		ctx          context.Context
		enqueuer     *fakeEnqueuer
		packageRepo  *repositories.PackageRepository
		packageStore *fakeBlobstore
		keys         blobstore.KeyResolver
		pkgs         []*cfappsv1alpha1.Package
		deleteErr    error
	)

	BeforeEach(func() {
		ctx = context.Background()
		scheme := runtime.NewScheme()
		Expect(clientgoscheme.AddToScheme(scheme)).To(Succeed())
		Expect(cfappsv1alpha1.AddToScheme(scheme)).To(Succeed())

		builder := fake.NewClientBuilder().WithScheme(scheme)
		for i := 1; i <= 3; i++ {
			builder = builder.WithObjects(&cfappsv1alpha1.Package{
				ObjectMeta: metav1.ObjectMeta{Name: fmt.Sprintf("package-%d", i), Namespace: namespace},
				Status:     cfappsv1alpha1.PackageStatus{Hash: fmt.Sprintf("hash-%d", i)},
			})
		}
		packageRepo = repositories.NewPackageRepository(builder.Build(), namespace)

		pkgs = nil
		for i := 1; i <= 3; i++ {
			pkg, err := packageRepo.Find(ctx, fmt.Sprintf("package-%d", i))
			Expect(err).NotTo(HaveOccurred())
			pkgs = append(pkgs, pkg)
		}

		enqueuer = &fakeEnqueuer{}
		packageStore = &fakeBlobstore{}
		keys = blobstore.KeyResolver{}
	})

	JustBeforeEach(func() {
		action := actions.NewPackageDelete(enqueuer, packageRepo, keys, jobs.Blobstores{jobs.PackageBlobstore: packageStore}, logr.Discard())
		deleteErr = action.Delete(ctx, pkgs...)
	})

	remaining := func() []string {
		var names []string
		for i := 1; i <= 3; i++ {
			if _, err := packageRepo.Find(ctx, fmt.Sprintf("package-%d", i)); err == nil {
				names = append(names, fmt.Sprintf("package-%d", i))
			}
		}
		return names
	}

	It("enqueues one package blobstore delete per package on the generic queue", func() {
		Expect(deleteErr).NotTo(HaveOccurred())
		Expect(enqueuer.enqueued).To(HaveLen(3))
		for i, e := range enqueuer.enqueued {
			Expect(e.queue).To(Equal(jobs.GenericQueue))
			job, ok := e.job.(*jobs.BlobstoreDelete)
			Expect(ok).To(BeTrue())
			Expect(job.BlobstoreName).To(Equal(jobs.PackageBlobstore))
			Expect(job.Key).To(Equal(fmt.Sprintf("package-%d", i+1)))
		}
	})

	It("destroys every package record", func() {
		Expect(remaining()).To(BeEmpty())
	})

	It("builds jobs that delete from the package blobstore", func() {
		Expect(enqueuer.enqueued[0].job.Perform(ctx)).To(Succeed())
		Expect(packageStore.deleted).To(Equal([]string{"package-1"}))
	})

	When("content addressing is enabled", func() {
		BeforeEach(func() {
			keys = blobstore.KeyResolver{ContentAddressing: true}
		})

		It("deletes by package hash", func() {
			Expect(enqueuer.enqueued[1].job.(*jobs.BlobstoreDelete).Key).To(Equal("hash-2"))
		})
	})

	When("no packages are given", func() {
		BeforeEach(func() {
			pkgs = nil
		})

		It("does nothing", func() {
			Expect(deleteErr).NotTo(HaveOccurred())
			Expect(enqueuer.enqueued).To(BeEmpty())
			Expect(remaining()).To(HaveLen(3))
		})
	})

	When("enqueueing fails part way through", func() {
		BeforeEach(func() {
			enqueuer.err = jobs.ErrQueueShutDown
			enqueuer.failOn = 1
		})

		It("propagates the enqueue error", func() {
			Expect(errors.Is(deleteErr, jobs.ErrQueueShutDown)).To(BeTrue())
		})

		It("stops the batch after the packages already handled", func() {
			Expect(remaining()).To(ConsistOf("package-2", "package-3"))
		})
	})

	When("a package record is already gone", func() {
		BeforeEach(func() {
			Expect(packageRepo.Destroy(ctx, pkgs[0])).To(Succeed())
		})

		It("still enqueues the cleanup and reports the destroy failure", func() {
			Expect(enqueuer.enqueued).To(HaveLen(1))
			Expect(repositories.IsNotFound(deleteErr)).To(BeTrue())
		})
	})
})
