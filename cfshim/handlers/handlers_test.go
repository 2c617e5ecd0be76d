package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/gorilla/mux"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	appsv1alpha1 "cloudfoundry.org/cf-crd-staging/api/v1alpha1"
	"cloudfoundry.org/cf-crd-staging/cfshim/handlers"
	"cloudfoundry.org/cf-crd-staging/jobs"
	"cloudfoundry.org/cf-crd-staging/repositories"
	"cloudfoundry.org/cf-crd-staging/stagers"
)

var _ = Describe("Handlers", func() {
	var (
		ctx        context.Context
		fakeClient client.Client
		enqueuer   *fakeEnqueuer
		appStager  *fakeAppStager
		deleter    *fakeDeleter
		completion *fakeCompletionRouter
		tmpDir     string
		router     *mux.Router
		recorder   *httptest.ResponseRecorder
	)

	serve := func(req *http.Request) {
		recorder = httptest.NewRecorder()
		router.ServeHTTP(recorder, req)
	}

	decodeError := func() handlers.CFAPIError {
		var body handlers.CFAPIErrors
		Expect(json.Unmarshal(recorder.Body.Bytes(), &body)).To(Succeed())
		Expect(body.Errors).To(HaveLen(1))
		return body.Errors[0]
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		tmpDir, err = ioutil.TempDir("", "handlers")
		Expect(err).NotTo(HaveOccurred())

		app := &appsv1alpha1.App{
			ObjectMeta: metav1.ObjectMeta{Name: "app-guid", Namespace: namespace},
			Spec:       appsv1alpha1.AppSpec{Name: "my-app", DesiredState: appsv1alpha1.StartedState},
		}
		pkg := &appsv1alpha1.Package{
			ObjectMeta: metav1.ObjectMeta{Name: "package-guid", Namespace: namespace},
			Spec: appsv1alpha1.PackageSpec{
				Type:   appsv1alpha1.BitsPackage,
				AppRef: appsv1alpha1.ApplicationReference{Kind: "App", Name: "app-guid"},
			},
		}
		droplet := &appsv1alpha1.Droplet{
			ObjectMeta: metav1.ObjectMeta{Name: "staging-guid", Namespace: namespace},
			Spec:       appsv1alpha1.DropletSpec{StagingGUID: "staging-guid"},
			Status:     appsv1alpha1.DropletStatus{State: appsv1alpha1.DropletStaging},
		}
		fakeClient = fake.NewClientBuilder().WithScheme(newScheme()).WithObjects(app, pkg, droplet).Build()

		enqueuer = &fakeEnqueuer{}
		appStager = &fakeAppStager{droplet: &appsv1alpha1.Droplet{ObjectMeta: metav1.ObjectMeta{Name: "new-staging-guid"}}}
		deleter = &fakeDeleter{}
		completion = &fakeCompletionRouter{}

		apps := repositories.NewAppRepository(fakeClient, namespace)
		packages := repositories.NewPackageRepository(fakeClient, namespace)
		droplets := repositories.NewDropletRepository(fakeClient, namespace)

		h := &handlers.Handlers{
			Apps: &handlers.AppHandler{
				Apps:     apps,
				Packer:   jobs.NewPacker(jobs.PackerConfig{TmpDir: tmpDir, Logger: logr.Discard()}),
				Enqueuer: enqueuer,
				Stagers:  appStager,
				TmpDir:   tmpDir,
				Logger:   logr.Discard(),
			},
			Packages: &handlers.PackageHandler{
				Client:    fakeClient,
				Namespace: namespace,
				Apps:      apps,
				Packages:  packages,
				Deleter:   deleter,
				Packer:    jobs.NewPacker(jobs.PackerConfig{TmpDir: tmpDir, Logger: logr.Discard()}),
				Enqueuer:  enqueuer,
				TmpDir:    tmpDir,
				Logger:    logr.Discard(),
			},
			Builds: &handlers.BuildHandler{
				Client:       fakeClient,
				Packages:     packages,
				Namespace:    namespace,
				DefaultStack: "cflinuxfs3",
				Logger:       logr.Discard(),
			},
			Staging: &handlers.StagingHandler{Droplets: droplets, Stagers: completion, Logger: logr.Discard()},
		}
		router = h.Router()
	})

	AfterEach(func() {
		Expect(os.RemoveAll(tmpDir)).To(Succeed())
	})

	Describe("PUT /v2/apps/:guid/bits", func() {
		var (
			resources   string
			application []byte
		)

		upload := func(appGUID string) {
			body := new(bytes.Buffer)
			writer := multipart.NewWriter(body)
			if resources != "" {
				Expect(writer.WriteField("resources", resources)).To(Succeed())
			}
			if application != nil {
				part, err := writer.CreateFormFile("application", "application.zip")
				Expect(err).NotTo(HaveOccurred())
				_, err = part.Write(application)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(writer.Close()).To(Succeed())

			req := httptest.NewRequest(http.MethodPut, "/v2/apps/"+appGUID+"/bits", body)
			req.Header.Set("Content-Type", writer.FormDataContentType())
			serve(req)
		}

		BeforeEach(func() {
			resources = `[{"fn":"app.rb","sha1":"abc123","size":42,"mode":"644"}]`
			application = []byte("PK zip bytes")
		})

		It("stores the upload and queues package assembly", func() {
			upload("app-guid")
			Expect(recorder.Code).To(Equal(http.StatusCreated))

			var job handlers.CFAPIV2JobResource
			Expect(json.Unmarshal(recorder.Body.Bytes(), &job)).To(Succeed())
			Expect(job.Status).To(Equal("queued"))
			Expect(job.GUID).NotTo(BeEmpty())

			Expect(enqueuer.enqueued).To(HaveLen(1))
			Expect(enqueuer.enqueued[0].queue).To(Equal(jobs.GenericQueue))
			packer, ok := enqueuer.enqueued[0].job.(*jobs.ExternalPacker)
			Expect(ok).To(BeTrue())
			Expect(packer.AppGUID).To(Equal("app-guid"))
			Expect(packer.Fingerprints).To(ConsistOf(appsv1alpha1.Fingerprint{SHA1: "abc123", Path: "app.rb"}))
			Expect(packer.UploadedPath).To(HavePrefix(tmpDir))
			Expect(ioutil.ReadFile(packer.UploadedPath)).To(Equal([]byte("PK zip bytes")))
		})

		When("only fingerprints are sent", func() {
			BeforeEach(func() {
				application = nil
			})

			It("queues assembly without an upload", func() {
				upload("app-guid")
				Expect(recorder.Code).To(Equal(http.StatusCreated))
				packer := enqueuer.enqueued[0].job.(*jobs.ExternalPacker)
				Expect(packer.UploadedPath).To(BeEmpty())
			})
		})

		When("resources are missing", func() {
			BeforeEach(func() {
				resources = ""
			})

			It("rejects the upload", func() {
				upload("app-guid")
				Expect(recorder.Code).To(Equal(http.StatusBadRequest))
				Expect(decodeError().Code).To(Equal(160001))
				Expect(enqueuer.enqueued).To(BeEmpty())
			})
		})

		When("the app does not exist", func() {
			It("returns 404", func() {
				upload("missing")
				Expect(recorder.Code).To(Equal(http.StatusNotFound))
			})
		})

		When("the queue is unavailable", func() {
			BeforeEach(func() {
				enqueuer.err = errQueueDown
			})

			It("returns 503 and removes the stored upload", func() {
				upload("app-guid")
				Expect(recorder.Code).To(Equal(http.StatusServiceUnavailable))
				entries, err := ioutil.ReadDir(tmpDir)
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).To(BeEmpty())
			})
		})
	})

	Describe("POST /v2/apps/:guid/restage", func() {
		restage := func(appGUID string) {
			serve(httptest.NewRequest(http.MethodPost, "/v2/apps/"+appGUID+"/restage", nil))
		}

		It("stages the app", func() {
			restage("app-guid")
			Expect(recorder.Code).To(Equal(http.StatusCreated))
			Expect(appStager.staged).To(ConsistOf("app-guid"))

			var app handlers.CFAPIV2AppResource
			Expect(json.Unmarshal(recorder.Body.Bytes(), &app)).To(Succeed())
			Expect(app.Metadata.GUID).To(Equal("app-guid"))
			Expect(app.Entity.Name).To(Equal("my-app"))
			Expect(app.Entity.PackageState).To(Equal("PENDING"))
			Expect(app.Entity.StagingTaskID).To(Equal("new-staging-guid"))
		})

		DescribeTable("staging validation failures",
			func(reason string, status int, title string, code int) {
				appStager.err = &stagers.ValidationError{Reason: reason, Message: "rejected"}
				restage("app-guid")
				Expect(recorder.Code).To(Equal(status))
				cfErr := decodeError()
				Expect(cfErr.Title).To(Equal(title))
				Expect(cfErr.Code).To(Equal(code))
			},
			Entry("docker disabled", stagers.DockerDisabled, http.StatusForbidden, "CF-DockerDisabled", 320003),
			Entry("package invalid", stagers.AppPackageInvalid, http.StatusUnprocessableEntity, "CF-AppPackageInvalid", 150001),
			Entry("custom buildpacks disabled", stagers.CustomBuildpacksDisabled, http.StatusBadRequest, "CF-CustomBuildpacksDisabled", 170016),
			Entry("no buildpacks", stagers.NoBuildpacksFound, http.StatusUnprocessableEntity, "CF-NoBuildpacksFound", 170006),
		)

		It("reports other staging failures as server errors", func() {
			appStager.err = errors.New("no DEA available")
			restage("app-guid")
			Expect(recorder.Code).To(Equal(http.StatusInternalServerError))
			Expect(decodeError().Detail).To(Equal("no DEA available"))
		})

		It("returns 404 for an unknown app", func() {
			restage("missing")
			Expect(recorder.Code).To(Equal(http.StatusNotFound))
			Expect(appStager.staged).To(BeEmpty())
		})
	})

	Describe("POST /v3/packages", func() {
		createPackage := func(body string) handlers.CFAPIPackageResource {
			serve(httptest.NewRequest(http.MethodPost, "/v3/packages", strings.NewReader(body)))
			var presented handlers.CFAPIPackageResource
			if recorder.Code == http.StatusCreated {
				Expect(json.Unmarshal(recorder.Body.Bytes(), &presented)).To(Succeed())
			}
			return presented
		}

		It("creates a bits package awaiting upload", func() {
			presented := createPackage(`{"type":"bits","relationships":{"app":{"data":{"guid":"app-guid"}}}}`)
			Expect(recorder.Code).To(Equal(http.StatusCreated))
			Expect(presented.State).To(Equal("AWAITING_UPLOAD"))
			Expect(presented.Relationships.App.Data.GUID).To(Equal("app-guid"))

			pkg := &appsv1alpha1.Package{}
			Expect(fakeClient.Get(ctx, client.ObjectKey{Name: presented.GUID, Namespace: namespace}, pkg)).To(Succeed())
			Expect(pkg.Spec.Type).To(Equal(appsv1alpha1.BitsPackage))
			Expect(pkg.Labels).To(HaveKeyWithValue(appsv1alpha1.AppGUIDLabel, "app-guid"))
			Expect(pkg.Status.State).To(Equal(appsv1alpha1.PackageAwaitingUpload))
		})

		It("stores registry credentials of a docker package", func() {
			presented := createPackage(`{"type":"docker","relationships":{"app":{"data":{"guid":"app-guid"}}},"data":{"image":"registry.example.com/org/app:latest","username":"user","password":"pass"}}`)
			Expect(recorder.Code).To(Equal(http.StatusCreated))
			Expect(presented.State).To(Equal("READY"))
			Expect(presented.Data.Image).To(Equal("registry.example.com/org/app:latest"))
			Expect(presented.Data.Password).To(Equal("***"))

			pkg := &appsv1alpha1.Package{}
			Expect(fakeClient.Get(ctx, client.ObjectKey{Name: presented.GUID, Namespace: namespace}, pkg)).To(Succeed())
			Expect(pkg.Spec.Source.Registry.ImagePullSecrets).To(ConsistOf(corev1.LocalObjectReference{Name: presented.GUID + "-secret"}))

			secret := &corev1.Secret{}
			Expect(fakeClient.Get(ctx, client.ObjectKey{Name: presented.GUID + "-secret", Namespace: namespace}, secret)).To(Succeed())
			Expect(secret.Type).To(Equal(corev1.SecretTypeBasicAuth))
			Expect(secret.Annotations).To(HaveKeyWithValue("kpack.io/docker", "registry.example.com"))
		})

		It("rejects a package for an unknown app", func() {
			createPackage(`{"type":"bits","relationships":{"app":{"data":{"guid":"missing"}}}}`)
			Expect(recorder.Code).To(Equal(http.StatusUnprocessableEntity))
		})

		It("rejects an unknown package type", func() {
			createPackage(`{"type":"tarball","relationships":{"app":{"data":{"guid":"app-guid"}}}}`)
			Expect(recorder.Code).To(Equal(http.StatusUnprocessableEntity))
		})
	})

	Describe("POST /v3/packages/:guid/upload", func() {
		var (
			resources string
			bits      []byte
		)

		upload := func(packageGUID string) {
			body := new(bytes.Buffer)
			writer := multipart.NewWriter(body)
			if resources != "" {
				Expect(writer.WriteField("resources", resources)).To(Succeed())
			}
			if bits != nil {
				part, err := writer.CreateFormFile("bits", "bits.zip")
				Expect(err).NotTo(HaveOccurred())
				_, err = part.Write(bits)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(writer.Close()).To(Succeed())

			req := httptest.NewRequest(http.MethodPost, "/v3/packages/"+packageGUID+"/upload", body)
			req.Header.Set("Content-Type", writer.FormDataContentType())
			serve(req)
		}

		findPackage := func() *appsv1alpha1.Package {
			pkg := &appsv1alpha1.Package{}
			Expect(fakeClient.Get(ctx, client.ObjectKey{Name: "package-guid", Namespace: namespace}, pkg)).To(Succeed())
			return pkg
		}

		BeforeEach(func() {
			resources = `[{"checksum":{"value":"abc123"},"path":"app.rb","size_in_bytes":42,"mode":"644"}]`
			bits = []byte("PK zip bytes")
		})

		It("queues assembly of the package", func() {
			upload("package-guid")
			Expect(recorder.Code).To(Equal(http.StatusOK))

			Expect(enqueuer.enqueued).To(HaveLen(1))
			Expect(enqueuer.enqueued[0].queue).To(Equal(jobs.GenericQueue))
			packer := enqueuer.enqueued[0].job.(*jobs.ExternalPacker)
			Expect(packer.AppGUID).To(Equal("app-guid"))
			Expect(packer.PackageGUID).To(Equal("package-guid"))
			Expect(packer.Fingerprints).To(ConsistOf(appsv1alpha1.Fingerprint{SHA1: "abc123", Path: "app.rb"}))
			Expect(ioutil.ReadFile(packer.UploadedPath)).To(Equal([]byte("PK zip bytes")))

			Expect(findPackage().Status.State).To(Equal(appsv1alpha1.PackageProcessingUpload))
		})

		It("rejects a second upload of the same package", func() {
			upload("package-guid")
			Expect(recorder.Code).To(Equal(http.StatusOK))

			upload("package-guid")
			Expect(recorder.Code).To(Equal(http.StatusBadRequest))
			Expect(decodeError().Code).To(Equal(150004))
			Expect(enqueuer.enqueued).To(HaveLen(1))
		})

		It("rejects an upload without bits or resources", func() {
			resources = ""
			bits = nil
			upload("package-guid")
			Expect(recorder.Code).To(Equal(http.StatusUnprocessableEntity))
			Expect(enqueuer.enqueued).To(BeEmpty())
		})

		It("returns 404 for an unknown package", func() {
			upload("missing")
			Expect(recorder.Code).To(Equal(http.StatusNotFound))
		})

		When("the queue is unavailable", func() {
			BeforeEach(func() {
				enqueuer.err = errQueueDown
			})

			It("returns 503 and leaves the package awaiting upload", func() {
				upload("package-guid")
				Expect(recorder.Code).To(Equal(http.StatusServiceUnavailable))
				Expect(findPackage().Status.State).To(Equal(appsv1alpha1.PackageAwaitingUpload))
				entries, err := ioutil.ReadDir(tmpDir)
				Expect(err).NotTo(HaveOccurred())
				Expect(entries).To(BeEmpty())
			})
		})
	})

	Describe("DELETE /v3/packages/:guid", func() {
		It("deletes the package", func() {
			serve(httptest.NewRequest(http.MethodDelete, "/v3/packages/package-guid", nil))
			Expect(recorder.Code).To(Equal(http.StatusAccepted))
			Expect(deleter.deleted).To(ConsistOf("package-guid"))
		})

		It("returns 404 for an unknown package", func() {
			serve(httptest.NewRequest(http.MethodDelete, "/v3/packages/missing", nil))
			Expect(recorder.Code).To(Equal(http.StatusNotFound))
			Expect(deleter.deleted).To(BeEmpty())
		})

		It("reports delete failures", func() {
			deleter.err = jobs.ErrQueueShutDown
			serve(httptest.NewRequest(http.MethodDelete, "/v3/packages/package-guid", nil))
			Expect(recorder.Code).To(Equal(http.StatusInternalServerError))
		})
	})

	Describe("POST /v3/builds", func() {
		createBuild := func(body string) {
			serve(httptest.NewRequest(http.MethodPost, "/v3/builds", strings.NewReader(body)))
		}

		It("creates a build for the package", func() {
			createBuild(`{"package":{"guid":"package-guid"}}`)
			Expect(recorder.Code).To(Equal(http.StatusCreated))

			var presented handlers.CFAPIBuildResource
			Expect(json.Unmarshal(recorder.Body.Bytes(), &presented)).To(Succeed())
			Expect(presented.State).To(Equal("STAGING"))
			Expect(presented.Lifecycle.Type).To(Equal("buildpack"))
			Expect(presented.Lifecycle.Data.Stack).To(Equal("cflinuxfs3"))
			Expect(presented.Relationships.App.Data.GUID).To(Equal("app-guid"))

			builds := new(appsv1alpha1.BuildList)
			Expect(fakeClient.List(ctx, builds, client.InNamespace(namespace))).To(Succeed())
			Expect(builds.Items).To(HaveLen(1))
			build := builds.Items[0]
			Expect(build.Name).To(Equal(presented.GUID))
			Expect(build.Spec.PackageRef.Name).To(Equal("package-guid"))
			Expect(build.Spec.AppRef.Name).To(Equal("app-guid"))
			Expect(build.Labels).To(HaveKeyWithValue(appsv1alpha1.PackageGUIDLabel, "package-guid"))
		})

		It("keeps a docker lifecycle", func() {
			createBuild(`{"package":{"guid":"package-guid"},"lifecycle":{"type":"docker","data":{}}}`)
			Expect(recorder.Code).To(Equal(http.StatusCreated))

			builds := new(appsv1alpha1.BuildList)
			Expect(fakeClient.List(ctx, builds, client.InNamespace(namespace))).To(Succeed())
			Expect(builds.Items[0].Spec.Type).To(Equal(appsv1alpha1.DockerLifecycle))
		})

		It("rejects unknown fields", func() {
			createBuild(`{"package":{"guid":"package-guid"},"invalid":true}`)
			Expect(recorder.Code).To(Equal(http.StatusUnprocessableEntity))
			Expect(decodeError().Detail).To(ContainSubstring("invalid"))
		})

		It("rejects a missing package", func() {
			createBuild(`{}`)
			Expect(recorder.Code).To(Equal(http.StatusUnprocessableEntity))
		})

		It("rejects an unknown package", func() {
			createBuild(`{"package":{"guid":"missing"}}`)
			Expect(recorder.Code).To(Equal(http.StatusUnprocessableEntity))
		})

		It("rejects malformed json", func() {
			createBuild(`{"package":`)
			Expect(recorder.Code).To(Equal(http.StatusBadRequest))
		})
	})

	Describe("GET /v3/builds/:guid", func() {
		BeforeEach(func() {
			build := &appsv1alpha1.Build{
				ObjectMeta: metav1.ObjectMeta{Name: "build-guid", Namespace: namespace},
				Spec: appsv1alpha1.BuildSpec{
					Type:       appsv1alpha1.BuildpackLifecycle,
					PackageRef: appsv1alpha1.PackageReference{Name: "package-guid"},
				},
			}
			meta.SetStatusCondition(&build.Status.Conditions, metav1.Condition{
				Type:    appsv1alpha1.SucceededConditionType,
				Status:  metav1.ConditionFalse,
				Reason:  "Buildpack",
				Message: "StagingError",
			})
			Expect(fakeClient.Create(ctx, build)).To(Succeed())
		})

		It("presents the build state", func() {
			serve(httptest.NewRequest(http.MethodGet, "/v3/builds/build-guid", nil))
			Expect(recorder.Code).To(Equal(http.StatusOK))

			var presented handlers.CFAPIBuildResource
			Expect(json.Unmarshal(recorder.Body.Bytes(), &presented)).To(Succeed())
			Expect(presented.State).To(Equal("FAILED"))
			Expect(presented.Error).NotTo(BeNil())
			Expect(*presented.Error).To(Equal("StagingError"))
		})

		It("returns 404 for an unknown build", func() {
			serve(httptest.NewRequest(http.MethodGet, "/v3/builds/missing", nil))
			Expect(recorder.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /internal/dea/staging/:staging_guid/completed", func() {
		const response = `{"task_id":"staging-guid","detected_buildpack":"ruby"}`

		complete := func(stagingGUID string) {
			serve(httptest.NewRequest(http.MethodPost, "/internal/dea/staging/"+stagingGUID+"/completed", strings.NewReader(response)))
		}

		It("hands the response to the droplet's stager", func() {
			complete("staging-guid")
			Expect(recorder.Code).To(Equal(http.StatusOK))
			Expect(completion.droplets).To(ConsistOf("staging-guid"))
			Expect(string(completion.payloads[0])).To(Equal(response))
		})

		It("returns 404 for an unknown staging task", func() {
			complete("missing")
			Expect(recorder.Code).To(Equal(http.StatusNotFound))
			Expect(completion.droplets).To(BeEmpty())
		})

		It("reports stager failures", func() {
			completion.err = errors.New("task mismatch")
			complete("staging-guid")
			Expect(recorder.Code).To(Equal(http.StatusInternalServerError))
			Expect(decodeError().Code).To(Equal(170001))
		})
	})
})
