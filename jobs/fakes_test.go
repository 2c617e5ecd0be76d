package jobs_test

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/go-logr/logr"

	"cloudfoundry.org/cf-crd-staging/blobstore"
)

type fakeBits struct {
	receipt          blobstore.Fingerprints
	uploadEntriesErr error
	bundle           string
	bundlesErr       error
	onBundles        func()
	packageGUID      string
	uploadPackageErr error

	uploadEntriesPaths []string
	bundlesPayloads    []string
	uploadedPackages   []string
	uploadedPaths      []string
}

func (f *fakeBits) UploadEntries(_ context.Context, path string) (blobstore.Fingerprints, error) {
	f.uploadEntriesPaths = append(f.uploadEntriesPaths, path)
	if f.uploadEntriesErr != nil {
		return nil, f.uploadEntriesErr
	}
	return f.receipt, nil
}

func (f *fakeBits) Bundles(_ context.Context, fingerprints []byte) (io.ReadCloser, error) {
	f.bundlesPayloads = append(f.bundlesPayloads, string(fingerprints))
	if f.onBundles != nil {
		f.onBundles()
	}
	if f.bundlesErr != nil {
		return nil, f.bundlesErr
	}
	return io.NopCloser(strings.NewReader(f.bundle)), nil
}

func (f *fakeBits) UploadPackage(_ context.Context, path string) (string, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	f.uploadedPaths = append(f.uploadedPaths, path)
	f.uploadedPackages = append(f.uploadedPackages, string(contents))
	if f.uploadPackageErr != nil {
		return "", f.uploadPackageErr
	}
	return f.packageGUID, nil
}

type fakeBlobstore struct {
	deleted   []string
	deleteErr error
}

func (f *fakeBlobstore) Delete(_ context.Context, key string) error {
	f.deleted = append(f.deleted, key)
	return f.deleteErr
}

type loggedError struct {
	err error
	msg string
}

// recordingLogger keeps error entries so tests can assert on them
type recordingLogger struct {
	mu     *sync.Mutex
	errors *[]loggedError
}

func newRecordingLogger() recordingLogger {
	return recordingLogger{mu: &sync.Mutex{}, errors: &[]loggedError{}}
}

func (l recordingLogger) Enabled() bool { return true }
func (l recordingLogger) Info(string, ...interface{}) {}
func (l recordingLogger) V(int) logr.Logger { return l }
func (l recordingLogger) WithValues(...interface{}) logr.Logger { return l }
func (l recordingLogger) WithName(string) logr.Logger { return l }
func (l recordingLogger) Error(err error, msg string, _ ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.errors = append(*l.errors, loggedError{err: err, msg: msg})
}

func (l recordingLogger) ErrorMessages() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var msgs []string
	for _, e := range *l.errors {
		msgs = append(msgs, e.msg)
	}
	return msgs
}
