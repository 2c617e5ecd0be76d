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

package blobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	entriesPath  = "/app_stash/entries"
	bundlesPath  = "/app_stash/bundles"
	packagesPath = "/packages"
)

// BitsClient talks to the bits service, which stores app files and assembled packages
type BitsClient struct {
	endpoint string
	client   *retryablehttp.Client
}

type BitsClientOption func(*retryablehttp.Client)

func WithRetryMax(n int) BitsClientOption {
	return func(c *retryablehttp.Client) {
		c.RetryMax = n
	}
}

func WithRetryWait(min, max time.Duration) BitsClientOption {
	return func(c *retryablehttp.Client) {
		c.RetryWaitMin = min
		c.RetryWaitMax = max
	}
}

func WithHTTPClient(httpClient *http.Client) BitsClientOption {
	return func(c *retryablehttp.Client) {
		c.HTTPClient = httpClient
	}
}

func NewBitsClient(endpoint string, logger logr.Logger, opts ...BitsClientOption) *BitsClient {
	c := retryablehttp.NewClient()
	c.Logger = &leveledLogger{logger: logger}
	// hand the last response back so callers can report its status code
	c.ErrorHandler = retryablehttp.PassthroughErrorHandler
	for _, opt := range opts {
		opt(c)
	}
	return &BitsClient{
		endpoint: strings.TrimSuffix(endpoint, "/"),
		client:   c,
	}
}

// UploadEntries stores the files of a zip archive and returns what was stored
func (c *BitsClient) UploadEntries(ctx context.Context, path string) (Fingerprints, error) {
	resp, err := c.postFile(ctx, entriesPath, "application", path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return nil, unexpectedResponse("upload entries", resp)
	}

	var receipt Fingerprints
	if err := json.NewDecoder(resp.Body).Decode(&receipt); err != nil {
		return nil, fmt.Errorf("decoding upload entries receipt: %w", err)
	}
	return receipt, nil
}

// Bundles returns a zip of the files named by the serialized fingerprints.
// The caller closes the returned reader.
func (c *BitsClient) Bundles(ctx context.Context, fingerprints []byte) (io.ReadCloser, error) {
	req, err := retryablehttp.NewRequest(http.MethodPost, c.endpoint+bundlesPath, fingerprints)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, unexpectedResponse("bundles", resp)
	}
	return resp.Body, nil
}

// UploadPackage stores an assembled package and returns the guid it is stored under
func (c *BitsClient) UploadPackage(ctx context.Context, path string) (string, error) {
	resp, err := c.postFile(ctx, packagesPath, "package", path)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", unexpectedResponse("upload package", resp)
	}

	var body struct {
		GUID string `json:"guid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding upload package response: %w", err)
	}
	if body.GUID == "" {
		return "", fmt.Errorf("upload package response did not include a guid")
	}
	return body.GUID, nil
}

// Delete removes a stored package. A package that is already gone counts as deleted.
func (c *BitsClient) Delete(ctx context.Context, key string) error {
	req, err := retryablehttp.NewRequest(http.MethodDelete, c.endpoint+packagesPath+"/"+key, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK, http.StatusNotFound:
		return nil
	default:
		return unexpectedResponse("delete package", resp)
	}
}

// postFile streams path as a multipart form field; the body is rebuilt from the file on every retry
func (c *BitsClient) postFile(ctx context.Context, urlPath, field, path string) (*http.Response, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	boundary := multipart.NewWriter(io.Discard).Boundary()
	body := retryablehttp.ReaderFunc(func() (io.Reader, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		pr, pw := io.Pipe()
		go func() {
			defer f.Close()
			mw := multipart.NewWriter(pw)
			if err := mw.SetBoundary(boundary); err != nil {
				pw.CloseWithError(err)
				return
			}
			part, err := mw.CreateFormFile(field, filepath.Base(path))
			if err != nil {
				pw.CloseWithError(err)
				return
			}
			if _, err := io.Copy(part, f); err != nil {
				pw.CloseWithError(err)
				return
			}
			pw.CloseWithError(mw.Close())
		}()
		return pr, nil
	})

	req, err := retryablehttp.NewRequest(http.MethodPost, c.endpoint+urlPath, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "multipart/form-data; boundary="+boundary)

	return c.client.Do(req.WithContext(ctx))
}

func unexpectedResponse(operation string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &UnexpectedResponseCodeError{
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}

type leveledLogger struct {
	logger logr.Logger
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.logger.Error(nil, msg, keysAndValues...)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, keysAndValues...)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.logger.V(1).Info(msg, keysAndValues...)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.logger.Info(msg, keysAndValues...)
}
