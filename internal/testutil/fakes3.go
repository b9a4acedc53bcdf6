// Package testutil holds in-process fakes of the external services the cache
// talks to, for use from tests in other packages.
package testutil

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// FakeObject is an object held by FakeS3.
type FakeObject struct {
	Data        []byte
	ContentType string
	Metadata    map[string]string
	Header      http.Header
}

// FakeS3 is a path-style S3 endpoint supporting GET, PUT, HEAD and DELETE on
// objects and HEAD on buckets. It records every request.
type FakeS3 struct {
	*httptest.Server
	Bucket string

	mu       sync.Mutex
	objects  map[string]*FakeObject
	requests []*http.Request
	failing  atomic.Bool
	count    atomic.Int64
}

// NewFakeS3 starts a fake serving bucket. It is closed when t finishes.
func NewFakeS3(t testing.TB, bucket string) *FakeS3 {
	t.Helper()

	f := &FakeS3{Bucket: bucket, objects: make(map[string]*FakeObject)}
	f.Server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.Close)
	return f
}

// Requests returns how many requests the fake has served.
func (f *FakeS3) Requests() int64 {
	return f.count.Load()
}

// LastRequest returns the most recent request, or nil.
func (f *FakeS3) LastRequest() *http.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		return nil
	}
	return f.requests[len(f.requests)-1]
}

// Object returns the stored object for key, or nil.
func (f *FakeS3) Object(key string) *FakeObject {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.objects[key]
}

// PutObject stores an object directly, bypassing HTTP.
func (f *FakeS3) PutObject(key string, obj *FakeObject) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = obj
}

// SetFailing makes every request answer 500 until reset.
func (f *FakeS3) SetFailing(failing bool) {
	f.failing.Store(failing)
}

func (f *FakeS3) serve(w http.ResponseWriter, r *http.Request) {
	f.count.Add(1)
	f.mu.Lock()
	f.requests = append(f.requests, r.Clone(r.Context()))
	f.mu.Unlock()

	if f.failing.Load() {
		writeS3Error(w, http.StatusInternalServerError, "InternalError", "injected failure")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	bucket, key, _ := strings.Cut(path, "/")
	if bucket != f.Bucket {
		writeS3Error(w, http.StatusNotFound, "NoSuchBucket", "no such bucket")
		return
	}

	if key == "" {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		writeS3Error(w, http.StatusNotImplemented, "NotImplemented", "bucket operation")
		return
	}

	switch r.Method {
	case http.MethodPut:
		f.handlePut(w, r, key)
	case http.MethodGet, http.MethodHead:
		f.handleGet(w, r, key)
	case http.MethodDelete:
		f.mu.Lock()
		delete(f.objects, key)
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		writeS3Error(w, http.StatusMethodNotAllowed, "MethodNotAllowed", r.Method)
	}
}

func (f *FakeS3) handlePut(w http.ResponseWriter, r *http.Request, key string) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeS3Error(w, http.StatusBadRequest, "IncompleteBody", err.Error())
		return
	}
	if strings.Contains(r.Header.Get("Content-Encoding"), "aws-chunked") {
		if body, err = decodeAWSChunked(body); err != nil {
			writeS3Error(w, http.StatusBadRequest, "InvalidRequest", err.Error())
			return
		}
	}

	meta := make(map[string]string)
	for name, values := range r.Header {
		lower := strings.ToLower(name)
		if strings.HasPrefix(lower, "x-amz-meta-") && len(values) > 0 {
			meta[strings.TrimPrefix(lower, "x-amz-meta-")] = values[0]
		}
	}

	f.PutObject(key, &FakeObject{
		Data:        body,
		ContentType: r.Header.Get("Content-Type"),
		Metadata:    meta,
		Header:      r.Header.Clone(),
	})
	w.Header().Set("ETag", fmt.Sprintf("%q", strconv.Itoa(len(body))))
	w.WriteHeader(http.StatusOK)
}

func (f *FakeS3) handleGet(w http.ResponseWriter, r *http.Request, key string) {
	obj := f.Object(key)
	if obj == nil {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeS3Error(w, http.StatusNotFound, "NoSuchKey", "The specified key does not exist.")
		return
	}

	for k, v := range obj.Metadata {
		w.Header().Set("X-Amz-Meta-"+k, v)
	}
	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(obj.Data)))
	w.Header().Set("ETag", fmt.Sprintf("%q", strconv.Itoa(len(obj.Data))))
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(obj.Data)
	}
}

func writeS3Error(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, message)
}

// decodeAWSChunked strips aws-chunked framing ("<hex-size>[;ext]\r\n<data>\r\n"
// repeated, ending with a zero-size chunk and optional trailers).
func decodeAWSChunked(body []byte) ([]byte, error) {
	var out bytes.Buffer
	reader := bufio.NewReader(bytes.NewReader(body))
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			return nil, fmt.Errorf("read chunk header: %w", err)
		}
		sizeField, _, _ := strings.Cut(strings.TrimSpace(line), ";")
		size, err := strconv.ParseInt(sizeField, 16, 64)
		if err != nil {
			return nil, fmt.Errorf("parse chunk size %q: %w", sizeField, err)
		}
		if size == 0 {
			return out.Bytes(), nil
		}
		if _, err := io.CopyN(&out, reader, size); err != nil {
			return nil, fmt.Errorf("read chunk: %w", err)
		}
		if _, err := reader.Discard(2); err != nil {
			return nil, fmt.Errorf("read chunk terminator: %w", err)
		}
	}
}

// Client returns an S3 client that signs requests with static test
// credentials and talks to the fake.
func (f *FakeS3) Client() *s3.Client {
	return s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(f.URL),
		UsePathStyle:               true,
		RetryMaxAttempts:           1,
		Credentials:                credentials.NewStaticCredentialsProvider("AKIDTEST", "secret", ""),
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
		ResponseChecksumValidation: aws.ResponseChecksumValidationWhenRequired,
	})
}
