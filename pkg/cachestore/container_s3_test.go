package cachestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/eunmann/histcache/pkg/s3fetch"
)

// fakeS3 serves the path-style subset of the S3 API the container uses.
type fakeS3 struct {
	mu       sync.Mutex
	buckets  map[string]bool
	objects  map[string][]byte // "bucket/key"
	pageSize int

	headFailures int // HEAD bucket requests to reject with 403
	heads        int
	creates      int
}

func newFakeS3(t *testing.T) (*fakeS3, *s3fetch.Client) {
	t.Helper()
	f := &fakeS3{buckets: map[string]bool{}, objects: map[string][]byte{}, pageSize: 2}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)

	cfg := aws.Config{
		Region:      "us-east-1",
		Credentials: aws.AnonymousCredentials{},
	}
	client := s3fetch.NewClientWithConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(srv.URL)
		o.UsePathStyle = true
		o.RetryMaxAttempts = 1
		o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
	})
	return f, client
}

func (f *fakeS3) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[key] = data
}

func (f *fakeS3) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.objects[key]
	return ok
}

func (f *fakeS3) counts() (heads, creates int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heads, f.creates
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	switch {
	case key == "" && r.Method == http.MethodHead:
		f.heads++
		if f.headFailures > 0 {
			f.headFailures--
			w.WriteHeader(http.StatusForbidden)
			return
		}
		if !f.buckets[bucket] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	case key == "" && r.Method == http.MethodPut:
		f.creates++
		f.buckets[bucket] = true
		w.WriteHeader(http.StatusOK)
	case key == "" && r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
		f.list(w, bucket, r.URL.Query().Get("prefix"), r.URL.Query().Get("continuation-token"))
	case r.Method == http.MethodPut:
		data, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.objects[bucket+"/"+key] = data
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodGet:
		data, ok := f.objects[bucket+"/"+key]
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>The specified key does not exist.</Message></Error>`)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (f *fakeS3) list(w http.ResponseWriter, bucket, prefix, token string) {
	var keys []string
	for k := range f.objects {
		b, key, _ := strings.Cut(k, "/")
		if b == bucket && strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	start, _ := strconv.Atoi(token)
	end := min(start+f.pageSize, len(keys))
	page := keys[start:end]

	var b strings.Builder
	b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
	fmt.Fprintf(&b, "<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount><MaxKeys>%d</MaxKeys>",
		bucket, prefix, len(page), f.pageSize)
	if end < len(keys) {
		fmt.Fprintf(&b, "<IsTruncated>true</IsTruncated><NextContinuationToken>%d</NextContinuationToken>", end)
	} else {
		b.WriteString("<IsTruncated>false</IsTruncated>")
	}
	for _, k := range page {
		fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size></Contents>", k, len(f.objects[bucket+"/"+k]))
	}
	b.WriteString("</ListBucketResult>")

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, b.String())
}

func TestS3StoreCreatesBucket(t *testing.T) {
	ctx := context.Background()
	f, client := newFakeS3(t)

	s, err := Open(ctx, Config{Backend: BackendS3, Container: "hist", Namespace: "ns1", S3: client})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()
	if _, creates := f.counts(); creates != 1 {
		t.Fatalf("creates = %d, want 1", creates)
	}

	// An existing bucket is not created again.
	s2, err := Open(ctx, Config{Backend: BackendS3, Container: "hist", Namespace: "ns1", S3: client})
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer s2.Close()
	if _, creates := f.counts(); creates != 1 {
		t.Errorf("creates = %d after reopen, want 1", creates)
	}
}

func TestS3StoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	f, client := newFakeS3(t)
	cfg := Config{Backend: BackendS3, Container: "hist", Namespace: "ns1", S3: client}

	s, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer s.Close()

	if _, err := s.Lookup(ctx, "px"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Lookup missing: err = %v, want ErrNotFound", err)
	}

	names := []string{"px", "py", "pt/eta", "e", "m2"}
	for i, name := range names {
		if err := s.Store(ctx, filledHist(name, 10+i)); err != nil {
			t.Fatalf("Store %s: %v", name, err)
		}
	}
	if !f.has("hist/ns1/pt%2Feta.hca") {
		t.Error("escaped object key pt%2Feta.hca missing")
	}

	// Objects the container does not own.
	f.put("hist/ns1/README.txt", []byte("notes"))
	f.put("hist/ns1/nested/px.hca", []byte("junk"))
	f.put("hist/ns2/px.hca", []byte("junk"))

	// A fresh handle has an empty mirror, so reads go to the bucket.
	fresh, err := Open(ctx, cfg)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer fresh.Close()

	got, err := fresh.Lookup(ctx, "pt/eta")
	if err != nil {
		t.Fatalf("Lookup pt/eta: %v", err)
	}
	if got.Entries() != 12 {
		t.Errorf("pt/eta entries = %d, want 12", got.Entries())
	}

	entries, err := fresh.Entries(ctx)
	if err != nil {
		t.Fatalf("Entries: %v", err)
	}
	var listed []string
	for _, e := range entries {
		listed = append(listed, e.Name)
	}
	sort.Strings(listed)
	want := append([]string(nil), names...)
	sort.Strings(want)
	if strings.Join(listed, ",") != strings.Join(want, ",") {
		t.Errorf("Entries = %v, want %v", listed, want)
	}
}

func TestS3EnsureBucketRetriesAfterFailure(t *testing.T) {
	ctx := context.Background()
	f, client := newFakeS3(t)
	f.mu.Lock()
	f.headFailures = 1
	f.mu.Unlock()

	c, err := openS3Container(ctx, "hist", client)
	if err != nil {
		t.Fatalf("openS3Container: %v", err)
	}
	if err := c.EnsureNamespace(ctx, "ns1"); err == nil {
		t.Fatal("EnsureNamespace succeeded despite a rejected HEAD")
	}
	if _, creates := f.counts(); creates != 0 {
		t.Fatalf("creates = %d after failure, want 0", creates)
	}

	if err := c.EnsureNamespace(ctx, "ns1"); err != nil {
		t.Fatalf("EnsureNamespace retry: %v", err)
	}
	heads, creates := f.counts()
	if creates != 1 {
		t.Fatalf("creates = %d, want 1", creates)
	}

	if err := c.EnsureNamespace(ctx, "ns2"); err != nil {
		t.Fatalf("EnsureNamespace ns2: %v", err)
	}
	if after, _ := f.counts(); after != heads {
		t.Errorf("bucket checked again after success: heads %d -> %d", heads, after)
	}
}
