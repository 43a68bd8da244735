package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeS3 implements the handful of path-style S3 calls the backend makes.
type fakeS3 struct {
	mu        sync.Mutex
	objects   map[string][]byte
	sums      map[string]string
	uploads   map[string]map[int][]byte
	initiated map[string]time.Time
	keys      map[string]string
	aborted   []string
	failPart  int
	nextID    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{
		objects:   make(map[string][]byte),
		sums:      make(map[string]string),
		uploads:   make(map[string]map[int][]byte),
		initiated: make(map[string]time.Time),
		keys:      make(map[string]string),
	}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/bucket"), "/")
	q := r.URL.Query()
	body, _ := io.ReadAll(r.Body)

	switch {
	case r.Method == http.MethodHead:
		if _, ok := f.objects[key]; !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("ETag", `"etag"`)
		w.Header().Set("Content-Length", strconv.Itoa(len(f.objects[key])))
		if sum := f.sums[key]; sum != "" {
			w.Header().Set("X-Amz-Meta-Sha256", sum)
		}
	case r.Method == http.MethodGet && q.Has("uploads"):
		var b strings.Builder
		b.WriteString("<ListMultipartUploadsResult><Bucket>bucket</Bucket><IsTruncated>false</IsTruncated>")
		ids := make([]string, 0, len(f.uploads))
		for id := range f.uploads {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			fmt.Fprintf(&b, "<Upload><Key>%s</Key><UploadId>%s</UploadId><Initiated>%s</Initiated></Upload>",
				f.keys[id], id, f.initiated[id].UTC().Format("2006-01-02T15:04:05.000Z"))
		}
		b.WriteString("</ListMultipartUploadsResult>")
		_, _ = w.Write([]byte(b.String()))
	case r.Method == http.MethodPost && q.Has("uploads"):
		f.nextID++
		id := "upload-" + strconv.Itoa(f.nextID)
		f.uploads[id] = make(map[int][]byte)
		f.initiated[id] = time.Now()
		f.keys[id] = key
		f.sums[key] = r.Header.Get("X-Amz-Meta-Sha256")
		fmt.Fprintf(w, "<InitiateMultipartUploadResult><Bucket>bucket</Bucket><Key>%s</Key><UploadId>%s</UploadId></InitiateMultipartUploadResult>", key, id)
	case r.Method == http.MethodPut && q.Has("uploadId"):
		n, _ := strconv.Atoi(q.Get("partNumber"))
		if n == f.failPart {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte("<Error><Code>InternalError</Code><Message>boom</Message></Error>"))
			return
		}
		f.uploads[q.Get("uploadId")][n] = body
		w.Header().Set("ETag", fmt.Sprintf(`"part-%d"`, n))
	case r.Method == http.MethodPost && q.Has("uploadId"):
		parts := f.uploads[q.Get("uploadId")]
		var data []byte
		for i := 1; i <= len(parts); i++ {
			data = append(data, parts[i]...)
		}
		f.objects[key] = data
		delete(f.uploads, q.Get("uploadId"))
		fmt.Fprintf(w, "<CompleteMultipartUploadResult><Bucket>bucket</Bucket><Key>%s</Key><ETag>\"done\"</ETag></CompleteMultipartUploadResult>", key)
	case r.Method == http.MethodDelete && q.Has("uploadId"):
		f.aborted = append(f.aborted, q.Get("uploadId"))
		delete(f.uploads, q.Get("uploadId"))
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodPut:
		f.objects[key] = body
		f.sums[key] = r.Header.Get("X-Amz-Meta-Sha256")
		w.Header().Set("ETag", `"single"`)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func newTestS3(t *testing.T, fake *fakeS3) *S3 {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	client := s3.New(s3.Options{
		Region:                     "us-east-1",
		BaseEndpoint:               aws.String(srv.URL),
		UsePathStyle:               true,
		Credentials:                credentials.NewStaticCredentialsProvider("AKID", "SECRET", ""),
		RetryMaxAttempts:           1,
		RequestChecksumCalculation: aws.RequestChecksumCalculationWhenRequired,
	})
	return newS3WithClient(client, S3Options{Bucket: "bucket", MultipartThreshold: minPartSize, PartSize: minPartSize})
}

func TestS3SinglePutAndExists(t *testing.T) {
	fake := newFakeS3()
	store := newTestS3(t, fake)
	ctx := context.Background()

	exists, err := store.Exists(ctx, "v/2026-01-01/can/a.log")
	require.NoError(t, err)
	assert.False(t, exists)

	data := []byte("frame data")
	res, err := store.Put(ctx, "v/2026-01-01/can/a.log", Object{Body: bytes.NewReader(data), Size: int64(len(data))})
	require.NoError(t, err)
	assert.False(t, res.Multipart)

	exists, err = store.Exists(ctx, "v/2026-01-01/can/a.log")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, data, fake.objects["v/2026-01-01/can/a.log"])
}

func TestS3StatReturnsRecordedDigest(t *testing.T) {
	fake := newFakeS3()
	store := newTestS3(t, fake)
	ctx := context.Background()
	data := []byte("frame data")
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	_, ok, err := store.Stat(ctx, "v/a.log")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Put(ctx, "v/a.log", Object{Body: bytes.NewReader(data), Size: int64(len(data)), SHA256: digest})
	require.NoError(t, err)

	info, ok, err := store.Stat(ctx, "v/a.log")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, digest, info.SHA256)
	assert.Equal(t, int64(len(data)), info.Size)

	fake.objects["v/foreign.log"] = []byte("other tool")
	info, ok, err = store.Stat(ctx, "v/foreign.log")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, info.SHA256)
}

func TestHexChecksum(t *testing.T) {
	sum := sha256.Sum256([]byte("x"))
	assert.Equal(t, hex.EncodeToString(sum[:]), hexChecksum(base64.StdEncoding.EncodeToString(sum[:])))
	assert.Empty(t, hexChecksum(base64.StdEncoding.EncodeToString(sum[:])+"-3"))
	assert.Empty(t, hexChecksum(""))
}

func TestS3MultipartAssemblesParts(t *testing.T) {
	fake := newFakeS3()
	store := newTestS3(t, fake)
	data := bytes.Repeat([]byte("0123456789"), (2*minPartSize+1024)/10)

	res, err := store.Put(context.Background(), "big.log", Object{Body: bytes.NewReader(data), Size: int64(len(data))})
	require.NoError(t, err)
	assert.True(t, res.Multipart)
	assert.Equal(t, 3, res.Parts)
	assert.Equal(t, data, fake.objects["big.log"])
}

func TestS3MultipartFailureAborts(t *testing.T) {
	fake := newFakeS3()
	fake.failPart = 2
	store := newTestS3(t, fake)
	data := bytes.Repeat([]byte{7}, 2*minPartSize+10)

	_, err := store.Put(context.Background(), "big.log", Object{Body: bytes.NewReader(data), Size: int64(len(data))})
	require.Error(t, err)
	assert.True(t, IsRetryable(err))
	assert.Len(t, fake.aborted, 1)
	assert.Empty(t, fake.uploads)
	assert.NotContains(t, fake.objects, "big.log")
}

func TestS3SweepAbortsOnlyStaleUploads(t *testing.T) {
	fake := newFakeS3()
	store := newTestS3(t, fake)
	fake.uploads["old"] = map[int][]byte{}
	fake.initiated["old"] = time.Now().Add(-48 * time.Hour)
	fake.keys["old"] = "v/old.log"
	fake.uploads["fresh"] = map[int][]byte{}
	fake.initiated["fresh"] = time.Now()
	fake.keys["fresh"] = "v/fresh.log"

	n, err := store.SweepStaleMultipart(context.Background(), "v/", 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"old"}, fake.aborted)
}
