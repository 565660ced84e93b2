package s3archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/narwhalmedia/switchboard/internal/domain/events"
)

// fakeS3 is an in-memory bucket that pages listings two keys at a time.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
	lists   int
	putErr  error
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++

	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	start := 0
	if in.ContinuationToken != nil {
		start, _ = strconv.Atoi(*in.ContinuationToken)
	}
	end := start + 2
	if end > len(keys) {
		end = len(keys)
	}

	out := &s3.ListObjectsV2Output{}
	for _, k := range keys[start:end] {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	if end < len(keys) {
		out.IsTruncated = aws.Bool(true)
		out.NextContinuationToken = aws.String(strconv.Itoa(end))
	}
	return out, nil
}

func snapshot(streamID string, version int64) *events.Snapshot {
	return &events.Snapshot{
		ID:        "snap-" + strconv.FormatInt(version, 10),
		StreamID:  streamID,
		Version:   version,
		Data:      map[string]interface{}{"version": float64(version)},
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		Metadata:  map[string]interface{}{},
	}
}

func TestArchive_KeysAreZeroPadded(t *testing.T) {
	fake := newFakeS3()
	a := NewWithClient(fake, "bucket", "/snapshots/", zaptest.NewLogger(t))

	require.NoError(t, a.Archive(context.Background(), snapshot("cart:1", 42)))

	_, ok := fake.objects["snapshots/cart:1/00000000000000000042.json"]
	assert.True(t, ok, "keys: %v", fake.objects)
}

func TestArchive_LoadPicksLatestAtOrBelow(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	a := NewWithClient(fake, "bucket", "snapshots", zaptest.NewLogger(t))

	for _, v := range []int64{5, 100, 20, 7, 9} {
		require.NoError(t, a.Archive(ctx, snapshot("cart:1", v)))
	}
	require.NoError(t, a.Archive(ctx, snapshot("cart:10", 500)))

	snap, err := a.Load(ctx, "cart:1", -1)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(100), snap.Version)
	assert.Equal(t, float64(100), snap.Data["version"])
	assert.Equal(t, 3, fake.lists, "listing follows continuation tokens")

	snap, err = a.Load(ctx, "cart:1", 19)
	require.NoError(t, err)
	require.NotNil(t, snap)
	assert.Equal(t, int64(9), snap.Version)

	snap, err = a.Load(ctx, "cart:1", 4)
	require.NoError(t, err)
	assert.Nil(t, snap)

	snap, err = a.Load(ctx, "cart:2", -1)
	require.NoError(t, err)
	assert.Nil(t, snap)
}

func TestArchive_PutError(t *testing.T) {
	fake := newFakeS3()
	fake.putErr = errors.New("access denied")
	a := NewWithClient(fake, "bucket", "", zaptest.NewLogger(t))

	err := a.Archive(context.Background(), snapshot("cart:1", 1))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
}

func TestParseVersion(t *testing.T) {
	v, ok := parseVersion("00000000000000000012.json")
	assert.True(t, ok)
	assert.Equal(t, int64(12), v)

	_, ok = parseVersion("nested/1.json")
	assert.False(t, ok)
	_, ok = parseVersion("notes.txt")
	assert.False(t, ok)
}
