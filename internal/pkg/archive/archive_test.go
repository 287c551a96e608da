package archive

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePutter struct {
	input *s3.PutObjectInput
	body  []byte
	err   error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.input = in
	if in.Body != nil {
		f.body, _ = io.ReadAll(in.Body)
	}
	return &s3.PutObjectOutput{}, f.err
}

func TestObjectKey(t *testing.T) {
	created := time.Date(2026, 3, 1, 23, 30, 0, 0, time.FixedZone("PST", -8*3600))
	assert.Equal(t, "webhooks/2026/03/02/evt_1.json", ObjectKey("evt_1", created))
}

func TestArchive_UploadsPayload(t *testing.T) {
	putter := &fakePutter{}
	a := NewS3Archiver(putter, "convertviral-webhooks")
	payload := []byte(`{"id":"evt_1"}`)

	err := a.Archive(context.Background(), "evt_1", time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), payload)
	require.NoError(t, err)
	assert.Equal(t, "convertviral-webhooks", aws.ToString(putter.input.Bucket))
	assert.Equal(t, "webhooks/2026/03/01/evt_1.json", aws.ToString(putter.input.Key))
	assert.Equal(t, "application/json", aws.ToString(putter.input.ContentType))
	assert.Equal(t, payload, putter.body)
	assert.Equal(t, "evt_1", putter.input.Metadata["event-id"])
}

func TestArchive_WrapsErrors(t *testing.T) {
	boom := errors.New("access denied")
	a := NewS3Archiver(&fakePutter{err: boom}, "b")

	err := a.Archive(context.Background(), "evt_2", time.Now(), []byte("{}"))
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "evt_2.json")
}
