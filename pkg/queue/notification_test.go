package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

func TestParseNotification(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		attrs map[string]string
		want  []RemoteObject
	}{
		{
			name: "s3 event",
			body: `{"Records":[{"eventSource":"aws:s3","eventName":"ObjectCreated:Put",
				"s3":{"bucket":{"name":"logs"},"object":{"key":"AWSLogs/2024/a+b%3D.json.gz","size":120}}}]}`,
			want: []RemoteObject{{Scheme: SchemeS3, Bucket: "logs", Key: "AWSLogs/2024/a b=.json.gz", Size: 120}},
		},
		{
			name: "s3 removal ignored",
			body: `{"Records":[{"eventName":"ObjectRemoved:Delete","s3":{"bucket":{"name":"logs"},"object":{"key":"k"}}}]}`,
		},
		{
			name: "sns wrapped",
			body: `{"Type":"Notification","MessageId":"m1","Message":"{\"Records\":[{\"eventName\":\"ObjectCreated:Copy\",\"s3\":{\"bucket\":{\"name\":\"b\"},\"object\":{\"key\":\"k1\",\"size\":3}}}]}"}`,
			want: []RemoteObject{{Scheme: SchemeS3, Bucket: "b", Key: "k1", Size: 3}},
		},
		{
			name: "s3 test event",
			body: `{"Service":"Amazon S3","Event":"s3:TestEvent","Bucket":"logs"}`,
		},
		{
			name: "eventbridge",
			body: `{"source":"aws.s3","detail-type":"Object Created","detail":{"bucket":{"name":"b"},"object":{"key":"x/y.log","size":9}}}`,
			want: []RemoteObject{{Scheme: SchemeS3, Bucket: "b", Key: "x/y.log", Size: 9}},
		},
		{
			name:  "gcs attributes",
			body:  `not json at all`,
			attrs: map[string]string{"bucketId": "gb", "objectId": "dir/o.ndjson", "eventType": "OBJECT_FINALIZE"},
			want:  []RemoteObject{{Scheme: SchemeGCS, Bucket: "gb", Key: "dir/o.ndjson"}},
		},
		{
			name:  "gcs delete attributes",
			attrs: map[string]string{"bucketId": "gb", "objectId": "o", "eventType": "OBJECT_DELETE"},
			want:  []RemoteObject{},
		},
		{
			name: "gcs json body",
			body: `{"kind":"storage#object","bucket":"gb","name":"o.gz","size":"42","contentEncoding":"gzip"}`,
			want: []RemoteObject{{Scheme: SchemeGCS, Bucket: "gb", Key: "o.gz", Size: 42, ContentEncoding: "gzip"}},
		},
		{
			name: "event grid",
			body: `[{"eventType":"Microsoft.Storage.BlobCreated","data":{"url":"https://acct.blob.core.windows.net/insights/y%3D2024/PT1H.json","contentType":"application/json","contentLength":77}},
				{"eventType":"Microsoft.Storage.BlobDeleted","data":{"url":"https://acct.blob.core.windows.net/c/b"}}]`,
			want: []RemoteObject{{Scheme: SchemeAzure, Account: "acct", Bucket: "insights", Key: "y=2024/PT1H.json", Size: 77, ContentType: "application/json"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNotification([]byte(tt.body), tt.attrs)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseNotificationRejectsUnknownShapes(t *testing.T) {
	_, err := ParseNotification([]byte(`{"hello":"world"}`), nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeParse))

	_, err = ParseNotification([]byte(`{{`), nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeParse))

	_, err = ParseNotification([]byte(`[{"eventType":"Microsoft.Storage.BlobCreated","data":{"url":"https://acct.blob.core.windows.net/only"}}]`), nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeParse))
}

func TestRemoteObjectURL(t *testing.T) {
	assert.Equal(t, "s3://logs/a/b.gz", RemoteObject{Scheme: SchemeS3, Bucket: "logs", Key: "a/b.gz"}.URL())
}
