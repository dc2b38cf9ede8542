package queue

import (
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
)

// Object store schemes understood by Opener.
const (
	SchemeS3    = "s3"
	SchemeGCS   = "gs"
	SchemeAzure = "azblob"
)

// RemoteObject is a blob announced by a storage notification.
type RemoteObject struct {
	Scheme string
	// Account is the storage account for Azure blobs
	Account         string
	Bucket          string
	Key             string
	Size            int64
	ContentType     string
	ContentEncoding string
}

// URL renders the object as scheme://bucket/key.
func (o RemoteObject) URL() string {
	return o.Scheme + "://" + o.Bucket + "/" + o.Key
}

// ParseNotification resolves a queue message to the blobs it announces.
// Recognized shapes are S3 event notifications (direct, SNS-wrapped or via
// EventBridge), GCS Pub/Sub notifications (attributes or JSON body) and
// Event Grid BlobCreated events. S3 test events and non-creation events
// resolve to no objects. Anything else is a parse error.
func ParseNotification(body []byte, attrs map[string]string) ([]RemoteObject, error) {
	if obj, ok := gcsFromAttributes(attrs); ok {
		return obj, nil
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.New(errors.ErrorTypeParse, "notification is not valid JSON")
	}
	doc := gjson.ParseBytes(body)

	switch {
	case doc.IsArray():
		return eventGridObjects(doc)
	case doc.Get("Type").String() == "Notification" && doc.Get("Message").Exists():
		return ParseNotification([]byte(doc.Get("Message").String()), nil)
	case doc.Get("Event").String() == "s3:TestEvent":
		return nil, nil
	case doc.Get("Records").IsArray():
		return s3Objects(doc.Get("Records"))
	case doc.Get("source").String() == "aws.s3" && doc.Get("detail").Exists():
		return eventBridgeObjects(doc)
	case doc.Get("kind").String() == "storage#object":
		return []RemoteObject{gcsObject(doc)}, nil
	case doc.Get("eventType").Exists() && doc.Get("data").Exists():
		return eventGridObjects(gjson.Parse("[" + doc.Raw + "]"))
	}
	return nil, errors.New(errors.ErrorTypeParse, "unrecognized storage notification")
}

func s3Objects(records gjson.Result) ([]RemoteObject, error) {
	var out []RemoteObject
	var err error
	records.ForEach(func(_, rec gjson.Result) bool {
		if !strings.HasPrefix(rec.Get("eventName").String(), "ObjectCreated:") {
			return true
		}
		var key string
		key, err = url.QueryUnescape(rec.Get("s3.object.key").String())
		if err != nil {
			err = errors.Wrap(err, errors.ErrorTypeParse, "invalid S3 object key")
			return false
		}
		out = append(out, RemoteObject{
			Scheme: SchemeS3,
			Bucket: rec.Get("s3.bucket.name").String(),
			Key:    key,
			Size:   rec.Get("s3.object.size").Int(),
		})
		return true
	})
	return out, err
}

func eventBridgeObjects(doc gjson.Result) ([]RemoteObject, error) {
	if doc.Get("detail-type").String() != "Object Created" {
		return nil, nil
	}
	return []RemoteObject{{
		Scheme: SchemeS3,
		Bucket: doc.Get("detail.bucket.name").String(),
		Key:    doc.Get("detail.object.key").String(),
		Size:   doc.Get("detail.object.size").Int(),
	}}, nil
}

func gcsFromAttributes(attrs map[string]string) ([]RemoteObject, bool) {
	bucket, key := attrs["bucketId"], attrs["objectId"]
	if bucket == "" || key == "" {
		return nil, false
	}
	if t := attrs["eventType"]; t != "" && t != "OBJECT_FINALIZE" {
		return []RemoteObject{}, true
	}
	return []RemoteObject{{Scheme: SchemeGCS, Bucket: bucket, Key: key}}, true
}

func gcsObject(doc gjson.Result) RemoteObject {
	return RemoteObject{
		Scheme:          SchemeGCS,
		Bucket:          doc.Get("bucket").String(),
		Key:             doc.Get("name").String(),
		Size:            doc.Get("size").Int(),
		ContentType:     doc.Get("contentType").String(),
		ContentEncoding: doc.Get("contentEncoding").String(),
	}
}

func eventGridObjects(events gjson.Result) ([]RemoteObject, error) {
	var out []RemoteObject
	var err error
	events.ForEach(func(_, ev gjson.Result) bool {
		if ev.Get("eventType").String() != "Microsoft.Storage.BlobCreated" {
			return true
		}
		var obj RemoteObject
		obj, err = azureObject(ev.Get("data.url").String())
		if err != nil {
			return false
		}
		obj.Size = ev.Get("data.contentLength").Int()
		obj.ContentType = ev.Get("data.contentType").String()
		out = append(out, obj)
		return true
	})
	return out, err
}

// azureObject splits https://<account>.blob.core.windows.net/<container>/<blob>.
func azureObject(raw string) (RemoteObject, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return RemoteObject{}, errors.Wrap(err, errors.ErrorTypeParse, "invalid blob url")
	}
	container, blob, ok := strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	if !ok || blob == "" {
		return RemoteObject{}, errors.New(errors.ErrorTypeParse, "blob url has no container").WithDetail("url", raw)
	}
	account, _, _ := strings.Cut(u.Host, ".")
	return RemoteObject{Scheme: SchemeAzure, Account: account, Bucket: container, Key: blob}, nil
}
