package connector

import (
	"bytes"
	"context"
	"io"

	"go.uber.org/zap"

	"github.com/ajitpratap0/intakeflow/pkg/errors"
	"github.com/ajitpratap0/intakeflow/pkg/queue"
)

// messageDecoder turns a queue message into records: the body itself, or
// the blobs a storage notification points at when an opener is set.
type messageDecoder struct {
	opener  *queue.Opener
	format  queue.Format
	records queue.RecordOptions
	logger  *zap.Logger
}

// each feeds the records of m to fn and returns the blobs that were read
// completely. A malformed notification, a vanished blob or a corrupt record
// is skipped and counted; read failures and fn errors are returned so the
// message is redelivered.
func (d *messageDecoder) each(ctx context.Context, m *queue.Message, fn func(rec string) error) ([]queue.RemoteObject, int, error) {
	if d.opener == nil {
		n, err := d.decode(bytes.NewReader(m.Body), m, fn)
		return nil, n, err
	}

	objs, err := queue.ParseNotification(m.Body, m.Attributes)
	if err != nil {
		d.logger.Warn("discarding unreadable notification", zap.String("message_id", m.ID), zap.Error(err))
		return nil, 1, nil
	}
	var (
		read      []queue.RemoteObject
		discarded int
	)
	for _, obj := range objs {
		body, err := d.opener.Open(ctx, obj)
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeClient) || errors.IsType(err, errors.ErrorTypeParse) {
				d.logger.Warn("skipping object", zap.String("object", obj.URL()), zap.Error(err))
				discarded++
				continue
			}
			return nil, discarded, err
		}
		n, err := d.decode(body, m, fn)
		_ = body.Close()
		discarded += n
		if err != nil {
			return nil, discarded, err
		}
		d.logger.Debug("object read", zap.String("object", obj.URL()))
		read = append(read, obj)
	}
	return read, discarded, nil
}

func (d *messageDecoder) decode(r io.Reader, m *queue.Message, fn func(rec string) error) (int, error) {
	rr, err := queue.NewRecordReader(r, d.format, d.records)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeParse) {
			d.logger.Warn("discarding undecodable payload", zap.String("message_id", m.ID), zap.Error(err))
			return 1, nil
		}
		return 0, err
	}
	discarded, err := queue.EachRecord(rr, fn)
	if err != nil && errors.IsType(err, errors.ErrorTypeParse) {
		// keep what decoded before the corruption, count the rest as one
		d.logger.Warn("record stream truncated", zap.String("message_id", m.ID), zap.Error(err))
		return discarded + 1, nil
	}
	return discarded, err
}
