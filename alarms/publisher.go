package alarms

import (
	"context"
	"fmt"

	"github.com/scanfabric/fabric/connector"
	"github.com/scanfabric/fabric/messages"
	log "github.com/sirupsen/logrus"
)

// Publisher raises alarms on behalf of one service. Every alarm is written
// as the keyed last-alarm value and published as a notification in a single
// round trip, and mirrored into the local log at a level matching its
// severity.
type Publisher struct {
	conn    connector.Connector
	service string
}

// NewPublisher returns a Publisher stamping |service| as the alarm source.
func NewPublisher(conn connector.Connector, service string) *Publisher {
	return &Publisher{conn: conn, service: service}
}

// Raise publishes one alarm. |source| may carry context such as the device
// or instruction at fault; the raising service is always stamped. |content|
// should include an "error" entry with the one-line failure text.
func (p *Publisher) Raise(
	ctx context.Context,
	severity messages.Severity,
	alarmType string,
	source map[string]string,
	content messages.Params,
	md messages.Metadata,
) error {
	var src = map[string]string{"service": p.service}
	for k, v := range source {
		src[k] = v
	}
	var msg = &messages.AlarmMessage{
		Severity:  severity,
		AlarmType: alarmType,
		Source:    src,
		Content:   content,
		Metadata:  md,
	}

	var fields = log.Fields{
		"alarmType": alarmType,
		"severity":  severity.String(),
		"source":    src,
	}
	if text, ok := content.String("error"); ok {
		fields["err"] = text
	}
	if severity >= messages.SeverityMajor {
		log.WithFields(fields).Error("raising alarm")
	} else {
		log.WithFields(fields).Warn("raising alarm")
	}
	alarmsRaisedTotal.WithLabelValues(severity.String()).Inc()

	var raw, err = messages.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding alarm: %w", err)
	}
	if err = p.conn.SetAndPublish(ctx, messages.Alarms(), raw); err != nil {
		return fmt.Errorf("publishing alarm: %w", err)
	}
	return nil
}
