package challenge

import (
	"encoding/json"
	"fmt"

	natsutil "github.com/kthomas/go-natsutil"
	"github.com/nats-io/nats.go"

	"github.com/verinet/attest/common"
)

// dispatchNotification broadcasts a terminal challenge outcome to the
// peer-scoped notification subject
func (c *Challenge) dispatchNotification(event string) (*nats.PubAck, error) {
	if event == "" {
		return nil, fmt.Errorf("failed to dispatch event notification for challenge %s", c.ID.String())
	}
	subject := c.notificationsSubject(event)
	if subject == nil {
		return nil, fmt.Errorf("failed to dispatch event notification for challenge %s; nil subject", c.ID.String())
	}
	payload, _ := json.Marshal(map[string]interface{}{
		"challenge_id": c.ID.String(),
		"worker_id":    c.WorkerID,
		"status":       c.Status,
		"reason":       c.Reason,
	})
	return natsutil.NatsJetstreamPublish(*subject, payload)
}

// notificationsSubject returns a namespaced subject suitable for pub/sub subscriptions
func (c *Challenge) notificationsSubject(suffix string) *string {
	prefix := c.notificationsSubjectPrefix()
	if prefix == nil {
		return nil
	}
	if suffix == "" {
		return prefix
	}
	return common.StringOrNil(fmt.Sprintf("%s.%s", *prefix, suffix))
}

// notificationsSubjectPrefix returns the pub/sub subject prefix for the challenge
func (c *Challenge) notificationsSubjectPrefix() *string {
	if c.PeerIdentity != nil {
		return common.StringOrNil(fmt.Sprintf("attest.challenge.notification.%s.%s", *c.PeerIdentity, c.ID.String()))
	}

	return nil
}
