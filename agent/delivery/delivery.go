// Package delivery hands finished replies to the outbound channel
// collaborator. Both paths go through QStash: Send targets the immediate
// delivery endpoint, Queue the deferred one.
package delivery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	contractx "github.com/ohcarioca/health-agents-sub003/agent/contract"
	qstashx "github.com/ohcarioca/health-agents-sub003/pkg/qstash"
)

type Config struct {
	SendURL  string `envconfig:"SEND_URL" split_words:"true" required:"true"`
	QueueURL string `envconfig:"QUEUE_URL" split_words:"true" required:"true"`
}

// QStashDeliverer publishes outbound messages to the channel service.
type QStashDeliverer struct {
	client   *qstashx.Client
	sendURL  string
	queueURL string
}

var _ contractx.Deliverer = (*QStashDeliverer)(nil)

func New(client *qstashx.Client, cfg Config) (*QStashDeliverer, error) {
	if client == nil {
		return nil, errors.New("qstash client is required")
	}
	sendURL := strings.TrimSpace(cfg.SendURL)
	queueURL := strings.TrimSpace(cfg.QueueURL)
	if sendURL == "" || queueURL == "" {
		return nil, errors.New("send and queue urls are required")
	}
	return &QStashDeliverer{
		client:   client,
		sendURL:  sendURL,
		queueURL: queueURL,
	}, nil
}

func (d *QStashDeliverer) Send(ctx context.Context, msg contractx.OutboundMessage) error {
	return d.client.PublishJSON(ctx, d.sendURL, outboundDedupID(msg), msg)
}

func (d *QStashDeliverer) Queue(ctx context.Context, msg contractx.OutboundMessage) error {
	return d.client.PublishJSON(ctx, d.queueURL, outboundDedupID(msg), msg)
}

// outboundDedupID keys broker-side deduplication on the conversation and the
// reply content, so a retried publish of the same reply collapses while
// distinct replies in the same conversation do not.
func outboundDedupID(msg contractx.OutboundMessage) string {
	sum := sha256.Sum256([]byte(msg.Text))
	return fmt.Sprintf("out:%s:%s", msg.ConversationID, hex.EncodeToString(sum[:8]))
}
