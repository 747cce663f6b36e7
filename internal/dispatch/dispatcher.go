package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/duet/internal/attachment"
	"github.com/matheus3301/duet/internal/bus"
	"github.com/matheus3301/duet/internal/metrics"
	"github.com/matheus3301/duet/internal/protocol"
	"github.com/matheus3301/duet/internal/store"
	"go.uber.org/zap"
)

// Store is the persistence the dispatcher needs. *store.DB implements it.
type Store interface {
	GetUser(ctx context.Context, id string) (*store.User, error)
	FindOrCreateThread(ctx context.Context, a, b string) (*store.Thread, error)
	AppendMessage(ctx context.Context, threadID string, m *store.Message) (*store.Message, error)
}

// Dispatcher validates, persists and fans out messages.
type Dispatcher struct {
	store    Store
	bus      *bus.Bus
	admitter *attachment.Admitter
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// New creates a dispatcher. admitter, m and logger may be nil.
func New(st Store, b *bus.Bus, admitter *attachment.Admitter, m *metrics.Metrics, logger *zap.Logger) *Dispatcher {
	if admitter == nil {
		admitter = attachment.NewAdmitter(attachment.DefaultMaxBytes)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{store: st, bus: b, admitter: admitter, metrics: m, logger: logger}
}

// Send handles one send_message request from connection origin.
//
// On success the receiver's channel gets message_delivered without the
// correlation id and the origin gets message_acknowledged with it; the
// sender's other connections get the acknowledgment too. On failure only
// the origin hears about it, through message_rejected. Exactly one of the
// two reaches the origin while it is connected.
func (d *Dispatcher) Send(ctx context.Context, origin int, req protocol.SendMessage) (*protocol.Message, error) {
	msg, err := d.send(ctx, req)
	if err != nil {
		d.Reject(ctx, origin, req.CorrelationID, err)
		return nil, err
	}
	d.fanOut(ctx, origin, msg, req.CorrelationID)
	return msg, nil
}

func (d *Dispatcher) send(ctx context.Context, req protocol.SendMessage) (*protocol.Message, error) {
	if req.SenderID == "" || req.ReceiverID == "" {
		return nil, fail(protocol.ReasonMissingParticipant, ErrMissingParticipant)
	}
	content := strings.TrimSpace(req.Content)
	if content == "" && req.Attachment == nil {
		return nil, fail(protocol.ReasonEmptyMessage, ErrEmptyMessage)
	}

	sender, err := d.resolve(ctx, req.SenderID)
	if err != nil {
		return nil, err
	}
	if _, err := d.resolve(ctx, req.ReceiverID); err != nil {
		return nil, err
	}

	var att *attachment.Attachment
	if req.Attachment != nil {
		att, err = d.admitter.Admit(attachment.Candidate{
			Data: req.Attachment.Data,
			Name: req.Attachment.Name,
			Type: req.Attachment.Type,
			Size: req.Attachment.Size,
		})
		if err != nil {
			reason := protocol.ReasonAttachmentInvalid
			if errors.Is(err, attachment.ErrTooLarge) {
				reason = protocol.ReasonAttachmentTooLarge
			}
			return nil, fail(reason, fmt.Errorf("%w: %w", ErrAttachmentRejected, err))
		}
	}

	thread, err := d.store.FindOrCreateThread(ctx, req.SenderID, req.ReceiverID)
	if errors.Is(err, store.ErrInvalidThread) {
		return nil, fail(protocol.ReasonInternal, err)
	}
	if err != nil {
		return nil, fail(protocol.ReasonDeliveryUnavailable, fmt.Errorf("%w: %w", ErrDeliveryUnavailable, err))
	}

	// A disconnect from here on must not abort the append.
	persistCtx := context.WithoutCancel(ctx)
	start := time.Now()
	saved, err := d.store.AppendMessage(persistCtx, thread.ID, &store.Message{
		SenderID:   req.SenderID,
		Content:    content,
		Attachment: att,
		Delivered:  true,
	})
	if err != nil {
		return nil, fail(protocol.ReasonDeliveryUnavailable, fmt.Errorf("%w: %w", ErrDeliveryUnavailable, err))
	}
	d.metrics.Persisted(time.Since(start))

	wire := ToWire(saved, sender, req.ReceiverID)
	return &wire, nil
}

func (d *Dispatcher) resolve(ctx context.Context, id string) (*store.User, error) {
	u, err := d.store.GetUser(ctx, id)
	if err != nil {
		return nil, fail(protocol.ReasonDeliveryUnavailable, fmt.Errorf("%w: resolve %s: %w", ErrDeliveryUnavailable, id, err))
	}
	if u == nil {
		return nil, fail(protocol.ReasonUnknownUser, fmt.Errorf("%w: %s", ErrUnknownUser, id))
	}
	return u, nil
}

func (d *Dispatcher) fanOut(ctx context.Context, origin int, msg *protocol.Message, correlationID string) {
	now := time.Now()
	receiverRoom := protocol.UserChannel(msg.ReceiverID)
	senderRoom := protocol.UserChannel(msg.SenderID)

	if d.bus.Members(receiverRoom) == 0 {
		d.metrics.ReceiverOffline()
		d.logger.Info("receiver offline, message kept for next connect",
			zap.String("message_id", msg.ID),
			zap.String("receiver", msg.ReceiverID),
		)
	}

	// Thread subscribers see deliveries too, except the sender's own
	// connections which get the acknowledgment instead.
	except := append(d.bus.MemberIDs(senderRoom), origin)
	delivered := *msg
	delivered.CorrelationID = ""
	_, dropped := d.bus.PublishAll(
		[]string{receiverRoom, protocol.ThreadChannel(msg.ThreadID)},
		bus.Event{Kind: protocol.EventMessageDelivered, Timestamp: now, Payload: delivered},
		except...,
	)
	d.metrics.Dropped(protocol.EventMessageDelivered, dropped)
	if dropped > 0 {
		// The receiver sees it only after reloading history.
		d.logger.Warn("delivery dropped, receiver buffer full",
			zap.String("message_id", msg.ID),
			zap.String("receiver", msg.ReceiverID),
			zap.Int("dropped", dropped),
		)
	}

	ack := *msg
	ack.CorrelationID = correlationID
	ackEvt := bus.Event{Kind: protocol.EventMessageAcknowledged, Timestamp: now, Payload: ack}
	if err := d.bus.Deliver(ctx, origin, ackEvt); err != nil {
		d.logger.Warn("acknowledgment not delivered",
			zap.Int("conn", origin),
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
	}
	_, dropped = d.bus.Publish(senderRoom, ackEvt, origin)
	d.metrics.Dropped(protocol.EventMessageAcknowledged, dropped)
}

// Reject reports err to connection origin as message_rejected.
func (d *Dispatcher) Reject(ctx context.Context, origin int, correlationID string, err error) {
	reason := ReasonOf(err)
	d.metrics.Rejected(reason)

	text := err.Error()
	fields := []zap.Field{
		zap.Int("conn", origin),
		zap.String("reason", reason),
		zap.String("correlation_id", correlationID),
		zap.Error(err),
	}
	if clientFault(reason) {
		d.logger.Info("send rejected", fields...)
	} else {
		d.logger.Error("send failed", fields...)
		if reason == protocol.ReasonInternal {
			text = "internal error"
		}
	}

	evt := bus.Event{
		Kind:      protocol.EventMessageRejected,
		Timestamp: time.Now(),
		Payload:   protocol.Rejected{Reason: reason, Message: text, CorrelationID: correlationID},
	}
	if err := d.bus.Deliver(ctx, origin, evt); err != nil {
		d.logger.Warn("rejection not delivered", zap.Int("conn", origin), zap.Error(err))
	}
}

// ToWire converts a persisted message to its wire form. author may be nil.
func ToWire(m *store.Message, author *store.User, receiverID string) protocol.Message {
	out := protocol.Message{
		ID:         m.ID,
		ThreadID:   m.ThreadID,
		Seq:        m.Seq,
		SenderID:   m.SenderID,
		ReceiverID: receiverID,
		Content:    m.Content,
		Timestamp:  m.CreatedAt,
		Delivered:  m.Delivered,
		Read:       m.Read,
	}
	if author != nil {
		out.Author = author.Name
		out.Email = author.Email
		out.Picture = author.Picture
	}
	if a := m.Attachment; a != nil {
		out.Attachment = &protocol.Attachment{
			Data:     a.Data,
			Name:     a.Name,
			Type:     a.MIMEType,
			Size:     a.Size,
			Category: string(a.Category),
		}
	}
	return out
}
