package queue

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aliashub/relaycore/delivery"
	"github.com/aliashub/relaycore/domain"
	"github.com/aliashub/relaycore/dsn"
)

// Worker pulls due Message Records off the queue and drives them through
// exactly one delivery attempt (spec §4.6 Forwarder), handing the actual
// wire transaction to the Delivery Router (spec §4.7). Outcome handling -
// success, scheduled retry, or terminal bounce/failure - lives here,
// mirroring how the teacher's worker owned the full per-message lifecycle.
type Worker struct {
	id         int
	manager    *Manager
	router     *delivery.Router
	logger     *zap.Logger
	dsnGen     *dsn.Generator
	classifier *dsn.Classifier
}

// NewWorker creates a new delivery worker.
func NewWorker(id int, manager *Manager, logger *zap.Logger) *Worker {
	return &Worker{
		id:         id,
		manager:    manager,
		router:     delivery.NewRouter(manager.config.Delivery, manager.config.Server, manager.resolver),
		logger:     logger,
		dsnGen:     dsn.NewGenerator(manager.config.Server.Hostname),
		classifier: dsn.NewClassifier(),
	}
}

// Run polls for due messages until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.manager.stopChan:
			return
		case <-ticker.C:
			w.processBatch(ctx)
		}
	}
}

func (w *Worker) processBatch(ctx context.Context) {
	messages, err := w.manager.GetDueMessages(ctx, 25)
	if err != nil {
		w.logger.Error("failed to fetch due messages", zap.Error(err))
		return
	}
	for _, msg := range messages {
		w.processMessage(ctx, msg)
	}
}

// processMessage drives one delivery attempt for msg and records the
// resulting transition: delivered, a scheduled retry, or a terminal
// bounce/failure with a DSN sent back to the envelope sender.
func (w *Worker) processMessage(ctx context.Context, msg *domain.Message) {
	log := w.logger.With(zap.String("message_id", msg.ID), zap.String("forward_to", msg.ForwardTo))

	if err := w.manager.UpdateMessageStatus(ctx, msg.ID, domain.MessageForwarding, domain.ErrorKindNone, ""); err != nil {
		log.Warn("failed to mark message forwarding, will retry next cycle", zap.Error(err))
		return
	}
	attempt := msg.Attempts + 1

	raw, err := w.manager.GetRawMessage(ctx, msg.ID)
	if err != nil {
		log.Error("failed to load raw message body", zap.Error(err))
		w.retryOrBounce(ctx, msg, attempt, err.Error(), false)
		return
	}

	deliverErr, permanent := w.router.Deliver(ctx, msg.MailFrom(), msg.ForwardTo, raw)
	if deliverErr == nil {
		if err := w.manager.UpdateMessageStatus(ctx, msg.ID, domain.MessageDelivered, domain.ErrorKindNone, ""); err != nil {
			log.Error("failed to record delivered status", zap.Error(err))
			return
		}
		w.manager.RecordDelivered()
		log.Info("message delivered", zap.Int("attempt", attempt))
		return
	}

	log.Warn("delivery attempt failed", zap.Int("attempt", attempt), zap.Bool("permanent", permanent), zap.Error(deliverErr))
	w.retryOrBounce(ctx, msg, attempt, deliverErr.Error(), permanent)
}

// retryOrBounce schedules another attempt, or - if the failure is
// permanent or the retry budget (spec §4.6: max attempts, deadline) is
// exhausted - transitions the message to its terminal state and emits a
// DSN bounce to the envelope sender.
func (w *Worker) retryOrBounce(ctx context.Context, msg *domain.Message, attempt int, errMsg string, permanent bool) {
	cfg := w.manager.config.Queue
	deadlineExceeded := time.Since(msg.AcceptedAt) > cfg.RetryDeadline
	exhausted := attempt >= cfg.MaxRetryAttempts || deadlineExceeded

	if !permanent && !exhausted {
		next := backoffDelay(attempt, cfg.RetryBaseDelay, cfg.RetryBackoffBase, cfg.RetryJitterFrac)
		if err := w.manager.ScheduleRetry(ctx, msg.ID, time.Now().Add(next)); err != nil {
			w.logger.Error("failed to schedule retry", zap.String("message_id", msg.ID), zap.Error(err))
		}
		return
	}

	kind := domain.ErrorKindTransient
	if permanent {
		kind = domain.ErrorKindPermanent
	}
	reason := "permanent"
	if !permanent {
		reason = "retry_exhausted"
	}
	if err := w.manager.UpdateMessageStatus(ctx, msg.ID, domain.MessageBounced, kind, errMsg); err != nil {
		w.logger.Error("failed to mark message bounced", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	w.manager.RecordBounced(reason)
	w.sendBounce(ctx, msg, errMsg)
}

// backoffDelay computes the exponential-with-jitter retry delay for the
// given 1-indexed attempt number.
func backoffDelay(attempt int, base time.Duration, factor, jitterFrac float64) time.Duration {
	delay := float64(base) * pow(factor, attempt-1)
	if jitterFrac > 0 {
		jitter := delay * jitterFrac * (2*pseudoRand(attempt) - 1)
		delay += jitter
	}
	if delay < 0 {
		delay = float64(base)
	}
	return time.Duration(delay)
}

func pow(base float64, exp int) float64 {
	result := 1.0
	for i := 0; i < exp; i++ {
		result *= base
	}
	return result
}

// pseudoRand returns a deterministic value in [0, 1) derived from the
// attempt number, avoiding a dependency on math/rand for jitter. The
// value depends only on the attempt number, so every message on the
// same attempt gets the same jitter.
func pseudoRand(seed int) float64 {
	x := uint32(seed)*2654435761 + 1
	return float64(x%1000) / 1000.0
}

// sendBounce renders a DSN for the failed delivery and makes one
// best-effort attempt to deliver it to msg.EnvelopeSender, the original
// MAIL FROM of the inbound transaction (not the SRS return-path the
// forwarded copy carried). This core never bounces its own bounces
// (spec §4.6 non-goal).
func (w *Worker) sendBounce(ctx context.Context, msg *domain.Message, diagnostic string) {
	if msg.EnvelopeSender == "" || strings.EqualFold(msg.EnvelopeSender, "<>") {
		return
	}

	classification := w.classifier.Classify(smtpCodeFromDiagnostic(diagnostic), diagnostic)
	opts := dsn.GenerateOptions{
		OriginalSender:     msg.EnvelopeSender,
		OriginalMessageID:  msg.MessageIDHeader,
		ArrivalDate:        msg.AcceptedAt,
		OriginalHeaders:    flattenHeaders(msg.Headers),
		IncludeFullMessage: false,
		Recipients: []dsn.RecipientStatus{{
			OriginalRecipient: msg.EnvelopeRecipient,
			FinalRecipient:    msg.ForwardTo,
			Action:            dsn.ActionFailed,
			Status:            classification.StatusCode.String(),
			BounceType:        classification.BounceType,
			DiagnosticCode:    diagnostic,
			LastAttemptDate:   time.Now(),
		}},
	}

	data, err := w.dsnGen.GenerateFailedDSN(opts)
	if err != nil {
		w.logger.Error("failed to render bounce DSN", zap.String("message_id", msg.ID), zap.Error(err))
		return
	}

	w.logger.Info("bounce dispatched",
		zap.String("message_id", msg.ID),
		zap.String("alias", msg.EnvelopeRecipient),
		zap.String("category", string(classification.Category)),
		zap.String("recommended_action", classification.RecommendedAction))

	if classification.RecommendedAction == "disable_alias_target" {
		w.logger.Warn("forward target hard-bounced, alias needs review",
			zap.String("alias", msg.EnvelopeRecipient),
			zap.String("forward_to", msg.ForwardTo))
	}

	if deliverErr, _ := w.router.Deliver(ctx, "", msg.EnvelopeSender, data); deliverErr != nil {
		w.logger.Warn("failed to deliver bounce notification",
			zap.String("message_id", msg.ID), zap.String("to", msg.EnvelopeSender), zap.Error(deliverErr))
	}
}

func flattenHeaders(headers map[string]string) string {
	var b strings.Builder
	for k, v := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", k, v)
	}
	return b.String()
}

// smtpCodeFromDiagnostic extracts the leading 3-digit SMTP reply code a
// *textproto.Error.Error() string carries, defaulting to 450 (transient)
// when the diagnostic has no such prefix (e.g. a dial/DNS failure).
func smtpCodeFromDiagnostic(diagnostic string) int {
	if len(diagnostic) >= 3 {
		var code int
		if _, err := fmt.Sscanf(diagnostic, "%d", &code); err == nil && code >= 400 && code < 600 {
			return code
		}
	}
	return 450
}
