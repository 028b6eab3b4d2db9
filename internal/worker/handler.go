// Package worker turns consumed Kafka messages into Safety Monitor calls.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/domain/safety"
	"github.com/drfirst/go-medsafe/internal/fhir/r5"
	"github.com/drfirst/go-medsafe/internal/infrastructure/redpanda"
	"github.com/drfirst/go-medsafe/internal/ncpdp"
	"github.com/drfirst/go-medsafe/pkg/idempotency"
	"github.com/drfirst/go-medsafe/pkg/workerpool"
)

// Monitor is the part of the Safety Monitor the worker drives
type Monitor interface {
	ResolveMedicationName(nameOrRxNorm string) string
	EvaluatePrescriptionSafety(ctx context.Context, prescriptionID string, medications []string, patientID string) (*safety.SafetyEvaluation, error)
	CheckClinicalAlerts(medications []string, profile safety.PatientProfile) []safety.ClinicalAlert
	RecordPrescriptionFulfilled(ctx context.Context, medications []string, patientID string) error
	ReportSafetyIssue(ctx context.Context, in safety.ReportInput) (*safety.SafetyIssue, error)
	RecordAdverseEvent(ctx context.Context, medication string, symptoms []string) (*safety.MedicationStatistic, error)
}

// MonitorSource returns the initialized monitor
type MonitorSource func(ctx context.Context) (Monitor, error)

// Observer receives per-message outcomes
type Observer interface {
	MessageHandled(topic, outcome string)
}

type nopObserver struct{}

func (nopObserver) MessageHandled(string, string) {}

// Inbox handler names
const (
	handlerFulfillment = "prescription_fulfilled"
	handlerReport      = "safety_report"
)

// Handler dispatches consumed messages by topic
type Handler struct {
	monitor  MonitorSource
	inbox    idempotency.Processor
	out      redpanda.MessageWriter
	observer Observer
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewHandler creates a handler. out receives clinical alert records and
// dead letters.
func NewHandler(monitor MonitorSource, inbox idempotency.Processor, out redpanda.MessageWriter, observer Observer, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if observer == nil {
		observer = nopObserver{}
	}
	if inbox == nil {
		inbox = idempotency.NewMemoryInbox(idempotency.DefaultInboxConfig())
	}
	return &Handler{
		monitor:  monitor,
		inbox:    inbox,
		out:      out,
		observer: observer,
		logger:   logger,
		tracer:   otel.Tracer("safety-worker"),
		now:      time.Now,
	}
}

// Handle processes one message. Messages that can never succeed are sent to
// the dead letter topic and acknowledged; any other error asks the consumer
// to redeliver.
func (h *Handler) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	ctx, span := h.tracer.Start(ctx, "handle_"+strings.ReplaceAll(msg.Topic, ".", "_"),
		trace.WithAttributes(attribute.String("topic", msg.Topic)))
	defer span.End()

	outcome, err := h.dispatch(ctx, msg)
	switch {
	case err == nil:
	case isPermanent(err):
		span.RecordError(err)
		if dlqErr := h.deadLetter(ctx, msg, err); dlqErr != nil {
			h.observer.MessageHandled(msg.Topic, OutcomeRetry)
			return fmt.Errorf("dead letter: %w", dlqErr)
		}
		outcome = OutcomeDeadLetter
	default:
		span.RecordError(err)
		h.observer.MessageHandled(msg.Topic, OutcomeRetry)
		return err
	}

	span.SetAttributes(attribute.String("outcome", outcome))
	h.observer.MessageHandled(msg.Topic, outcome)
	return nil
}

func (h *Handler) dispatch(ctx context.Context, msg *redpanda.ConsumedMessage) (string, error) {
	switch msg.Topic {
	case redpanda.TopicPrescriptionEvents:
		return h.handlePrescription(ctx, msg)
	case redpanda.TopicPrescriptionFulfilled:
		return h.handleFulfillment(ctx, msg)
	case redpanda.TopicSafetyReports:
		return h.handleReport(ctx, msg)
	default:
		return "", workerpool.Permanent(fmt.Errorf("no handler for topic %q", msg.Topic))
	}
}

func (h *Handler) handlePrescription(ctx context.Context, msg *redpanda.ConsumedMessage) (string, error) {
	order, err := decodeOrder(msg)
	if err != nil {
		return "", workerpool.Permanent(err)
	}

	mon, err := h.monitor(ctx)
	if err != nil {
		return "", err
	}

	keys := order.Medications()
	if len(keys) == 0 {
		h.logger.Debug("prescription has no actionable medications",
			zap.String("prescription_id", order.PrescriptionID))
		return OutcomeSkipped, nil
	}
	meds := resolveAll(mon, keys)

	eval, err := mon.EvaluatePrescriptionSafety(ctx, order.PrescriptionID, meds, order.PatientID)
	if err != nil {
		return "", err
	}

	profile := safety.PatientProfile{Pregnant: order.Patient.IsPregnant()}
	if age, ok := order.Patient.Age(h.now()); ok {
		profile.Age = &age
	}
	alerts := mon.CheckClinicalAlerts(meds, profile)
	if len(alerts) > 0 {
		if err := h.publishAlerts(ctx, order, meds, alerts); err != nil {
			return "", err
		}
	}

	h.logger.Info("prescription evaluated",
		zap.String("prescription_id", order.PrescriptionID),
		zap.String("patient_id", order.PatientID),
		zap.Strings("medications", meds),
		zap.Bool("safe", eval.IsSafe),
		zap.Int("warnings", len(eval.Warnings)),
		zap.Int("alerts", len(alerts)))
	return OutcomeHandled, nil
}

// decodeOrder reads a FHIR MedicationRequest or Bundle, or an NCPDP SCRIPT
// message when the record is XML.
func decodeOrder(msg *redpanda.ConsumedMessage) (*r5.Order, error) {
	ct := msg.Headers[HeaderContentType]
	if ct == ContentTypeSCRIPT || (ct == "" && bytes.HasPrefix(bytes.TrimSpace(msg.Value), []byte("<"))) {
		script, err := ncpdp.Decode(msg.Value)
		if err != nil {
			return nil, err
		}
		return ncpdp.ToOrder(script)
	}
	return r5.ParseOrder(msg.Value)
}

func (h *Handler) publishAlerts(ctx context.Context, order *r5.Order, meds []string, alerts []safety.ClinicalAlert) error {
	value, err := json.Marshal(AlertsMessage{
		PrescriptionID: order.PrescriptionID,
		PatientID:      order.PatientID,
		Medications:    meds,
		Alerts:         alerts,
		CheckedAt:      h.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("encode alerts: %w", err)
	}
	return h.out.ProduceMessage(ctx, redpanda.TopicSafetyEvaluations, order.PrescriptionID, value,
		kgo.RecordHeader{Key: redpanda.HeaderEventType, Value: []byte(EventAlertsRaised)})
}

func (h *Handler) handleFulfillment(ctx context.Context, msg *redpanda.ConsumedMessage) (string, error) {
	var m FulfillmentMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return "", workerpool.Permanent(fmt.Errorf("decode fulfillment: %w", err))
	}
	if m.PatientID == "" || len(m.Medications) == 0 {
		return "", workerpool.Permanent(errors.New("fulfillment needs a patient id and medications"))
	}
	at := m.FulfilledAt
	if at.IsZero() {
		at = msg.Timestamp
	}

	mon, err := h.monitor(ctx)
	if err != nil {
		return "", err
	}
	meds := resolveAll(mon, m.Medications)

	key := idempotency.GenerateKey(handlerFulfillment, m.PrescriptionID, m.PatientID,
		strings.Join(meds, ","), idempotency.TimeBucket(at))
	return h.once(ctx, key, handlerFulfillment, msg.Value, func(ctx context.Context) error {
		return mon.RecordPrescriptionFulfilled(ctx, meds, m.PatientID)
	})
}

func (h *Handler) handleReport(ctx context.Context, msg *redpanda.ConsumedMessage) (string, error) {
	var m ReportMessage
	if err := json.Unmarshal(msg.Value, &m); err != nil {
		return "", workerpool.Permanent(fmt.Errorf("decode report: %w", err))
	}
	in := m.ReportInput
	if err := in.Validate(); err != nil {
		return "", workerpool.Permanent(err)
	}

	mon, err := h.monitor(ctx)
	if err != nil {
		return "", err
	}
	in.Medications = resolveAll(mon, in.Medications)

	key := m.ReportID
	if key == "" {
		at := m.ReportedAt
		if at.IsZero() {
			at = msg.Timestamp
		}
		key = idempotency.GenerateKey(handlerReport, in.PatientID, strings.Join(in.Medications, ","),
			string(in.IssueType), in.Description, idempotency.TimeBucket(at))
	}
	return h.once(ctx, key, handlerReport, msg.Value, func(ctx context.Context) error {
		issue, err := mon.ReportSafetyIssue(ctx, in)
		if err != nil {
			return err
		}
		if !countsAsAdverseEvent(issue.IssueType) {
			return nil
		}
		for _, med := range issue.Medications {
			if _, err := mon.RecordAdverseEvent(ctx, med, issue.Symptoms); err != nil {
				return err
			}
		}
		return nil
	})
}

// once runs fn through the inbox. A message that already finished is a
// duplicate; one that failed for good is dead-lettered.
func (h *Handler) once(ctx context.Context, key, handler string, payload []byte, fn func(context.Context) error) (string, error) {
	res, err := h.inbox.Process(ctx, key, handler, json.RawMessage(payload),
		func(ctx context.Context, _ json.RawMessage) (json.RawMessage, error) {
			if err := fn(ctx); err != nil {
				return nil, err
			}
			return json.RawMessage(`{"ok":true}`), nil
		})
	switch {
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		return "", workerpool.Permanent(err)
	case err != nil:
		return "", err
	case res.Duplicate():
		h.logger.Debug("duplicate message", zap.String("handler", handler), zap.String("key", key))
		return OutcomeDuplicate, nil
	}
	return OutcomeHandled, nil
}

func (h *Handler) deadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	h.logger.Warn("dead-lettering message",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))

	value, err := json.Marshal(DeadLetter{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Value:     msg.Value,
		Error:     cause.Error(),
		FailedAt:  h.now().UTC(),
	})
	if err != nil {
		return err
	}
	return h.out.ProduceMessage(ctx, redpanda.TopicDeadLetter, string(msg.Key), value,
		kgo.RecordHeader{Key: HeaderSourceTopic, Value: []byte(msg.Topic)},
		kgo.RecordHeader{Key: HeaderError, Value: []byte(cause.Error())})
}

func isPermanent(err error) bool {
	return workerpool.IsPermanent(err) ||
		errors.Is(err, safety.ErrInvalidIssue) ||
		errors.Is(err, safety.ErrInvalidTransition)
}

func countsAsAdverseEvent(t safety.IssueType) bool {
	return t == safety.IssueAdverseReaction || t == safety.IssueSideEffect
}

func resolveAll(mon Monitor, names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if r := mon.ResolveMedicationName(n); r != "" {
			out = append(out, r)
		}
	}
	return out
}
