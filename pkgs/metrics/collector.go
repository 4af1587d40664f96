package metrics

import (
	"encoding/json"

	"github.com/7maylord/whisper/pkgs/events"
	log "github.com/sirupsen/logrus"
)

// Collector turns coordinator events into Prometheus updates
type Collector struct{}

// NewCollector creates a collector
func NewCollector() *Collector {
	return &Collector{}
}

// Subscriber returns an emitter subscription feeding this collector
func (c *Collector) Subscriber() *events.Subscriber {
	return &events.Subscriber{
		ID:      "prometheus-collector",
		Handler: c.ProcessEvent,
	}
}

// ProcessEvent updates metrics based on an event
func (c *Collector) ProcessEvent(event *events.Event) {
	switch event.Type {
	case events.EventIntentionSubmitted:
		var p events.IntentionEventPayload
		if c.decode(event, &p) {
			IntentionsSubmitted.WithLabelValues(p.Side).Inc()
		}

	case events.EventIntentionExpired:
		IntentionTransitions.WithLabelValues("expired").Inc()

	case events.EventVerifierRegistered:
		RosterSize.Inc()

	case events.EventAttestationRecorded:
		Attestations.WithLabelValues("recorded").Inc()

	case events.EventAttestationRejected:
		var p events.AttestationEventPayload
		reason := "unknown"
		if c.decode(event, &p) && p.Reason != "" {
			reason = p.Reason
		}
		Attestations.WithLabelValues(reason).Inc()

	case events.EventMatchFinalized:
		var p events.MatchEventPayload
		path := "quorum"
		if c.decode(event, &p) && p.Delegated {
			path = "delegated"
		}
		MatchesFinalized.WithLabelValues(path).Inc()
		IntentionTransitions.WithLabelValues("matched").Inc()

	case events.EventMatchExecuted:
		MatchesExecuted.Inc()
		IntentionTransitions.WithLabelValues("executed").Inc()
	}
}

func (c *Collector) decode(event *events.Event, v interface{}) bool {
	if err := json.Unmarshal(event.Payload, v); err != nil {
		log.WithError(err).WithField("event_type", event.Type).Debug("Undecodable event payload")
		return false
	}
	return true
}
