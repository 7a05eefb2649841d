package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"devicehub/internal/platform"
)

const commandTimeout = 15 * time.Second

// Topics lays out the discovery and per-entity topics.
type Topics struct {
	DiscoveryPrefix string
	Base            string
}

// Status is the retained bridge availability topic.
func (t Topics) Status() string {
	return t.Base + "/status"
}

func (t Topics) Config(e platform.Entity) string {
	return fmt.Sprintf("%s/%s/%s/config", t.DiscoveryPrefix, e.Platform(), e.UniqueID())
}

func (t Topics) State(uniqueID string) string {
	return t.Base + "/" + uniqueID + "/state"
}

func (t Topics) Availability(uniqueID string) string {
	return t.Base + "/" + uniqueID + "/availability"
}

func (t Topics) Command(uniqueID string) string {
	return t.Base + "/" + uniqueID + "/set"
}

// Publisher is a platform.StateWriter that mirrors entities to Home Assistant.
type Publisher struct {
	broker Broker
	topics Topics
	logger *zap.Logger

	mu       sync.RWMutex
	entities map[string]platform.Entity
}

// NewPublisher creates a publisher on broker.
func NewPublisher(broker Broker, topics Topics, logger *zap.Logger) *Publisher {
	return &Publisher{
		broker:   broker,
		topics:   topics,
		logger:   logger.Named("publisher"),
		entities: make(map[string]platform.Entity),
	}
}

// AddEntity publishes the retained discovery config and subscribes to the
// command topic of commandable entities.
func (p *Publisher) AddEntity(e platform.Entity) error {
	p.mu.Lock()
	p.entities[e.UniqueID()] = e
	p.mu.Unlock()

	if err := p.publishConfig(e); err != nil {
		return err
	}

	if _, ok := e.(platform.Commandable); ok {
		uid := e.UniqueID()
		if err := p.broker.Subscribe(p.topics.Command(uid), func(_ string, payload []byte) {
			p.handleCommand(uid, payload)
		}); err != nil {
			return fmt.Errorf("failed to subscribe to commands for %s: %w", uid, err)
		}
	}

	p.logger.Info("Entity announced", zap.String("unique_id", e.UniqueID()), zap.String("platform", e.Platform()))
	return nil
}

// WriteState publishes availability and state.
func (p *Publisher) WriteState(e platform.Entity, st platform.EntityState) error {
	availability := payloadOffline
	if st.Available {
		availability = payloadOnline
	}
	if err := p.broker.Publish(p.topics.Availability(e.UniqueID()), []byte(availability), true); err != nil {
		return err
	}

	payload, err := statePayload(e, st)
	if err != nil {
		return err
	}
	return p.broker.Publish(p.topics.State(e.UniqueID()), payload, true)
}

// RemoveEntity clears the retained discovery config so Home Assistant drops the entity.
func (p *Publisher) RemoveEntity(e platform.Entity) error {
	uid := e.UniqueID()

	p.mu.Lock()
	delete(p.entities, uid)
	p.mu.Unlock()

	if _, ok := e.(platform.Commandable); ok {
		if err := p.broker.Unsubscribe(p.topics.Command(uid)); err != nil {
			p.logger.Warn("Failed to unsubscribe command topic", zap.String("unique_id", uid), zap.Error(err))
		}
	}

	if err := p.broker.Publish(p.topics.Config(e), nil, true); err != nil {
		return err
	}
	p.logger.Info("Entity withdrawn", zap.String("unique_id", uid))
	return nil
}

// Republish sends every known entity's discovery config and current state
// again, for example after the broker connection is restored.
func (p *Publisher) Republish() {
	p.mu.RLock()
	entities := make([]platform.Entity, 0, len(p.entities))
	for _, e := range p.entities {
		entities = append(entities, e)
	}
	p.mu.RUnlock()

	for _, e := range entities {
		if err := p.publishConfig(e); err != nil {
			p.logger.Warn("Failed to republish discovery config", zap.String("unique_id", e.UniqueID()), zap.Error(err))
			continue
		}
		if err := p.WriteState(e, e.State()); err != nil {
			p.logger.Warn("Failed to republish state", zap.String("unique_id", e.UniqueID()), zap.Error(err))
		}
	}
}

// Entity returns an announced entity.
func (p *Publisher) Entity(uniqueID string) (platform.Entity, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.entities[uniqueID]
	return e, ok
}

func (p *Publisher) publishConfig(e platform.Entity) error {
	payload, err := json.Marshal(p.discoveryConfig(e))
	if err != nil {
		return fmt.Errorf("failed to marshal discovery config for %s: %w", e.UniqueID(), err)
	}
	return p.broker.Publish(p.topics.Config(e), payload, true)
}

func (p *Publisher) discoveryConfig(e platform.Entity) map[string]interface{} {
	uid := e.UniqueID()
	cfg := map[string]interface{}{
		"unique_id":   uid,
		"object_id":   uid,
		"state_topic": p.topics.State(uid),
		"availability": []map[string]string{
			{"topic": p.topics.Status()},
			{"topic": p.topics.Availability(uid)},
		},
		"availability_mode": "all",
		"device":            e.Device(),
	}

	// A null name makes Home Assistant use the device name.
	if name := e.Name(); name != "" {
		cfg["name"] = name
	} else {
		cfg["name"] = nil
	}

	if _, ok := e.(platform.Commandable); ok {
		cfg["command_topic"] = p.topics.Command(uid)
	}
	if e.Platform() == "sensor" {
		cfg["value_template"] = "{{ value_json.state }}"
		cfg["json_attributes_topic"] = p.topics.State(uid)
		cfg["json_attributes_template"] = "{{ value_json.attributes | tojson }}"
	}

	for k, v := range e.DiscoveryConfig() {
		cfg[k] = v
	}
	return cfg
}

// statePayload encodes state for the entity's platform. Lights use the JSON schema.
func statePayload(e platform.Entity, st platform.EntityState) ([]byte, error) {
	var body interface{}
	if e.Platform() == "light" {
		light := map[string]interface{}{"state": strings.ToUpper(st.State)}
		for k, v := range st.Attributes {
			light[k] = v
		}
		body = light
	} else {
		body = map[string]interface{}{"state": st.State, "attributes": st.Attributes}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state for %s: %w", e.UniqueID(), err)
	}
	return payload, nil
}

func (p *Publisher) handleCommand(uniqueID string, payload []byte) {
	logger := p.logger.With(zap.String("unique_id", uniqueID))

	e, ok := p.Entity(uniqueID)
	if !ok {
		logger.Debug("Command for unknown entity")
		return
	}
	target, ok := e.(platform.Commandable)
	if !ok {
		return
	}

	var cmd platform.Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		// Plain ON/OFF payloads are accepted too.
		cmd = platform.Command{State: strings.TrimSpace(string(payload))}
	}
	cmd.State = strings.ToUpper(cmd.State)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()

		if err := target.HandleCommand(ctx, cmd); err != nil {
			logger.Warn("Command failed", zap.String("state", cmd.State), zap.Error(err))
			return
		}
		logger.Debug("Command handled", zap.String("state", cmd.State))
	}()
}
