package homeassistant

import (
	"encoding/json"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/automatedhome/sunheat/pkg/types"
)

// device identifies this controller in the Home Assistant device registry.
type device struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
}

// sensorConfig is one MQTT discovery payload for a sensor entity.
type sensorConfig struct {
	Name          string `json:"name"`
	StateTopic    string `json:"state_topic"`
	UnitOfMeasure string `json:"unit_of_measurement,omitempty"`
	DeviceClass   string `json:"device_class,omitempty"`
	ValueTemplate string `json:"value_template"`
	UniqueID      string `json:"unique_id"`
	Device        device `json:"device"`
}

// Announcer publishes retained discovery payloads so a dashboard finds
// every entity without manual configuration. Publishing goes through
// the given function, keeping this package off the broker connection.
type Announcer struct {
	publish         func(topic string, payload []byte)
	discoveryPrefix string
	topicPrefix     string
	node            string
}

// NewAnnouncer creates an announcer. node becomes the unique-id stem.
func NewAnnouncer(publish func(topic string, payload []byte), discoveryPrefix, topicPrefix, node string) *Announcer {
	return &Announcer{
		publish:         publish,
		discoveryPrefix: discoveryPrefix,
		topicPrefix:     topicPrefix,
		node:            node,
	}
}

func (a *Announcer) dev() device {
	return device{
		Identifiers:  []string{a.node},
		Name:         "Solar water heating",
		Manufacturer: "automatedhome",
		Model:        "sunheat",
	}
}

// AnnounceAll publishes discovery configs for every temperature channel,
// every derived field, and the pump/heater states. Called once on
// startup; the channel topology does not change afterwards.
func (a *Announcer) AnnounceAll(channels []types.Channel, derivedFields map[string]string) {
	for _, ch := range channels {
		a.announceSensor(
			"temp_"+ch.ID,
			strings.ReplaceAll(ch.ID, "_", " "),
			a.topicPrefix+"temperature/"+ch.ID,
			"°C", "temperature",
			"{{ value_json.value_c }}",
		)
	}

	for field, unit := range derivedFields {
		class := ""
		if strings.HasSuffix(field, "_kwh") {
			class = "energy"
		} else if strings.HasSuffix(field, "_c") {
			class = "temperature"
		} else if strings.HasSuffix(field, "_kw") {
			class = "power"
		}
		a.announceSensor(
			"derived_"+field,
			strings.ReplaceAll(field, "_", " "),
			a.topicPrefix+"derived/"+field,
			unit, class,
			"{{ value_json.value }}",
		)
	}

	a.announceBinary("pump", "Circulation pump", a.topicPrefix+"status/pump/primary")
	a.announceBinary("heater", "Cartridge heater", a.topicPrefix+"status/pump/heater")

	log.Infof("Announced %d discovery entities", len(channels)+len(derivedFields)+2)
}

func (a *Announcer) announceSensor(id, name, stateTopic, unit, class, template string) {
	cfg := sensorConfig{
		Name:          name,
		StateTopic:    stateTopic,
		UnitOfMeasure: unit,
		DeviceClass:   class,
		ValueTemplate: template,
		UniqueID:      a.node + "_" + id,
		Device:        a.dev(),
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		log.Errorf("Could not marshal discovery config for %s: %v", id, err)
		return
	}
	topic := fmt.Sprintf("%ssensor/%s/%s/config", a.discoveryPrefix, a.node, id)
	a.publish(topic, payload)
}

func (a *Announcer) announceBinary(id, name, stateTopic string) {
	cfg := struct {
		Name          string `json:"name"`
		StateTopic    string `json:"state_topic"`
		ValueTemplate string `json:"value_template"`
		PayloadOn     string `json:"payload_on"`
		PayloadOff    string `json:"payload_off"`
		UniqueID      string `json:"unique_id"`
		Device        device `json:"device"`
	}{
		Name:          name,
		StateTopic:    stateTopic,
		ValueTemplate: "{{ value_json.on }}",
		PayloadOn:     "True",
		PayloadOff:    "False",
		UniqueID:      a.node + "_" + id,
		Device:        a.dev(),
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		log.Errorf("Could not marshal discovery config for %s: %v", id, err)
		return
	}
	topic := fmt.Sprintf("%sbinary_sensor/%s/%s/config", a.discoveryPrefix, a.node, id)
	a.publish(topic, payload)
}
