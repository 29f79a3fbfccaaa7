package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const mqttTimeout = 10 * time.Second

// MQTT 将记录以JSON发布到主题，供训练监控等外部程序订阅
type MQTT struct {
	client paho.Client
	topic  string
}

func NewMQTT(broker, topic string) (*MQTT, error) {
	if broker == "" || topic == "" {
		return nil, errors.New("recorder: mqtt needs uri and topic")
	}
	opts := paho.NewClientOptions().
		AddBroker(broker).
		SetClientID("tsc-recorder-" + uuid.NewString()[:8]).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetKeepAlive(30 * time.Second)
	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(mqttTimeout) {
		return nil, fmt.Errorf("recorder: mqtt connect to %s timeout", broker)
	}
	if err := token.Error(); err != nil {
		return nil, err
	}
	log.Infof("mqtt connected to %s, publishing to %s", broker, topic)
	return &MQTT{client: client, topic: topic}, nil
}

func (r *MQTT) Write(_ context.Context, rec Record) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	token := r.client.Publish(r.topic, 1, false, payload)
	if !token.WaitTimeout(mqttTimeout) {
		return fmt.Errorf("recorder: mqtt publish to %s timeout", r.topic)
	}
	return token.Error()
}

func (r *MQTT) Close() error {
	r.client.Disconnect(1000)
	return nil
}
