package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/dj-oyu/citywatch/sentinel-server/internal/alert"
)

// Location is the alert pin. Each alert is jittered by up to Jitter degrees
// on both axes.
type Location struct {
	Lat    float64
	Lon    float64
	Jitter float64
	Sector string
}

// DefaultLocation is the demo camera position.
func DefaultLocation() Location {
	return Location{Lat: 40.7580, Lon: -73.9855, Jitter: 0.001, Sector: "North-East (Cam 01)"}
}

// AlertText renders the alert caption.
func AlertText(a alert.Alert, sector string) string {
	return fmt.Sprintf("🚨 *CRITICAL ALERT: %s*\n"+
		"⏰ Time: %s\n"+
		"📍 Sector: %s\n"+
		"_Automated detection triggered. Immediate attention required._",
		a.Type, a.Time.Format("03:04:05 PM"), sector)
}

// TelegramDispatcher sends every unmuted subscriber a photo then a location.
type TelegramDispatcher struct {
	api        *Telegram
	recipients *Registry
	loc        Location
	// pause between photo and location so they arrive in order
	pause time.Duration
	// perRecipient bounds one chat's photo, pause and location
	perRecipient time.Duration
	workers      int
	logger       *zap.Logger
}

// NewTelegramDispatcher returns a dispatcher over the registry's chats.
func NewTelegramDispatcher(api *Telegram, recipients *Registry, loc Location, logger *zap.Logger) *TelegramDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramDispatcher{
		api:          api,
		recipients:   recipients,
		loc:          loc,
		pause:        500 * time.Millisecond,
		perRecipient: uploadTimeout + requestTimeout + time.Second,
		workers:      4,
		logger:       logger.Named("telegram_dispatch"),
	}
}

// Dispatch delivers a to each recipient over a few concurrent workers. Each
// chat gets its own deadline, so a stalled or failing recipient neither
// delays nor starves the others. All failures are returned joined.
func (d *TelegramDispatcher) Dispatch(ctx context.Context, a alert.Alert) error {
	text := AlertText(a, d.loc.Sector)
	lat := d.loc.Lat + (rand.Float64()*2-1)*d.loc.Jitter
	lon := d.loc.Lon + (rand.Float64()*2-1)*d.loc.Jitter

	chats := d.recipients.Active()
	errs := make([]error, len(chats))

	workers := min(max(d.workers, 1), len(chats))
	next := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for i := range next {
				chatID := chats[i]
				rctx, cancel := d.recipientContext(ctx)
				err := d.send(rctx, chatID, a, text, lat, lon)
				cancel()
				if err != nil {
					d.logger.Warn("alert delivery failed", zap.Int64("chat_id", chatID), zap.Error(err))
					errs[i] = fmt.Errorf("chat %d: %w", chatID, err)
				}
			}
		}()
	}
	for i := range chats {
		next <- i
	}
	close(next)
	wg.Wait()

	return errors.Join(errs...)
}

// recipientContext is bounded by perRecipient instead of the caller's
// deadline, but still ends when the caller is cancelled outright.
func (d *TelegramDispatcher) recipientContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), d.perRecipient)
	stop := context.AfterFunc(parent, func() {
		if errors.Is(parent.Err(), context.Canceled) {
			cancel()
		}
	})
	return ctx, func() {
		stop()
		cancel()
	}
}

func (d *TelegramDispatcher) send(ctx context.Context, chatID int64, a alert.Alert, text string, lat, lon float64) error {
	if len(a.JPEG) > 0 {
		if err := d.api.SendPhoto(ctx, chatID, a.JPEG, text); err != nil {
			return err
		}
	} else if err := d.api.SendMessage(ctx, chatID, text, nil); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.pause):
	}
	return d.api.SendLocation(ctx, chatID, lat, lon)
}

// Publisher is the part of an MQTT client used for alerts. mqtt.Client
// satisfies it.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// mqttAlert is the JSON payload published for each alert.
type mqttAlert struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Time        time.Time `json:"time"`
	Zone        string    `json:"zone"`
	ThreatLevel int       `json:"threat_level"`
	HasSnapshot bool      `json:"has_snapshot"`
}

// MQTTDispatcher publishes alerts as JSON to a topic.
type MQTTDispatcher struct {
	client  Publisher
	topic   string
	qos     byte
	timeout time.Duration
}

// NewMQTTDispatcher publishes to topic at QoS 1.
func NewMQTTDispatcher(client Publisher, topic string) *MQTTDispatcher {
	return &MQTTDispatcher{client: client, topic: topic, qos: 1, timeout: 5 * time.Second}
}

// ConnectMQTT dials broker and returns a connected client.
func ConnectMQTT(broker, clientID, username, password string) (mqtt.Client, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	if username != "" {
		opts.SetUsername(username)
	}
	if password != "" {
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(true)
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(5 * time.Second)

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return client, nil
}

// Dispatch publishes a and waits for the broker acknowledgement.
func (d *MQTTDispatcher) Dispatch(ctx context.Context, a alert.Alert) error {
	payload, err := json.Marshal(mqttAlert{
		ID:          a.ID,
		Type:        string(a.Type),
		Time:        a.Time,
		Zone:        a.Zone,
		ThreatLevel: a.ThreatLevel,
		HasSnapshot: len(a.JPEG) > 0,
	})
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	token := d.client.Publish(d.topic, d.qos, false, payload)
	select {
	case <-token.Done():
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d.timeout):
		return fmt.Errorf("publish to topic %s: timed out after %v", d.topic, d.timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("failed to publish to topic %s: %w", d.topic, err)
	}
	return nil
}

// Multi fans an alert out to several dispatchers and joins their errors.
type Multi []alert.Dispatcher

// Dispatch calls every dispatcher, even after a failure.
func (m Multi) Dispatch(ctx context.Context, a alert.Alert) error {
	var errs []error
	for _, d := range m {
		if err := d.Dispatch(ctx, a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
