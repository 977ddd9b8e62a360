package evok

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	log "github.com/sirupsen/logrus"

	"github.com/automatedhome/sunheat/pkg/types"
)

// Device mirrors one EVOK input or output circuit on the wire.
type Device struct {
	Value   float64 `json:"value,omitempty"`
	Circuit string  `json:"circuit"`
	Dev     string  `json:"dev"`
}

// cacheEntry is the latest value pushed for a circuit over the websocket.
type cacheEntry struct {
	value float64
	at    time.Time
}

// Client talks to an EVOK board over its REST API and keeps a cache of
// values pushed over the websocket stream. Implements hardware.IO.
type Client struct {
	wsAddress   string
	httpAddress string
	httpClient  *http.Client

	mu       sync.Mutex
	cache    map[string]cacheEntry // keyed dev/circuit
	cacheTTL time.Duration
	wsConn   net.Conn
}

// NewClient creates an EVOK client. cacheTTL bounds how long a websocket
// push satisfies a read before falling back to REST.
func NewClient(address string, cacheTTL time.Duration) *Client {
	return &Client{
		wsAddress:   "ws://" + address + "/ws",
		httpAddress: "http://" + address,
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		cache:       make(map[string]cacheEntry),
		cacheTTL:    cacheTTL,
	}
}

func key(dev, circuit string) string {
	return dev + "/" + circuit
}

// ReadTemp returns the raw value for a channel, preferring a fresh
// websocket push and falling back to a REST read bounded by ctx.
func (c *Client) ReadTemp(ctx context.Context, ch types.Channel) (float64, error) {
	c.mu.Lock()
	entry, ok := c.cache[key(ch.Dev, ch.Circuit)]
	ttl := c.cacheTTL
	c.mu.Unlock()

	if ok && time.Since(entry.at) < ttl {
		return entry.value, nil
	}

	return c.getValue(ctx, ch.Dev, ch.Circuit)
}

// SetRelay drives an output circuit.
func (c *Client) SetRelay(ctx context.Context, relay types.Relay, on bool) error {
	value := 0.0
	if on {
		value = 1.0
	}
	return c.SetValue(ctx, relay.Dev, relay.Circuit, value)
}

// HandleWebsocketConnection subscribes to the EVOK push stream and feeds
// the value cache until ctx is cancelled. Reconnects on failure.
func (c *Client) HandleWebsocketConnection(ctx context.Context) {
	backoff := time.Second
	for ctx.Err() == nil {
		log.Infof("Connecting to EVOK at %s", c.wsAddress)
		if err := c.runWebsocket(ctx); err != nil {
			log.Warnf("EVOK websocket connection lost: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 60*time.Second {
			backoff *= 2
		}
	}
}

func (c *Client) runWebsocket(ctx context.Context) error {
	conn, _, _, err := ws.DefaultDialer.Dial(ctx, c.wsAddress)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	c.mu.Lock()
	c.wsConn = conn
	c.mu.Unlock()
	defer conn.Close()

	msg := `{"cmd":"filter", "devices":["ai","temp"]}`
	if err := wsutil.WriteClientMessage(conn, ws.OpText, []byte(msg)); err != nil {
		return fmt.Errorf("filter subscription: %w", err)
	}

	var inputs []Device
	for ctx.Err() == nil {
		payload, err := wsutil.ReadServerText(conn)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		if err := json.Unmarshal(payload, &inputs); err != nil {
			log.Warnf("Could not parse EVOK push data: %v", err)
			continue
		}

		c.storePush(inputs)
	}
	return ctx.Err()
}

func (c *Client) storePush(data []Device) {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range data {
		c.cache[key(d.Dev, d.Circuit)] = cacheEntry{value: d.Value, at: now}
	}
}

func (c *Client) getValue(ctx context.Context, dev, circuit string) (float64, error) {
	address := fmt.Sprintf("%s/rest/%s/%s", c.httpAddress, dev, circuit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, address, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to get data from EVOK: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read response body: %w", err)
	}

	var data Device
	if err := json.Unmarshal(body, &data); err != nil {
		return 0, fmt.Errorf("failed to parse received data: %w", err)
	}

	return data.Value, nil
}

// SetValue writes a value to an output circuit over REST.
func (c *Client) SetValue(ctx context.Context, dev, circuit string, value float64) error {
	address := fmt.Sprintf("%s/json/%s/%s", c.httpAddress, dev, circuit)

	var stringValue string
	if dev == "ao" {
		stringValue = fmt.Sprintf("%.2f", value)
	} else {
		stringValue = fmt.Sprintf("%.0f", value)
	}

	jsonValue, _ := json.Marshal(struct {
		Value string `json:"value"`
	}{
		Value: stringValue,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, address, bytes.NewBuffer(jsonValue))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Add("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to set circuit state in EVOK: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("EVOK returned status %d for %s/%s", resp.StatusCode, dev, circuit)
	}

	return nil
}
